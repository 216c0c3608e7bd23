package whatsapp

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogWALogger routes whatsmeow logging into slog.
type slogWALogger struct {
	log *slog.Logger
}

func newWALogger(log *slog.Logger, module string) waLog.Logger {
	return &slogWALogger{log: log.With(slog.String("module", module))}
}

func (l *slogWALogger) Errorf(msg string, args ...any) { l.log.Error(fmt.Sprintf(msg, args...)) }
func (l *slogWALogger) Warnf(msg string, args ...any)  { l.log.Warn(fmt.Sprintf(msg, args...)) }
func (l *slogWALogger) Infof(msg string, args ...any)  { l.log.Info(fmt.Sprintf(msg, args...)) }
func (l *slogWALogger) Debugf(msg string, args ...any) { l.log.Debug(fmt.Sprintf(msg, args...)) }

func (l *slogWALogger) Sub(module string) waLog.Logger {
	return &slogWALogger{log: l.log.With(slog.String("sub", module))}
}

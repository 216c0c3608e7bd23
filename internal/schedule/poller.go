// Package schedule runs the periodic pulls of platforms that have no
// inbound stream.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/message"
	"github.com/memohai/omnibox/internal/ownership"
)

// Pool is the slice of channel.Manager the poller needs.
type Pool interface {
	channel.Sink
	Connections(platform message.Platform) []channel.Connection
}

// RoomClaimer records room ownership.
type RoomClaimer interface {
	Claim(ctx context.Context, platform message.Platform, roomID, userID, teamID string) (ownership.Mapping, error)
}

type teamScoped interface {
	TeamID() string
}

// Poller pulls every live connection of one platform on a cron schedule.
type Poller struct {
	logger   *slog.Logger
	platform message.Platform
	spec     string
	pool     Pool
	claimer  RoomClaimer
	cursor   *Cursor

	mu   sync.Mutex
	cron *cron.Cron
}

// NewPoller creates a poller for platform. spec is a robfig/cron schedule
// such as "@every 1m".
func NewPoller(log *slog.Logger, platform message.Platform, spec string, pool Pool, claimer RoomClaimer, cursor *Cursor) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		logger:   log.With(slog.String("component", "poller"), slog.String("platform", platform.String())),
		platform: platform,
		spec:     spec,
		pool:     pool,
		claimer:  claimer,
		cursor:   cursor,
	}
}

// Start schedules the pull job. Runs never overlap; a tick that arrives
// while the previous pull is still going is skipped.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return errors.New("poller already started")
	}
	bridge := cronLogger{logger: p.logger}
	c := cron.New(
		cron.WithLogger(bridge),
		cron.WithChain(cron.Recover(bridge), cron.SkipIfStillRunning(bridge)),
	)
	if _, err := c.AddFunc(p.spec, func() { p.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", p.spec, err)
	}
	c.Start()
	p.cron = c
	p.logger.Info("poller started", slog.String("schedule", p.spec))
	return nil
}

// Stop cancels future ticks and waits for a running pull to finish.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce pulls every live connection of the platform once.
func (p *Poller) RunOnce(ctx context.Context) {
	for _, conn := range p.pool.Connections(p.platform) {
		if ctx.Err() != nil {
			return
		}
		if conn.Status() != channel.StatusConnected {
			continue
		}
		puller, ok := conn.(channel.Puller)
		if !ok {
			continue
		}
		key := conn.Key()
		p.claimRooms(ctx, conn)
		start := time.Now()
		if err := puller.Pull(ctx, p.cursor, p.pool); err != nil {
			p.logger.Warn("pull failed", slog.String("key", key.String()), slog.Any("error", err))
			continue
		}
		p.logger.Debug("pull done", slog.String("key", key.String()), slog.Duration("took", time.Since(start)))
	}
}

// claimRooms attributes the rooms a user's connection can see to that user
// before their messages are ingested.
func (p *Poller) claimRooms(ctx context.Context, conn channel.Connection) {
	key := conn.Key()
	lister, ok := conn.(channel.RoomLister)
	if !ok || p.claimer == nil || key.UserID == "" {
		return
	}
	rooms, err := lister.ListRooms(ctx)
	if err != nil {
		p.logger.Warn("list rooms failed", slog.String("key", key.String()), slog.Any("error", err))
		return
	}
	teamID := ""
	if scoped, ok := conn.(teamScoped); ok {
		teamID = scoped.TeamID()
	}
	for _, room := range rooms {
		if _, err := p.claimer.Claim(ctx, p.platform, room.ID, key.UserID, teamID); err != nil {
			p.logger.Warn("claim room failed", slog.String("room_id", room.ID), slog.Any("error", err))
		}
	}
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}

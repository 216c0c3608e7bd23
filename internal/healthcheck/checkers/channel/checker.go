package channelchecker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/healthcheck"
)

const checkTypeChannelConnection = "channel.connection"

// ConnectionObserver reads runtime channel connection statuses.
type ConnectionObserver interface {
	Statuses() []channel.ConnectionStatus
}

// Checker evaluates channel connection health checks.
type Checker struct {
	logger   *slog.Logger
	observer ConnectionObserver
}

// NewChecker creates a channel health checker.
func NewChecker(log *slog.Logger, observer ConnectionObserver) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_channel")),
		observer: observer,
	}
}

// ListChecks evaluates the connections visible to userID: their own and the
// process-wide ones. An empty userID lists every connection.
func (c *Checker) ListChecks(ctx context.Context, userID string) []healthcheck.CheckResult {
	if ctx == nil {
		ctx = context.Background()
	}
	// Connection observer is context-free; best effort early cancellation guard.
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	if c.observer == nil {
		c.logger.Warn("channel healthcheck dependency is unavailable")
		return []healthcheck.CheckResult{
			{
				ID:      checkTypeChannelConnection + ".service",
				Type:    checkTypeChannelConnection,
				Status:  healthcheck.StatusWarn,
				Summary: "Channel checker service is not available.",
				Detail:  "connection observer is nil",
			},
		}
	}

	userID = strings.TrimSpace(userID)
	statuses := make([]channel.ConnectionStatus, 0)
	for _, status := range c.observer.Statuses() {
		if userID == "" || status.UserID == "" || status.UserID == userID {
			statuses = append(statuses, status)
		}
	}
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Platform == statuses[j].Platform {
			return statuses[i].UserID < statuses[j].UserID
		}
		return statuses[i].Platform < statuses[j].Platform
	})

	checks := make([]healthcheck.CheckResult, 0, len(statuses))
	for _, status := range statuses {
		platform := status.Platform.String()
		item := healthcheck.CheckResult{
			ID:       buildCheckID(platform, status.UserID),
			Type:     checkTypeChannelConnection,
			Subtitle: buildSubtitle(platform, status.UserID),
			Status:   healthcheck.StatusError,
			Summary:  fmt.Sprintf("Platform %s connection is down.", platform),
			Metadata: map[string]any{
				"platform": platform,
				"status":   string(status.Status),
			},
		}
		if status.UpdatedAt.Unix() > 0 {
			item.Metadata["updated_at"] = status.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		switch status.Status {
		case channel.StatusConnected:
			item.Status = healthcheck.StatusOK
			item.Summary = fmt.Sprintf("Platform %s is connected.", platform)
		case channel.StatusPairing:
			item.Status = healthcheck.StatusWarn
			item.Summary = fmt.Sprintf("Platform %s is waiting for pairing.", platform)
		default:
			if strings.TrimSpace(status.LastError) != "" {
				item.Summary = fmt.Sprintf("Platform %s connection failed.", platform)
				item.Detail = strings.TrimSpace(status.LastError)
			}
		}
		checks = append(checks, item)
	}
	return checks
}

func buildCheckID(platform, userID string) string {
	if userID == "" {
		return checkTypeChannelConnection + "." + platform
	}
	return checkTypeChannelConnection + "." + platform + "." + userID
}

func buildSubtitle(platform, userID string) string {
	if userID == "" {
		return platform + " (shared)"
	}
	if len(userID) > 8 {
		userID = userID[:8]
	}
	return platform + " (" + userID + ")"
}

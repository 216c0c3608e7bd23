package channelchecker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/healthcheck"
	"github.com/memohai/omnibox/internal/message"
)

type fakeConnectionObserver struct {
	items []channel.ConnectionStatus
}

func (f *fakeConnectionObserver) Statuses() []channel.ConnectionStatus {
	return f.items
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckerListChecks(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	checker := NewChecker(newTestLogger(), &fakeConnectionObserver{
		items: []channel.ConnectionStatus{
			{Platform: message.PlatformTelegram, UserID: "user-1", Status: channel.StatusConnected, UpdatedAt: now},
			{Platform: message.PlatformSlack, UserID: "user-1", Status: channel.StatusDisconnected, LastError: "invalid_auth", UpdatedAt: now},
			{Platform: message.PlatformMatrix, Status: channel.StatusConnected, UpdatedAt: now},
			{Platform: message.PlatformWhatsApp, UserID: "user-2", Status: channel.StatusPairing, UpdatedAt: now},
		},
	})

	items := checker.ListChecks(context.Background(), "user-1")
	if len(items) != 3 {
		t.Fatalf("expected 3 checks, got %d", len(items))
	}
	byID := map[string]healthcheck.CheckResult{}
	for _, item := range items {
		byID[item.ID] = item
	}
	if got := byID["channel.connection.telegram.user-1"]; got.Status != healthcheck.StatusOK {
		t.Fatalf("expected ok for telegram, got %+v", got)
	}
	slack := byID["channel.connection.slack.user-1"]
	if slack.Status != healthcheck.StatusError || slack.Detail != "invalid_auth" {
		t.Fatalf("unexpected slack check: %+v", slack)
	}
	if got := byID["channel.connection.matrix"]; got.Subtitle != "matrix (shared)" {
		t.Fatalf("unexpected matrix check: %+v", got)
	}
	if healthcheck.Worst(items) != healthcheck.StatusError {
		t.Fatalf("worst = %s", healthcheck.Worst(items))
	}

	all := checker.ListChecks(context.Background(), "")
	if len(all) != 4 {
		t.Fatalf("expected 4 checks, got %d", len(all))
	}
	if all[3].Status != healthcheck.StatusWarn {
		t.Fatalf("expected pairing to warn, got %+v", all[3])
	}
}

func TestCheckerWithoutObserver(t *testing.T) {
	t.Parallel()

	items := NewChecker(newTestLogger(), nil).ListChecks(context.Background(), "user-1")
	if len(items) != 1 || items[0].Status != healthcheck.StatusWarn {
		t.Fatalf("unexpected checks: %+v", items)
	}
}

func TestCheckerCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker := NewChecker(newTestLogger(), &fakeConnectionObserver{items: []channel.ConnectionStatus{{Platform: message.PlatformSlack}}})
	if items := checker.ListChecks(ctx, ""); len(items) != 0 {
		t.Fatalf("expected no checks, got %d", len(items))
	}
}

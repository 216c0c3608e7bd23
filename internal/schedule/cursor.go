package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/memohai/omnibox/internal/message"
)

type roomKey struct {
	platform message.Platform
	roomID   string
}

// Cursor remembers the newest pulled timestamp per room. A room seen for
// the first time starts at its newest stored message, or lookback before
// now when nothing is stored. It implements channel.Cursor.
type Cursor struct {
	logger   *slog.Logger
	store    message.Store
	lookback time.Duration
	now      func() time.Time

	mu    sync.Mutex
	marks map[roomKey]time.Time
}

// NewCursor creates a cursor seeded from store.
func NewCursor(log *slog.Logger, store message.Store, lookback time.Duration) *Cursor {
	if log == nil {
		log = slog.Default()
	}
	return &Cursor{
		logger:   log.With(slog.String("component", "pull_cursor")),
		store:    store,
		lookback: lookback,
		now:      time.Now,
		marks:    map[roomKey]time.Time{},
	}
}

func (c *Cursor) Since(ctx context.Context, platform message.Platform, roomID string) time.Time {
	key := roomKey{platform: platform, roomID: roomID}
	c.mu.Lock()
	mark, ok := c.marks[key]
	c.mu.Unlock()
	if ok {
		return mark
	}
	mark = c.now().Add(-c.lookback).UTC()
	if c.store != nil {
		latest, err := c.store.QueryByRoom(ctx, platform, roomID, message.Query{Limit: 1, Order: message.NewestFirst})
		if err != nil {
			c.logger.Warn("seed cursor failed", slog.String("room_id", roomID), slog.Any("error", err))
		} else if len(latest) > 0 {
			mark = latest[0].Timestamp
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.marks[key]; ok && existing.After(mark) {
		return existing
	}
	c.marks[key] = mark
	return mark
}

func (c *Cursor) Advance(platform message.Platform, roomID string, ts time.Time) {
	key := roomKey{platform: platform, roomID: roomID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts.After(c.marks[key]) {
		c.marks[key] = ts
	}
}

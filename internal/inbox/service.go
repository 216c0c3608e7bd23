// Package inbox answers the consolidated, per-user read and send queries.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/memohai/omnibox/internal/accounts"
	"github.com/memohai/omnibox/internal/analysis"
	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/message"
	"github.com/memohai/omnibox/internal/ownership"
)

// ErrForbidden is returned when a user reads or writes a room they do not own.
var ErrForbidden = errors.New("room is owned by another user")

// AccountLister lists the accounts of a user in connection order.
type AccountLister interface {
	ListByUser(ctx context.Context, userID string) ([]accounts.Account, error)
}

// RoomIndex answers which rooms belong to a user.
type RoomIndex interface {
	Rooms(ctx context.Context, userID string, platform message.Platform) ([]string, error)
	Owner(ctx context.Context, platform message.Platform, roomID string) (string, error)
	Claim(ctx context.Context, platform message.Platform, roomID, userID, teamID string) (ownership.Mapping, error)
}

// Connections is the slice of channel.Manager the service needs.
type Connections interface {
	Registry() *channel.Registry
	Get(key channel.Key) (channel.Connection, bool)
	Contacts(ctx context.Context, key channel.Key) (map[string]string, error)
	Send(ctx context.Context, key channel.Key, roomID, content string) (channel.Receipt, error)
}

// OutboundRecorder stores a message the user sent.
type OutboundRecorder interface {
	RecordOutbound(ctx context.Context, userID string, platform message.Platform, receipt channel.Receipt, content string) (message.Message, error)
}

// Service merges stored history and live contacts across a user's accounts.
type Service struct {
	logger      *slog.Logger
	accounts    AccountLister
	rooms       RoomIndex
	store       message.Store
	connections Connections
	recorder    OutboundRecorder
	now         func() time.Time
}

// NewService creates an inbox service.
func NewService(log *slog.Logger, accts AccountLister, rooms RoomIndex, store message.Store, connections Connections, recorder OutboundRecorder) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		logger:      log.With(slog.String("service", "inbox")),
		accounts:    accts,
		rooms:       rooms,
		store:       store,
		connections: connections,
		recorder:    recorder,
		now:         time.Now,
	}
}

// GetInbox returns the newest messages of every connected platform of the
// user, up to limit per platform, newest first.
func (s *Service) GetInbox(ctx context.Context, userID string, limit int) ([]message.Message, error) {
	if limit <= 0 {
		limit = message.DefaultLimit
	}
	items, err := s.accounts.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	merged := make([]message.Message, 0)
	for _, acct := range items {
		roomIDs, err := s.rooms.Rooms(ctx, userID, acct.Platform)
		if err != nil {
			return nil, fmt.Errorf("list %s rooms: %w", acct.Platform, err)
		}
		if len(roomIDs) == 0 {
			continue
		}
		msgs, err := s.store.ListRecent(ctx, acct.Platform, roomIDs, message.Query{Limit: limit, Order: message.NewestFirst})
		if err != nil {
			return nil, fmt.Errorf("list %s messages: %w", acct.Platform, err)
		}
		merged = append(merged, msgs...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	return merged, nil
}

// GetContacts merges the contacts of the user's live connections in
// connection order; later platforms win on id collisions.
func (s *Service) GetContacts(ctx context.Context, userID string) (map[string]string, error) {
	items, err := s.accounts.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := map[string]string{}
	registry := s.connections.Registry()
	for _, acct := range items {
		key := registry.KeyFor(acct.Platform, userID)
		contacts, err := s.connections.Contacts(ctx, key)
		if err != nil {
			if !errors.Is(err, channel.ErrNotConnected) && !errors.Is(err, channel.ErrUnsupported) {
				s.logger.Warn("list contacts failed", slog.String("platform", acct.Platform.String()), slog.Any("error", err))
			}
			continue
		}
		for id, name := range contacts {
			out[id] = name
		}
	}
	return out, nil
}

// Messages returns stored history of one room owned by the user.
func (s *Service) Messages(ctx context.Context, userID string, platform message.Platform, roomID string, q message.Query) ([]message.Message, error) {
	if err := s.authorize(ctx, userID, platform, roomID); err != nil {
		return nil, err
	}
	return s.store.QueryByRoom(ctx, platform, roomID, q)
}

// Summarize aggregates stored history of one room owned by the user.
func (s *Service) Summarize(ctx context.Context, userID string, platform message.Platform, roomID string, q message.Query) (analysis.Summary, error) {
	msgs, err := s.Messages(ctx, userID, platform, roomID, q)
	if err != nil {
		return analysis.Summary{}, err
	}
	return analysis.Summarize(msgs, s.now()), nil
}

// Send posts content into a room and records it as the user's message.
func (s *Service) Send(ctx context.Context, userID string, platform message.Platform, roomID, content string) (message.Message, error) {
	if err := s.authorize(ctx, userID, platform, roomID); err != nil {
		return message.Message{}, err
	}
	key := s.connections.Registry().KeyFor(platform, userID)
	receipt, err := s.connections.Send(ctx, key, roomID, content)
	if err != nil {
		return message.Message{}, err
	}
	return s.recorder.RecordOutbound(ctx, userID, platform, receipt, content)
}

// authorize allows rooms the user owns and rooms nobody owns yet.
func (s *Service) authorize(ctx context.Context, userID string, platform message.Platform, roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return &message.ValidationError{Field: "roomId", Reason: "required"}
	}
	owner, err := s.rooms.Owner(ctx, platform, roomID)
	if err != nil {
		return err
	}
	if owner != "" && owner != userID {
		return ErrForbidden
	}
	return nil
}

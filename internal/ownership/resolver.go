package ownership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/omnibox/internal/accounts"
	"github.com/memohai/omnibox/internal/message"
)

// AttributionError reports a room no user could be found for.
type AttributionError struct {
	Platform message.Platform
	RoomID   string
}

func (e *AttributionError) Error() string {
	return fmt.Sprintf("no owner for %s room %s", e.Platform, e.RoomID)
}

// AccountLookup is the slice of the account store the resolver needs.
type AccountLookup interface {
	FirstByPlatform(ctx context.Context, platform message.Platform) (accounts.Account, error)
}

// Resolver maps (platform, roomID) to the owning user.
type Resolver struct {
	mappings MappingStore
	accounts AccountLookup
	strict   bool
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStrictOwnership turns off the first-account fallback: only rooms
// claimed explicitly are attributed.
func WithStrictOwnership(strict bool) Option {
	return func(r *Resolver) { r.strict = strict }
}

// NewResolver creates a resolver.
func NewResolver(log *slog.Logger, mappings MappingStore, accts AccountLookup, opts ...Option) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	r := &Resolver{
		mappings: mappings,
		accounts: accts,
		logger:   log.With(slog.String("component", "ownership")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveOwner returns the owner of a room, creating the mapping on first
// contact. An empty user id with a nil error means nobody can own the room.
func (r *Resolver) ResolveOwner(ctx context.Context, platform message.Platform, roomID string) (string, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return "", fmt.Errorf("room id is required")
	}
	m, err := r.mappings.Get(ctx, platform, roomID)
	if err == nil {
		return m.UserID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if r.strict {
		return "", nil
	}
	acc, err := r.accounts.FirstByPlatform(ctx, platform)
	if errors.Is(err, accounts.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	m, created, err := r.mappings.Insert(ctx, Mapping{
		Platform: platform,
		RoomID:   roomID,
		UserID:   acc.UserID,
		TeamID:   acc.Credential("team_id"),
	})
	if err != nil {
		return "", err
	}
	if created {
		r.logger.Info("room attributed by first account",
			slog.String("platform", platform.String()),
			slog.String("room_id", roomID),
			slog.String("user_id", m.UserID),
		)
	}
	return m.UserID, nil
}

// Claim records userID as the owner of a room the user is known to be in.
// An existing mapping is kept.
func (r *Resolver) Claim(ctx context.Context, platform message.Platform, roomID, userID, teamID string) (Mapping, error) {
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return Mapping{}, fmt.Errorf("room id and user id are required")
	}
	m, created, err := r.mappings.Insert(ctx, Mapping{Platform: platform, RoomID: roomID, UserID: userID, TeamID: teamID})
	if err != nil {
		return Mapping{}, err
	}
	if !created && m.UserID != userID {
		r.logger.Debug("claim ignored, room already owned",
			slog.String("platform", platform.String()),
			slog.String("room_id", roomID),
			slog.String("owner", m.UserID),
			slog.String("claimant", userID),
		)
	}
	return m, nil
}

// Rooms lists the room ids owned by userID on platform.
func (r *Resolver) Rooms(ctx context.Context, userID string, platform message.Platform) ([]string, error) {
	items, err := r.mappings.ListByUser(ctx, userID, platform)
	if err != nil {
		return nil, err
	}
	rooms := make([]string, 0, len(items))
	for _, m := range items {
		rooms = append(rooms, m.RoomID)
	}
	return rooms, nil
}

// Owner returns the recorded owner of a room without attributing it. An
// unmapped room yields an empty id.
func (r *Resolver) Owner(ctx context.Context, platform message.Platform, roomID string) (string, error) {
	m, err := r.mappings.Get(ctx, platform, roomID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return m.UserID, nil
}

// Owns reports whether userID owns the room.
func (r *Resolver) Owns(ctx context.Context, userID string, platform message.Platform, roomID string) (bool, error) {
	m, err := r.mappings.Get(ctx, platform, roomID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.UserID == userID, nil
}

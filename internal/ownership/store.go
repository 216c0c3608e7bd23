// Package ownership attributes external conversations to internal users.
package ownership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/memohai/omnibox/internal/db"
	"github.com/memohai/omnibox/internal/message"
)

// ErrNotFound indicates no mapping exists for a room.
var ErrNotFound = errors.New("channel mapping not found")

// Mapping records which user owns an external conversation.
type Mapping struct {
	Platform  message.Platform `json:"platform"`
	RoomID    string           `json:"roomId"`
	UserID    string           `json:"userId"`
	TeamID    string           `json:"teamId,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// MappingStore persists mappings. Insert never overwrites: it returns the
// row that owns the room afterwards and whether this call created it.
type MappingStore interface {
	Get(ctx context.Context, platform message.Platform, roomID string) (Mapping, error)
	Insert(ctx context.Context, m Mapping) (Mapping, bool, error)
	ListByUser(ctx context.Context, userID string, platform message.Platform) ([]Mapping, error)
}

// PostgresMappingStore keeps mappings in channel_mappings.
type PostgresMappingStore struct {
	db     db.DBTX
	logger *slog.Logger
}

// NewPostgresMappingStore creates a Postgres-backed mapping store.
func NewPostgresMappingStore(log *slog.Logger, conn db.DBTX) *PostgresMappingStore {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresMappingStore{db: conn, logger: log.With(slog.String("store", "channel_mappings"))}
}

const mappingColumns = `platform, room_id, user_id, team_id, created_at`

func (s *PostgresMappingStore) Get(ctx context.Context, platform message.Platform, roomID string) (Mapping, error) {
	row := s.db.QueryRow(ctx, `SELECT `+mappingColumns+` FROM channel_mappings WHERE platform = $1 AND room_id = $2`, string(platform), roomID)
	m, err := scanMapping(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Mapping{}, ErrNotFound
	}
	return m, err
}

// Insert relies on the (platform, room_id) primary key so concurrent
// resolvers converge on one row.
func (s *PostgresMappingStore) Insert(ctx context.Context, m Mapping) (Mapping, bool, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO channel_mappings (platform, room_id, user_id, team_id, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (platform, room_id) DO NOTHING
		RETURNING `+mappingColumns,
		string(m.Platform), m.RoomID, m.UserID, m.TeamID,
	)
	created, err := scanMapping(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Mapping{}, false, fmt.Errorf("insert channel mapping: %w", err)
	}
	existing, err := s.Get(ctx, m.Platform, m.RoomID)
	if err != nil {
		return Mapping{}, false, fmt.Errorf("reload channel mapping: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresMappingStore) ListByUser(ctx context.Context, userID string, platform message.Platform) ([]Mapping, error) {
	rows, err := s.db.Query(ctx, `SELECT `+mappingColumns+` FROM channel_mappings WHERE user_id = $1 AND platform = $2 ORDER BY created_at, room_id`, userID, string(platform))
	if err != nil {
		return nil, fmt.Errorf("list channel mappings: %w", err)
	}
	defer rows.Close()
	items := make([]Mapping, 0)
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func scanMapping(row pgx.Row) (Mapping, error) {
	var (
		m        Mapping
		platform string
	)
	if err := row.Scan(&platform, &m.RoomID, &m.UserID, &m.TeamID, &m.CreatedAt); err != nil {
		return Mapping{}, err
	}
	m.Platform = message.Platform(platform)
	return m, nil
}

type mappingKey struct {
	platform message.Platform
	roomID   string
}

// MemoryMappingStore is an in-process MappingStore.
type MemoryMappingStore struct {
	mu    sync.RWMutex
	items map[mappingKey]Mapping
	order []mappingKey
}

// NewMemoryMappingStore creates an empty in-memory mapping store.
func NewMemoryMappingStore() *MemoryMappingStore {
	return &MemoryMappingStore{items: map[mappingKey]Mapping{}}
}

func (s *MemoryMappingStore) Get(_ context.Context, platform message.Platform, roomID string) (Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.items[mappingKey{platform: platform, roomID: roomID}]
	if !ok {
		return Mapping{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryMappingStore) Insert(_ context.Context, m Mapping) (Mapping, bool, error) {
	key := mappingKey{platform: m.Platform, roomID: m.RoomID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[key]; ok {
		return existing, false, nil
	}
	m.CreatedAt = time.Now().UTC()
	s.items[key] = m
	s.order = append(s.order, key)
	return m, true, nil
}

func (s *MemoryMappingStore) ListByUser(_ context.Context, userID string, platform message.Platform) ([]Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Mapping, 0)
	for _, key := range s.order {
		m := s.items[key]
		if m.UserID == userID && m.Platform == platform {
			items = append(items, m)
		}
	}
	return items, nil
}

// Count returns the number of stored mappings.
func (s *MemoryMappingStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

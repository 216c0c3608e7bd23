package message

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/memohai/omnibox/internal/db"
)

// Store is the append-only message log.
type Store interface {
	Append(ctx context.Context, msg Message) (Message, error)
	QueryByRoom(ctx context.Context, platform Platform, roomID string, q Query) ([]Message, error)
	ListRecent(ctx context.Context, platform Platform, roomIDs []string, q Query) ([]Message, error)
}

// prepare assigns the defaults a message receives on its first append.
func prepare(msg Message, now time.Time) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	msg.Timestamp = msg.Timestamp.UTC()
	if msg.Priority == "" {
		msg.Priority = PriorityMedium
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// PostgresStore persists messages in the messages table.
type PostgresStore struct {
	pool   db.DBTX
	logger *slog.Logger
}

// NewPostgresStore creates a store backed by the given pool.
func NewPostgresStore(log *slog.Logger, pool db.DBTX) *PostgresStore {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresStore{
		pool:   pool,
		logger: log.With(slog.String("store", "message")),
	}
}

const messageColumns = `id, content, sender, sender_name, timestamp, priority, platform, room_id`

// Append inserts a message and returns the stored row.
func (s *PostgresStore) Append(ctx context.Context, msg Message) (Message, error) {
	msg, err := prepare(msg, time.Now())
	if err != nil {
		return Message{}, err
	}
	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + messageColumns
	row := s.pool.QueryRow(ctx, query,
		msg.ID, msg.Content, msg.Sender, msg.SenderName, msg.Timestamp, string(msg.Priority), string(msg.Platform), msg.RoomID,
	)
	stored, err := scanMessage(row)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return stored, nil
}

// QueryByRoom lists messages of one room.
func (s *PostgresStore) QueryByRoom(ctx context.Context, platform Platform, roomID string, q Query) ([]Message, error) {
	where := []string{"platform = $1", "room_id = $2"}
	args := []any{string(platform), roomID}
	return s.list(ctx, where, args, q)
}

// ListRecent lists messages across several rooms of one platform.
func (s *PostgresStore) ListRecent(ctx context.Context, platform Platform, roomIDs []string, q Query) ([]Message, error) {
	if len(roomIDs) == 0 {
		return []Message{}, nil
	}
	where := []string{"platform = $1", "room_id = ANY($2)"}
	args := []any{string(platform), roomIDs}
	return s.list(ctx, where, args, q)
}

func (s *PostgresStore) list(ctx context.Context, where []string, args []any, q Query) ([]Message, error) {
	if !q.Before.IsZero() {
		args = append(args, q.Before.UTC())
		where = append(where, fmt.Sprintf("timestamp < $%d", len(args)))
	}
	if !q.After.IsZero() {
		args = append(args, q.After.UTC())
		where = append(where, fmt.Sprintf("timestamp > $%d", len(args)))
	}
	args = append(args, q.limit())
	// Oldest-first with a limit still wants the newest window, so page
	// newest-first and reverse afterwards.
	query := fmt.Sprintf(`
		SELECT %s
		FROM messages
		WHERE %s
		ORDER BY timestamp DESC, id DESC
		LIMIT $%d`, messageColumns, strings.Join(where, " AND "), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	if q.Order == OldestFirst {
		reverse(items)
	}
	return items, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		msg      Message
		priority string
		platform string
	)
	if err := row.Scan(
		&msg.ID,
		&msg.Content,
		&msg.Sender,
		&msg.SenderName,
		&msg.Timestamp,
		&priority,
		&platform,
		&msg.RoomID,
	); err != nil {
		return Message{}, err
	}
	msg.Priority = Priority(priority)
	msg.Platform = Platform(platform)
	msg.Timestamp = msg.Timestamp.UTC()
	return msg, nil
}

func reverse(items []Message) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

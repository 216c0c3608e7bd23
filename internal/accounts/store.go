package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/memohai/omnibox/internal/db"
	"github.com/memohai/omnibox/internal/message"
)

// Store persists accounts. Upsert is keyed on (userID, platform).
type Store interface {
	Upsert(ctx context.Context, userID string, platform message.Platform, credentials map[string]any) (Account, error)
	Get(ctx context.Context, userID string, platform message.Platform) (Account, error)
	ListByUser(ctx context.Context, userID string) ([]Account, error)
	ListByPlatform(ctx context.Context, platform message.Platform) ([]Account, error)
	// FirstByPlatform returns the earliest connected account, ties broken by id.
	FirstByPlatform(ctx context.Context, platform message.Platform) (Account, error)
	// Delete removes an account. It only backs rollback of a failed first
	// connection; accounts are otherwise overwritten, never removed.
	Delete(ctx context.Context, userID string, platform message.Platform) error
}

// PostgresStore keeps accounts in platform_accounts.
type PostgresStore struct {
	db     db.DBTX
	logger *slog.Logger
}

// NewPostgresStore creates a Postgres-backed account store.
func NewPostgresStore(log *slog.Logger, conn db.DBTX) *PostgresStore {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresStore{db: conn, logger: log.With(slog.String("store", "accounts"))}
}

const accountColumns = `id, user_id, platform, credentials, connected_at, updated_at`

// Upsert creates the account or replaces its credentials. connected_at is
// kept from the first connection so ownership ordering stays stable.
func (s *PostgresStore) Upsert(ctx context.Context, userID string, platform message.Platform, credentials map[string]any) (Account, error) {
	if err := validateKey(userID, platform); err != nil {
		return Account{}, err
	}
	if credentials == nil {
		credentials = map[string]any{}
	}
	payload, err := json.Marshal(credentials)
	if err != nil {
		return Account{}, fmt.Errorf("marshal credentials: %w", err)
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO platform_accounts (id, user_id, platform, credentials, connected_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (user_id, platform) DO UPDATE
		SET credentials = EXCLUDED.credentials, updated_at = now()
		RETURNING `+accountColumns,
		uuid.NewString(), userID, string(platform), payload,
	)
	acc, err := scanAccount(row)
	if err != nil {
		return Account{}, fmt.Errorf("upsert account: %w", err)
	}
	return acc, nil
}

// Get returns the account of userID on platform.
func (s *PostgresStore) Get(ctx context.Context, userID string, platform message.Platform) (Account, error) {
	row := s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM platform_accounts WHERE user_id = $1 AND platform = $2`, userID, string(platform))
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return acc, err
}

// ListByUser returns every account of userID in connection order.
func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]Account, error) {
	return s.list(ctx, `SELECT `+accountColumns+` FROM platform_accounts WHERE user_id = $1 ORDER BY connected_at, id`, userID)
}

// ListByPlatform returns every account on platform in connection order.
func (s *PostgresStore) ListByPlatform(ctx context.Context, platform message.Platform) ([]Account, error) {
	return s.list(ctx, `SELECT `+accountColumns+` FROM platform_accounts WHERE platform = $1 ORDER BY connected_at, id`, string(platform))
}

// FirstByPlatform returns the earliest connected account on platform.
func (s *PostgresStore) FirstByPlatform(ctx context.Context, platform message.Platform) (Account, error) {
	row := s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM platform_accounts WHERE platform = $1 ORDER BY connected_at, id LIMIT 1`, string(platform))
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return acc, err
}

// Delete removes the account of userID on platform.
func (s *PostgresStore) Delete(ctx context.Context, userID string, platform message.Platform) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM platform_accounts WHERE user_id = $1 AND platform = $2`, userID, string(platform))
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]Account, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	items := make([]Account, 0)
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, acc)
	}
	return items, rows.Err()
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		acc      Account
		platform string
		raw      []byte
	)
	if err := row.Scan(&acc.ID, &acc.UserID, &platform, &raw, &acc.ConnectedAt, &acc.UpdatedAt); err != nil {
		return Account{}, err
	}
	acc.Platform = message.Platform(platform)
	acc.Credentials = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &acc.Credentials); err != nil {
			return Account{}, fmt.Errorf("decode credentials: %w", err)
		}
	}
	return acc, nil
}

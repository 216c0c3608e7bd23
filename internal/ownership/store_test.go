package ownership

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/memohai/omnibox/internal/message"
)

type fakeRow struct {
	scanFunc func(dest ...any) error
}

func (r *fakeRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type fakeDBTX struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	statements   []string
}

func (d *fakeDBTX) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (d *fakeDBTX) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, nil
}

func (d *fakeDBTX) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	d.statements = append(d.statements, sql)
	return d.queryRowFunc(ctx, sql, args...)
}

func mappingRow(userID string) *fakeRow {
	return &fakeRow{scanFunc: func(dest ...any) error {
		*dest[0].(*string) = "telegram"
		*dest[1].(*string) = "chat-1"
		*dest[2].(*string) = userID
		*dest[3].(*string) = ""
		*dest[4].(*time.Time) = time.Unix(100, 0)
		return nil
	}}
}

func TestPostgresInsertConflictRereads(t *testing.T) {
	fake := &fakeDBTX{}
	fake.queryRowFunc = func(_ context.Context, sql string, _ ...any) pgx.Row {
		if strings.Contains(sql, "INSERT INTO channel_mappings") {
			return &fakeRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
		}
		return mappingRow("existing-owner")
	}
	store := NewPostgresMappingStore(nil, fake)

	m, created, err := store.Insert(context.Background(), Mapping{Platform: message.PlatformTelegram, RoomID: "chat-1", UserID: "newcomer"})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if created {
		t.Fatal("expected conflict to report not created")
	}
	if m.UserID != "existing-owner" {
		t.Fatalf("expected existing owner, got %s", m.UserID)
	}
	if len(fake.statements) != 2 || !strings.Contains(fake.statements[0], "ON CONFLICT (platform, room_id) DO NOTHING") {
		t.Fatalf("unexpected statements: %v", fake.statements)
	}
}

func TestPostgresInsertCreates(t *testing.T) {
	fake := &fakeDBTX{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return mappingRow("newcomer")
	}}
	store := NewPostgresMappingStore(nil, fake)

	m, created, err := store.Insert(context.Background(), Mapping{Platform: message.PlatformTelegram, RoomID: "chat-1", UserID: "newcomer"})
	if err != nil || !created || m.UserID != "newcomer" {
		t.Fatalf("unexpected result: %#v created=%v err=%v", m, created, err)
	}
	if m.Platform != message.PlatformTelegram {
		t.Fatalf("unexpected platform %s", m.Platform)
	}
}

func TestPostgresGetMissing(t *testing.T) {
	fake := &fakeDBTX{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return &fakeRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
	}}
	store := NewPostgresMappingStore(nil, fake)
	if _, err := store.Get(context.Background(), message.PlatformSlack, "C1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

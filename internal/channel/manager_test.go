package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/memohai/omnibox/internal/accounts"
	"github.com/memohai/omnibox/internal/message"
)

func newTestManager(t *testing.T, adapters ...Adapter) (*Manager, *accounts.MemoryStore) {
	t.Helper()
	reg := NewRegistry()
	for _, a := range adapters {
		reg.MustRegister(a)
	}
	store := accounts.NewMemoryStore()
	m := NewManager(discardLogger(), reg, store, WithInbound(4, 16))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, store
}

func TestManagerForcedRestartNeverOverlaps(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{platform: message.PlatformTelegram, connectDur: 2 * time.Millisecond, stopDur: 2 * time.Millisecond}
	m, _ := newTestManager(t, adapter)
	key := Key{Platform: message.PlatformTelegram, UserID: "u1"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Connect(context.Background(), key, accounts.Account{UserID: "u1"}); err != nil {
				t.Errorf("connect: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := adapter.maxActive.Load(); got != 1 {
		t.Fatalf("max concurrent sessions = %d, want 1", got)
	}
	if got, want := adapter.stops.Load(), adapter.connects.Load()-1; got != want {
		t.Fatalf("stops = %d, want %d", got, want)
	}
	if _, ok := m.Get(key); !ok {
		t.Fatalf("expected live connection")
	}
}

func TestManagerEnsureReusesLiveConnection(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{platform: message.PlatformWhatsApp}
	m, _ := newTestManager(t, adapter)
	key := Key{Platform: message.PlatformWhatsApp, UserID: "u1"}

	first, err := m.Ensure(context.Background(), key, accounts.Account{})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := m.Ensure(context.Background(), key, accounts.Account{})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same connection")
	}
	if adapter.connects.Load() != 1 {
		t.Fatalf("connects = %d, want 1", adapter.connects.Load())
	}

	_ = first.Stop(context.Background())
	third, err := m.Ensure(context.Background(), key, accounts.Account{})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if third == first {
		t.Fatalf("expected a new connection after disconnect")
	}
}

func TestManagerKeysAreIndependent(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{platform: message.PlatformTelegram, connectDur: 50 * time.Millisecond}
	m, _ := newTestManager(t, adapter)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := Key{Platform: message.PlatformTelegram, UserID: fmt.Sprintf("u%d", i)}
			_, _ = m.Connect(context.Background(), key, accounts.Account{})
		}(i)
	}
	wg.Wait()
	// Each connect sleeps while holding its key lock; all four overlapping
	// shows one key never blocks another.
	if got := adapter.maxActive.Load(); got != 4 {
		t.Fatalf("max active = %d, want 4", got)
	}
}

func TestManagerConnectFailureIsRecorded(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{platform: message.PlatformSlack, connectErr: errBoom}
	obs := &recordingObserver{}
	reg := NewRegistry()
	reg.MustRegister(adapter)
	m := NewManager(discardLogger(), reg, nil, WithObserver(obs))
	key := Key{Platform: message.PlatformSlack, UserID: "u1"}

	_, err := m.Connect(context.Background(), key, accounts.Account{})
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	status := m.Status(key)
	if status.Status != StatusDisconnected || status.LastError == "" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if len(obs.transitions) != 1 || obs.transitions[0] != ">disconnected" {
		t.Fatalf("unexpected transitions: %v", obs.transitions)
	}
}

func TestManagerUnknownPlatform(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	_, err := m.Connect(context.Background(), Key{Platform: message.PlatformMatrix}, accounts.Account{})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestManagerSend(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{platform: message.PlatformTelegram}
	obs := &recordingObserver{}
	reg := NewRegistry()
	reg.MustRegister(adapter)
	m := NewManager(discardLogger(), reg, nil, WithObserver(obs))
	key := Key{Platform: message.PlatformTelegram, UserID: "u1"}

	_, err := m.Send(context.Background(), key, "42", "hi")
	var sendErr *SendError
	if !errors.As(err, &sendErr) || !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected SendError(ErrNotConnected), got %v", err)
	}

	if _, err := m.Connect(context.Background(), key, accounts.Account{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	receipt, err := m.Send(context.Background(), key, "42", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if receipt.RoomID != "42" || receipt.MessageID != "m1" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if _, err := m.Send(context.Background(), key, "42", "  "); err == nil {
		t.Fatalf("expected empty content to fail")
	}

	conn, _ := m.Get(key)
	conn.(*fakeConnection).sendErr = errBoom
	_, err = m.Send(context.Background(), key, "42", "hi")
	if !errors.As(err, &sendErr) || sendErr.RoomID != "42" || !errors.Is(err, errBoom) {
		t.Fatalf("expected wrapped SendError, got %v", err)
	}
	if len(obs.outbound) != 4 {
		t.Fatalf("outbound observations = %d, want 4", len(obs.outbound))
	}
}

func TestManagerContacts(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{platform: message.PlatformTelegram}
	m, _ := newTestManager(t, adapter)
	key := Key{Platform: message.PlatformTelegram, UserID: "u1"}

	if _, err := m.Contacts(context.Background(), key); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	_, _ = m.Connect(context.Background(), key, accounts.Account{})
	contacts, err := m.Contacts(context.Background(), key)
	if err != nil || contacts["u1"] != "User One" {
		t.Fatalf("unexpected contacts: %v %v", contacts, err)
	}
}

func TestManagerUpdateCredentials(t *testing.T) {
	t.Parallel()

	m, store := newTestManager(t, &fakeAdapter{platform: message.PlatformWhatsApp})
	key := Key{Platform: message.PlatformWhatsApp, UserID: "u1"}
	if err := m.UpdateCredentials(context.Background(), key, map[string]any{"jid": "1@s.whatsapp.net"}); err != nil {
		t.Fatalf("update credentials: %v", err)
	}
	acct, err := store.Get(context.Background(), "u1", message.PlatformWhatsApp)
	if err != nil || acct.Credential("jid") != "1@s.whatsapp.net" {
		t.Fatalf("unexpected account: %+v %v", acct, err)
	}
	if err := m.UpdateCredentials(context.Background(), Key{Platform: message.PlatformMatrix}, map[string]any{"x": 1}); err != nil {
		t.Fatalf("process-wide update should be ignored: %v", err)
	}
}

func TestManagerReportStatusRecovery(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, &fakeAdapter{platform: message.PlatformWhatsApp})
	key := Key{Platform: message.PlatformWhatsApp, UserID: "u1"}
	m.ReportStatus(key, StatusDisconnected, errBoom)
	if got := m.Status(key); got.LastError != errBoom.Error() {
		t.Fatalf("unexpected status: %+v", got)
	}
	m.ReportStatus(key, StatusConnected, nil)
	if got := m.Status(key); got.Status != StatusConnected || got.LastError != "" {
		t.Fatalf("unexpected status: %+v", got)
	}
	if len(m.Statuses()) != 1 {
		t.Fatalf("expected one status entry")
	}
}

func TestManagerShutdownStopsConnections(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{platform: message.PlatformTelegram}
	reg := NewRegistry()
	reg.MustRegister(adapter)
	m := NewManager(discardLogger(), reg, nil)
	m.Start(context.Background())
	for _, user := range []string{"a", "b"} {
		if _, err := m.Connect(context.Background(), Key{Platform: message.PlatformTelegram, UserID: user}, accounts.Account{}); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if adapter.active.Load() != 0 {
		t.Fatalf("active sessions after shutdown = %d", adapter.active.Load())
	}
	if len(m.Connections(message.PlatformTelegram)) != 0 {
		t.Fatalf("connections left after shutdown")
	}
	err := m.HandleInbound(context.Background(), Key{Platform: message.PlatformTelegram}, message.Message{RoomID: "1", Content: "x"})
	if !errors.Is(err, errManagerStopped) {
		t.Fatalf("expected errManagerStopped, got %v", err)
	}
}

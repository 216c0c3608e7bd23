package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/memohai/omnibox/internal/accounts"
	"github.com/memohai/omnibox/internal/message"
)

// keyLock returns the mutex serializing every mutation of key. Holding it
// never blocks other keys.
func (m *Manager) keyLock(key Key) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.keyLocks[key] = l
	}
	return l
}

// Connect starts a connection for key, stopping any existing one first.
// The old connection's Stop returns before the new Connect begins, so two
// sessions for the same key never run at once.
func (m *Manager) Connect(ctx context.Context, key Key, acct accounts.Account) (Connection, error) {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()
	return m.connectLocked(ctx, key, acct)
}

// Ensure returns the live connection for key, or starts one if there is
// none or the existing one is disconnected.
func (m *Manager) Ensure(ctx context.Context, key Key, acct accounts.Account) (Connection, error) {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	existing := m.connections[key]
	if existing != nil && existing.Status() != StatusDisconnected {
		m.setConnectionStatusLocked(key, existing.Status(), nil)
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()
	return m.connectLocked(ctx, key, acct)
}

func (m *Manager) connectLocked(ctx context.Context, key Key, acct accounts.Account) (Connection, error) {
	receiver, ok := m.registry.GetReceiver(key.Platform)
	if !ok {
		err := &ConnectionError{Platform: key.Platform, Key: key, Err: fmt.Errorf("%w: receiver not available", ErrUnsupported)}
		m.markConnectionStatus(key, StatusDisconnected, err)
		return nil, err
	}

	m.mu.Lock()
	oldConn := m.connections[key]
	delete(m.connections, key)
	m.mu.Unlock()

	if oldConn != nil {
		m.logger.Info("connection restart", slog.String("platform", key.Platform.String()), slog.String("user_id", key.UserID))
		if err := oldConn.Stop(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) {
			m.logger.Warn(
				"connection stop failed",
				slog.String("platform", key.Platform.String()),
				slog.String("user_id", key.UserID),
				slog.Any("error", err),
			)
		}
	}

	m.logger.Info("connection start", slog.String("platform", key.Platform.String()), slog.String("user_id", key.UserID))
	connectCtx := context.Background()
	if ctx != nil {
		// Decouple long-lived adapter connections from short-lived request contexts.
		connectCtx = context.WithoutCancel(ctx)
	}
	conn, err := receiver.Connect(connectCtx, key, acct, m)
	if err != nil {
		cerr := &ConnectionError{Platform: key.Platform, Key: key, Err: err}
		m.markConnectionStatus(key, StatusDisconnected, cerr)
		return nil, cerr
	}

	m.mu.Lock()
	m.connections[key] = conn
	m.setConnectionStatusLocked(key, conn.Status(), nil)
	m.mu.Unlock()
	return conn, nil
}

// Disconnect stops and removes the connection for key.
func (m *Manager) Disconnect(ctx context.Context, key Key) error {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	conn := m.connections[key]
	delete(m.connections, key)
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	m.logger.Info("connection remove", slog.String("platform", key.Platform.String()), slog.String("user_id", key.UserID))
	err := conn.Stop(ctx)
	if err != nil && !errors.Is(err, ErrStopNotSupported) {
		m.markConnectionStatus(key, StatusDisconnected, err)
		return err
	}
	m.markConnectionStatus(key, StatusDisconnected, nil)
	return nil
}

func (m *Manager) stopAll(ctx context.Context) {
	m.mu.Lock()
	keys := make([]Key, 0, len(m.connections))
	for key := range m.connections {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	for _, key := range keys {
		if err := m.Disconnect(ctx, key); err != nil {
			m.logger.Warn(
				"connection stop failed",
				slog.String("platform", key.Platform.String()),
				slog.String("user_id", key.UserID),
				slog.Any("error", err),
			)
		}
	}
}

// Get returns the live connection for key.
func (m *Manager) Get(key Key) (Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[key]
	return conn, ok
}

// Connections returns the live connections of platform.
func (m *Manager) Connections(platform message.Platform) []Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]Connection, 0)
	for key, conn := range m.connections {
		if key.Platform == platform {
			items = append(items, conn)
		}
	}
	return items
}

// Send posts content into roomID through the live connection for key.
// Failures are returned as *SendError and never retried.
func (m *Manager) Send(ctx context.Context, key Key, roomID, content string) (Receipt, error) {
	receipt, err := m.send(ctx, key, roomID, content)
	for _, o := range m.observers {
		o.OutboundResult(key.Platform, err)
	}
	if err != nil {
		m.logger.Error(
			"send outbound failed",
			slog.String("platform", key.Platform.String()),
			slog.String("room_id", roomID),
			slog.Any("error", err),
		)
		return Receipt{}, err
	}
	m.logger.Info("send outbound", slog.String("platform", key.Platform.String()), slog.String("room_id", roomID))
	return receipt, nil
}

func (m *Manager) send(ctx context.Context, key Key, roomID, content string) (Receipt, error) {
	if strings.TrimSpace(roomID) == "" {
		return Receipt{}, &SendError{Platform: key.Platform, RoomID: roomID, Err: errors.New("room id is required")}
	}
	if strings.TrimSpace(content) == "" {
		return Receipt{}, &SendError{Platform: key.Platform, RoomID: roomID, Err: errors.New("content is required")}
	}
	conn, ok := m.Get(key)
	if !ok || conn.Status() != StatusConnected {
		return Receipt{}, &SendError{Platform: key.Platform, RoomID: roomID, Err: ErrNotConnected}
	}
	sender, ok := conn.(Sender)
	if !ok {
		return Receipt{}, &SendError{Platform: key.Platform, RoomID: roomID, Err: ErrUnsupported}
	}
	receipt, err := sender.Send(ctx, roomID, content)
	if err != nil {
		var sendErr *SendError
		if errors.As(err, &sendErr) {
			return Receipt{}, err
		}
		return Receipt{}, &SendError{Platform: key.Platform, RoomID: roomID, Err: err}
	}
	if receipt.RoomID == "" {
		receipt.RoomID = roomID
	}
	return receipt, nil
}

// Contacts returns the display names known to the live connection for key.
func (m *Manager) Contacts(ctx context.Context, key Key) (map[string]string, error) {
	conn, ok := m.Get(key)
	if !ok {
		return nil, ErrNotConnected
	}
	lister, ok := conn.(ContactLister)
	if !ok {
		return nil, ErrUnsupported
	}
	return lister.ListContacts(ctx)
}

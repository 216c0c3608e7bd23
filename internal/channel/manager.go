package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/memohai/omnibox/internal/accounts"
	"github.com/memohai/omnibox/internal/message"
)

// CredentialStore persists re-issued session credentials.
type CredentialStore interface {
	Upsert(ctx context.Context, userID string, platform message.Platform, credentials map[string]any) (accounts.Account, error)
}

// Observer is told about status transitions and outbound results. from is
// empty the first time a key reports.
type Observer interface {
	ConnectionStatusChanged(platform message.Platform, from, to Status)
	OutboundResult(platform message.Platform, err error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithInbound sets the worker count and per-worker queue size of the
// inbound pool.
func WithInbound(workers, queue int) Option {
	return func(m *Manager) {
		if workers > 0 {
			m.inboundWorkers = workers
		}
		if queue > 0 {
			m.inboundQueue = queue
		}
	}
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// Manager owns every live connection, keyed by platform and user, and the
// worker pool that feeds inbound messages to the processor.
// Connection lifecycle lives in connection.go, inbound dispatch in inbound.go.
type Manager struct {
	registry    *Registry
	credentials CredentialStore
	logger      *slog.Logger
	observers   []Observer

	processorMu sync.RWMutex
	processor   InboundProcessor

	inboundQueue   int
	inboundWorkers int
	shards         []chan inboundTask
	inboundOnce    sync.Once
	inboundWG      sync.WaitGroup
	stopping       chan struct{}
	stopOnce       sync.Once

	mu             sync.Mutex
	keyLocks       map[Key]*sync.Mutex
	connections    map[Key]Connection
	connectionMeta map[Key]ConnectionStatus
}

// NewManager creates a Manager with the given logger, registry and credential store.
func NewManager(log *slog.Logger, registry *Registry, credentials CredentialStore, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	m := &Manager{
		registry:       registry,
		credentials:    credentials,
		logger:         log.With(slog.String("component", "channel")),
		inboundQueue:   256,
		inboundWorkers: 4,
		stopping:       make(chan struct{}),
		keyLocks:       map[Key]*sync.Mutex{},
		connections:    map[Key]Connection{},
		connectionMeta: map[Key]ConnectionStatus{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.shards = make([]chan inboundTask, m.inboundWorkers)
	for i := range m.shards {
		m.shards[i] = make(chan inboundTask, m.inboundQueue)
	}
	return m
}

// Registry returns the adapter registry used by this manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// SetProcessor installs the inbound processor. It must be called before Start.
func (m *Manager) SetProcessor(p InboundProcessor) {
	m.processorMu.Lock()
	m.processor = p
	m.processorMu.Unlock()
}

// RegisterAdapter adds an adapter to the registry and logs the registration.
func (m *Manager) RegisterAdapter(adapter Adapter) {
	if adapter == nil {
		return
	}
	if err := m.registry.Register(adapter); err != nil {
		m.logger.Warn("adapter registration failed", slog.String("platform", adapter.Platform().String()), slog.Any("error", err))
		return
	}
	m.logger.Info("adapter registered", slog.String("platform", adapter.Platform().String()))
}

// Start begins the inbound worker pool and stops every connection when ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("manager start", slog.Int("inbound_workers", m.inboundWorkers))
	m.startInboundWorkers(ctx)
	go func() {
		select {
		case <-ctx.Done():
			m.logger.Info("manager stop")
			m.stopAll(context.Background())
		case <-m.stopping:
		}
	}()
}

// Shutdown stops all active connections, then drains and stops the inbound pool.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopAll(ctx)
	m.stopOnce.Do(func() { close(m.stopping) })
	done := make(chan struct{})
	go func() {
		m.inboundWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain inbound queue: %w", ctx.Err())
	}
}

// Status returns the runtime status of key.
func (m *Manager) Status(key Key) ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.connectionMeta[key]
	if !ok {
		status = ConnectionStatus{Platform: key.Platform, UserID: key.UserID, Status: StatusDisconnected}
	}
	if conn, live := m.connections[key]; live {
		status.Status = conn.Status()
	}
	return status
}

// Statuses returns every observed connection status.
func (m *Manager) Statuses() []ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]ConnectionStatus, 0, len(m.connectionMeta))
	for _, status := range m.connectionMeta {
		items = append(items, status)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Platform == items[j].Platform {
			return items[i].UserID < items[j].UserID
		}
		return items[i].Platform < items[j].Platform
	})
	return items
}

// UpdateCredentials implements Sink. Process-wide connections have no
// account and are ignored.
func (m *Manager) UpdateCredentials(ctx context.Context, key Key, credentials map[string]any) error {
	if strings.TrimSpace(key.UserID) == "" || m.credentials == nil {
		return nil
	}
	if _, err := m.credentials.Upsert(ctx, key.UserID, key.Platform, credentials); err != nil {
		m.logger.Error("credential update failed", slog.String("key", key.String()), slog.Any("error", err))
		return err
	}
	m.logger.Info("credentials updated", slog.String("key", key.String()))
	return nil
}

// ReportStatus implements Sink.
func (m *Manager) ReportStatus(key Key, status Status, err error) {
	m.markConnectionStatus(key, status, err)
}

func (m *Manager) markConnectionStatus(key Key, status Status, checkErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setConnectionStatusLocked(key, status, checkErr)
}

func (m *Manager) setConnectionStatusLocked(key Key, status Status, checkErr error) {
	previous, hasPrevious := m.connectionMeta[key]
	next := ConnectionStatus{
		Platform:  key.Platform,
		UserID:    key.UserID,
		Status:    status,
		UpdatedAt: time.Now().UTC(),
	}
	if checkErr != nil {
		next.LastError = checkErr.Error()
	}
	m.connectionMeta[key] = next

	var from Status
	if hasPrevious {
		from = previous.Status
	}
	if from != status {
		for _, o := range m.observers {
			o.ConnectionStatusChanged(key.Platform, from, status)
		}
	}
	if checkErr != nil && (!hasPrevious || previous.LastError != next.LastError || previous.Status != next.Status) {
		m.logger.Warn(
			"connection health check failed",
			slog.String("platform", key.Platform.String()),
			slog.String("user_id", key.UserID),
			slog.Any("error", checkErr),
		)
	}
	if status == StatusConnected && hasPrevious && strings.TrimSpace(previous.LastError) != "" {
		m.logger.Info(
			"connection health recovered",
			slog.String("platform", key.Platform.String()),
			slog.String("user_id", key.UserID),
		)
	}
}

package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memohai/omnibox/internal/accounts"
	"github.com/memohai/omnibox/internal/message"
)

// Adapter is the base interface every platform adapter must implement.
type Adapter interface {
	Platform() message.Platform
	Descriptor() Descriptor
}

// Descriptor holds read-only metadata for a registered platform.
// It contains no behavior; all behavior is expressed through optional interfaces.
type Descriptor struct {
	Platform    message.Platform `json:"platform"`
	DisplayName string           `json:"displayName"`
	Scope       Scope            `json:"-"`
	// Pairing platforms start their connection during initiation and move
	// from pairing to connected on their own.
	Pairing bool `json:"pairing"`
}

// Receiver establishes live connections.
type Receiver interface {
	Connect(ctx context.Context, key Key, acct accounts.Account, sink Sink) (Connection, error)
}

// Initiator starts a connection flow that needs user action.
type Initiator interface {
	Initiate(ctx context.Context, userID string) (Initiation, error)
}

// Finalizer validates user input and returns the credentials to persist.
type Finalizer interface {
	Finalize(ctx context.Context, userID string, input map[string]string) (map[string]any, error)
}

// Connection is a live session owned by the manager.
type Connection interface {
	Key() Key
	Status() Status
	// Stop ends the session. It returns only after the connection's loops
	// have exited.
	Stop(ctx context.Context) error
}

// Sender is implemented by connections that can post messages.
type Sender interface {
	Send(ctx context.Context, roomID, content string) (Receipt, error)
}

// ContactLister is implemented by connections that know display names.
type ContactLister interface {
	ListContacts(ctx context.Context) (map[string]string, error)
}

// RoomLister is implemented by connections that can enumerate the rooms
// the account is a member of.
type RoomLister interface {
	ListRooms(ctx context.Context) ([]Room, error)
}

// HistoryReader is implemented by connections that can read recent room
// history directly from the platform. Messages are returned oldest first.
type HistoryReader interface {
	History(ctx context.Context, roomID string, limit int) ([]message.Message, error)
}

// CustomerReader is implemented by connections that can name the external
// participant of a room.
type CustomerReader interface {
	Customer(ctx context.Context, roomID string) (Customer, error)
}

// Cursor tracks how far each room of a pull-based connection has been read.
type Cursor interface {
	Since(ctx context.Context, platform message.Platform, roomID string) time.Time
	Advance(platform message.Platform, roomID string, ts time.Time)
}

// Puller is implemented by connections without an inbound stream. Pull
// hands every message newer than the cursor to sink, oldest first.
type Puller interface {
	Pull(ctx context.Context, cursor Cursor, sink Sink) error
}

// QRProvider is implemented by connections that pair with a QR code. image
// is the code rendered as a PNG data URL.
type QRProvider interface {
	QR() (code, image string, ok bool)
}

// CredentialSource is implemented by connections that can report their
// current session credentials.
type CredentialSource interface {
	Credentials() map[string]any
}

// BaseConnection is a reusable Connection with an atomic status and a
// stop func that runs at most once.
type BaseConnection struct {
	key    Key
	status atomic.Value
	once   sync.Once
	stop   func(ctx context.Context) error
	err    error
}

// NewConnection creates a BaseConnection in the given status.
func NewConnection(key Key, status Status, stop func(ctx context.Context) error) *BaseConnection {
	c := &BaseConnection{key: key, stop: stop}
	c.status.Store(status)
	return c
}

// Key returns the connection key.
func (c *BaseConnection) Key() Key { return c.key }

// Status returns the current status.
func (c *BaseConnection) Status() Status {
	if s, ok := c.status.Load().(Status); ok {
		return s
	}
	return StatusDisconnected
}

// SetStatus records a new status.
func (c *BaseConnection) SetStatus(s Status) { c.status.Store(s) }

// Stop runs the stop func once and marks the connection disconnected.
func (c *BaseConnection) Stop(ctx context.Context) error {
	if c.stop == nil {
		return ErrStopNotSupported
	}
	c.once.Do(func() {
		c.err = c.stop(ctx)
		c.status.Store(StatusDisconnected)
	})
	return c.err
}

package channel

import (
	"errors"
	"fmt"

	"github.com/memohai/omnibox/internal/message"
)

var (
	// ErrNotConnected is returned when no live connection exists for a key.
	ErrNotConnected = errors.New("platform not connected")
	// ErrUnsupported is returned when a platform lacks the requested capability.
	ErrUnsupported = errors.New("operation not supported by platform")
	// ErrStopNotSupported is returned when a connection does not support graceful shutdown.
	ErrStopNotSupported = errors.New("channel connection stop not supported")
	// ErrEnableChannelFailed indicates that connecting after finalization failed.
	ErrEnableChannelFailed = errors.New("enable channel failed")
	// ErrNoCustomer is returned when a room has no external participant.
	ErrNoCustomer = errors.New("no customer found in room")
)

// ConnectionError reports that an adapter could not establish or keep a session.
type ConnectionError struct {
	Platform message.Platform
	Key      Key
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connection %s: %v", e.Platform, e.Key, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendError reports an outbound failure. Sends are never retried automatically.
type SendError struct {
	Platform message.Platform
	RoomID   string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s room %s: %v", e.Platform, e.RoomID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

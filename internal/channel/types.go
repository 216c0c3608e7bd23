package channel

import (
	"context"
	"time"

	"github.com/memohai/omnibox/internal/message"
)

// Key identifies one live connection. UserID is empty for process-wide
// platforms such as Matrix.
type Key struct {
	Platform message.Platform `json:"platform"`
	UserID   string           `json:"userId,omitempty"`
}

func (k Key) String() string {
	if k.UserID == "" {
		return k.Platform.String()
	}
	return k.Platform.String() + "/" + k.UserID
}

// Status is the observable state of a connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusPairing      Status = "pairing"
	StatusConnected    Status = "connected"
)

// Scope tells the manager how connections of a platform are keyed.
type Scope int

const (
	// ScopeUser keeps one connection per user.
	ScopeUser Scope = iota
	// ScopeProcess keeps a single shared connection.
	ScopeProcess
)

// Receipt describes a message accepted by a platform.
type Receipt struct {
	MessageID string    `json:"messageId,omitempty"`
	RoomID    string    `json:"roomId"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// Initiation is the first step of a connection flow. Which fields are set
// depends on the platform.
type Initiation struct {
	Status Status `json:"status"`
	// QRCode is the raw pairing payload, QRImage the same payload as a PNG data URL.
	QRCode       string `json:"qrCode,omitempty"`
	QRImage      string `json:"qrImage,omitempty"`
	AuthURL      string `json:"authUrl,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// ConnectionStatus is the runtime status of one key.
type ConnectionStatus struct {
	Platform  message.Platform `json:"platform"`
	UserID    string           `json:"userId,omitempty"`
	Status    Status           `json:"status"`
	LastError string           `json:"lastError,omitempty"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Sink receives everything a live connection produces.
type Sink interface {
	// HandleInbound queues a normalized message for ingestion. It blocks
	// while the room's worker queue is full.
	HandleInbound(ctx context.Context, key Key, msg message.Message) error
	// UpdateCredentials persists session state re-issued by the platform.
	UpdateCredentials(ctx context.Context, key Key, credentials map[string]any) error
	// ReportStatus records a state change observed by the connection itself.
	ReportStatus(key Key, status Status, err error)
}

// InboundProcessor consumes queued inbound messages, one room at a time.
type InboundProcessor interface {
	Ingest(ctx context.Context, key Key, msg message.Message) error
}

// InboundProcessorFunc adapts a plain function to InboundProcessor.
type InboundProcessorFunc func(ctx context.Context, key Key, msg message.Message) error

func (f InboundProcessorFunc) Ingest(ctx context.Context, key Key, msg message.Message) error {
	return f(ctx, key, msg)
}

// Room is a conversation visible to a connection. The activity fields are
// filled by platforms that report them.
type Room struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Kind        string     `json:"kind"`
	TeamID      string     `json:"teamId,omitempty"`
	IsMember    bool       `json:"isMember"`
	MemberCount int        `json:"memberCount,omitempty"`
	LastMessage string     `json:"lastMessage,omitempty"`
	LastActive  *time.Time `json:"lastActive,omitempty"`
}

// Customer is the external participant of a support room.
type Customer struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	AvatarURL   string     `json:"avatarUrl,omitempty"`
	JoinedAt    *time.Time `json:"joinedAt,omitempty"`
}

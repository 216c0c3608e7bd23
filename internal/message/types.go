package message

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies the external chat network a message came from.
type Platform string

const (
	PlatformMatrix   Platform = "matrix"
	PlatformSlack    Platform = "slack"
	PlatformWhatsApp Platform = "whatsapp"
	PlatformTelegram Platform = "telegram"
)

// Platforms lists every supported platform in a stable order.
var Platforms = []Platform{PlatformWhatsApp, PlatformTelegram, PlatformSlack, PlatformMatrix}

func (p Platform) String() string { return string(p) }

// Valid reports whether p is one of the supported platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformMatrix, PlatformSlack, PlatformWhatsApp, PlatformTelegram:
		return true
	}
	return false
}

// ParsePlatform normalizes a raw platform name.
func ParsePlatform(raw string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("unsupported platform: %s", raw)
	}
	return p, nil
}

// Priority is the urgency label assigned to a message.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Message is the canonical, platform-agnostic message record.
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"senderName"`
	Timestamp  time.Time `json:"timestamp"`
	Priority   Priority  `json:"priority"`
	Platform   Platform  `json:"platform"`
	RoomID     string    `json:"roomId"`
}

// Validate checks the fields every stored message needs.
func (m Message) Validate() error {
	if !m.Platform.Valid() {
		return &ValidationError{Field: "platform", Reason: fmt.Sprintf("unsupported value %q", m.Platform)}
	}
	if strings.TrimSpace(m.RoomID) == "" {
		return &ValidationError{Field: "roomId", Reason: "required"}
	}
	if strings.TrimSpace(m.Content) == "" {
		return &ValidationError{Field: "content", Reason: "required"}
	}
	if m.Priority != "" && !m.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unsupported value %q", m.Priority)}
	}
	return nil
}

// ValidationError describes a malformed native event or message.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message %s: %s", e.Field, e.Reason)
}

// Order selects the sort direction of a query.
type Order int

const (
	NewestFirst Order = iota
	OldestFirst
)

// Query bounds a room or platform scan.
type Query struct {
	Limit  int
	Before time.Time
	After  time.Time
	Order  Order
}

// DefaultLimit is used when a query does not set one.
const DefaultLimit = 50

// MaxLimit caps any single scan.
const MaxLimit = 500

func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return DefaultLimit
	case q.Limit > MaxLimit:
		return MaxLimit
	}
	return q.Limit
}

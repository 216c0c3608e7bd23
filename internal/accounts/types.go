// Package accounts persists the per-user platform connections.
package accounts

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/memohai/omnibox/internal/message"
)

// ErrNotFound indicates no account exists for the requested key.
var ErrNotFound = errors.New("account not found")

// Account is one connected platform for one user. Credentials are opaque to
// everything but the platform adapter that wrote them.
type Account struct {
	ID          string           `json:"id"`
	UserID      string           `json:"userId"`
	Platform    message.Platform `json:"platform"`
	Credentials map[string]any   `json:"-"`
	ConnectedAt time.Time        `json:"connectedAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// Credential returns the trimmed string value for key.
func (a Account) Credential(key string) string {
	if a.Credentials == nil {
		return ""
	}
	raw, ok := a.Credentials[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func validateKey(userID string, platform message.Platform) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	if !platform.Valid() {
		return fmt.Errorf("unsupported platform: %s", platform)
	}
	return nil
}

func cloneCredentials(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

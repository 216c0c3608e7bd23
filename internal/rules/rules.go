// Package rules calls the external rule engine that may rewrite inbound
// messages before they are stored.
package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/memohai/omnibox/internal/message"
)

// Reply is a side-effect send requested by a rule.
type Reply struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

// Result is the engine output for one message.
type Result struct {
	Message message.Message `json:"message"`
	Replies []Reply         `json:"replies,omitempty"`
}

// Engine applies rules to an attributed message.
type Engine interface {
	Apply(ctx context.Context, msg message.Message, userID string) (Result, error)
}

// RuleEngineError wraps any engine failure. The caller keeps the original message.
type RuleEngineError struct {
	Err error
}

func (e *RuleEngineError) Error() string { return "rule engine: " + e.Err.Error() }
func (e *RuleEngineError) Unwrap() error { return e.Err }

// Nop returns every message unchanged.
type Nop struct{}

func (Nop) Apply(_ context.Context, msg message.Message, _ string) (Result, error) {
	return Result{Message: msg}, nil
}

// Remote posts each message to an HTTP rule service.
type Remote struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRemote creates an engine bound to endpoint.
func NewRemote(log *slog.Logger, endpoint string, timeout time.Duration) *Remote {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Remote{
		endpoint:   strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(slog.String("component", "rules")),
	}
}

type applyRequest struct {
	Message message.Message `json:"message"`
	UserID  string          `json:"userId"`
}

// Apply sends msg to the engine. Fields the engine may not change (id,
// platform, roomId) are restored from the input.
func (r *Remote) Apply(ctx context.Context, msg message.Message, userID string) (Result, error) {
	body, err := json.Marshal(applyRequest{Message: msg, UserID: userID})
	if err != nil {
		return Result{}, &RuleEngineError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/apply", bytes.NewReader(body))
	if err != nil {
		return Result{}, &RuleEngineError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Result{}, &RuleEngineError{Err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, &RuleEngineError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &RuleEngineError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))}
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Result{}, &RuleEngineError{Err: fmt.Errorf("decode response: %w", err)}
	}
	out := result.Message
	out.ID = msg.ID
	out.Platform = msg.Platform
	out.RoomID = msg.RoomID
	if out.Timestamp.IsZero() {
		out.Timestamp = msg.Timestamp
	}
	if strings.TrimSpace(out.Content) == "" {
		out.Content = msg.Content
	}
	if strings.TrimSpace(out.Sender) == "" {
		out.Sender = msg.Sender
	}
	if strings.TrimSpace(out.SenderName) == "" {
		out.SenderName = msg.SenderName
	}
	if out.Priority != "" && !out.Priority.Valid() {
		r.logger.Warn("engine returned unknown priority, keeping original", slog.String("priority", string(out.Priority)))
		out.Priority = msg.Priority
	}
	if out.Priority == "" {
		out.Priority = msg.Priority
	}
	result.Message = out
	return result, nil
}

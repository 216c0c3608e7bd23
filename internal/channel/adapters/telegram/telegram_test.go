package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/omnibox/internal/accounts"
	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/message"
)

// fakeBotAPI serves the handful of Bot API methods the adapter calls.
type fakeBotAPI struct {
	mu      sync.Mutex
	pending []map[string]any
	sent    []map[string]string
	polls   atomic.Int32
}

func (f *fakeBotAPI) queue(update map[string]any) {
	f.mu.Lock()
	f.pending = append(f.pending, update)
	f.mu.Unlock()
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/bot"), "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	token, method := parts[0], parts[1]
	_ = r.ParseForm()
	if token == "bad" {
		writeJSON(w, map[string]any{"ok": false, "error_code": 401, "description": "Unauthorized"})
		return
	}
	switch method {
	case "getMe":
		writeJSON(w, map[string]any{"ok": true, "result": map[string]any{"id": 99, "is_bot": true, "first_name": "Omni", "username": "omni_bot"}})
	case "deleteWebhook":
		writeJSON(w, map[string]any{"ok": true, "result": true})
	case "getUpdates":
		f.polls.Add(1)
		f.mu.Lock()
		items := f.pending
		f.pending = nil
		f.mu.Unlock()
		if len(items) == 0 {
			time.Sleep(10 * time.Millisecond)
			items = []map[string]any{}
		}
		writeJSON(w, map[string]any{"ok": true, "result": items})
	case "sendMessage":
		f.mu.Lock()
		f.sent = append(f.sent, map[string]string{"chat_id": r.FormValue("chat_id"), "text": r.FormValue("text")})
		f.mu.Unlock()
		chatID, _ := strconv.ParseInt(r.FormValue("chat_id"), 10, 64)
		writeJSON(w, map[string]any{"ok": true, "result": map[string]any{
			"message_id": 7,
			"date":       1700000000,
			"chat":       map[string]any{"id": chatID, "type": "private"},
		}})
	default:
		writeJSON(w, map[string]any{"ok": false, "error_code": 404, "description": "Not Found: " + method})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type recordingSink struct {
	mu       sync.Mutex
	messages []message.Message
	statuses []channel.Status
}

func (s *recordingSink) HandleInbound(_ context.Context, _ channel.Key, msg message.Message) error {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) UpdateCredentials(context.Context, channel.Key, map[string]any) error {
	return nil
}

func (s *recordingSink) ReportStatus(_ channel.Key, status channel.Status, _ error) {
	s.mu.Lock()
	s.statuses = append(s.statuses, status)
	s.mu.Unlock()
}

func (s *recordingSink) received() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message.Message(nil), s.messages...)
}

func newTestAdapter(t *testing.T) (*TelegramAdapter, *fakeBotAPI) {
	t.Helper()
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	adapter := NewTelegramAdapter(slog.New(slog.NewTextHandler(io.Discard, nil)), time.Second)
	adapter.endpoint = srv.URL + "/bot%s/%s"
	return adapter, api
}

func telegramAccount(token string) accounts.Account {
	return accounts.Account{UserID: "u1", Platform: message.PlatformTelegram, Credentials: map[string]any{CredBotToken: token}}
}

func TestResolveTelegramSender(t *testing.T) {
	t.Parallel()

	id, name := resolveTelegramSender(nil)
	if id != "" || name != "" {
		t.Fatalf("expected empty sender")
	}
	id, name = resolveTelegramSender(&tgbotapi.Message{From: &tgbotapi.User{ID: 123, FirstName: "Ada", LastName: "Lovelace"}})
	if id != "123" || name != "Ada Lovelace" {
		t.Fatalf("unexpected sender: %s %s", id, name)
	}
	id, name = resolveTelegramSender(&tgbotapi.Message{From: &tgbotapi.User{ID: 5, FirstName: "  "}})
	if id != "5" || name != "5" {
		t.Fatalf("expected id fallback, got %s %s", id, name)
	}
	id, name = resolveTelegramSender(&tgbotapi.Message{From: &tgbotapi.User{ID: 6, FirstName: "Solo"}})
	if name != "Solo" {
		t.Fatalf("expected trimmed first name, got %q", name)
	}
}

func TestNormalizeMessage(t *testing.T) {
	t.Parallel()

	msg, ok := normalizeMessage(&tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: 42, FirstName: "Bo"},
		Chat:      &tgbotapi.Chat{ID: -100},
		Date:      1700000000,
		Text:      "  code:\n    indented\n",
	})
	if !ok {
		t.Fatalf("expected message")
	}
	if msg.Content != "  code:\n    indented\n" || msg.Platform != message.PlatformTelegram || msg.RoomID != "-100" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Sender != "42" || msg.SenderName != "Bo" || !msg.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected sender/time: %+v", msg)
	}

	caption, ok := normalizeMessage(&tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}, Caption: "photo caption"})
	if !ok || caption.Content != "photo caption" {
		t.Fatalf("expected caption fallback, got %+v", caption)
	}
	caption, ok = normalizeMessage(&tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}, Text: " \n", Caption: "caption"})
	if !ok || caption.Content != "caption" {
		t.Fatalf("expected blank text to fall back to caption, got %+v", caption)
	}
	if _, ok := normalizeMessage(&tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}, Text: "   "}); ok {
		t.Fatalf("expected blank message to be skipped")
	}
	if _, ok := normalizeMessage(&tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}}); ok {
		t.Fatalf("expected empty message to be skipped")
	}
	if _, ok := normalizeMessage(nil); ok {
		t.Fatalf("expected nil message to be skipped")
	}
}

func TestTruncateTelegramText(t *testing.T) {
	t.Parallel()

	short := "hello"
	if got := truncateTelegramText(short); got != short {
		t.Fatalf("short text changed: %q", got)
	}
	long := strings.Repeat("é", telegramMaxMessageLength)
	got := truncateTelegramText(long)
	if len(got) > telegramMaxMessageLength || !strings.HasSuffix(got, "...") || !utf8.ValidString(got) {
		t.Fatalf("bad truncation: len=%d", len(got))
	}
	if got := sanitizeTelegramText("ok\xff"); got != "ok" {
		t.Fatalf("sanitize = %q", got)
	}
}

func TestFinalizeValidatesToken(t *testing.T) {
	t.Parallel()

	adapter, _ := newTestAdapter(t)
	if _, err := adapter.Finalize(context.Background(), "u1", map[string]string{}); err == nil {
		t.Fatalf("expected missing token to fail")
	}
	if _, err := adapter.Finalize(context.Background(), "u1", map[string]string{CredBotToken: "bad"}); err == nil {
		t.Fatalf("expected invalid token to fail")
	}
	creds, err := adapter.Finalize(context.Background(), "u1", map[string]string{CredBotToken: "good"})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if creds[CredBotID] != "99" || creds[CredBotUsername] != "omni_bot" || creds[CredBotToken] != "good" {
		t.Fatalf("unexpected credentials: %v", creds)
	}
}

func TestConnectDeliversInbound(t *testing.T) {
	t.Parallel()

	adapter, api := newTestAdapter(t)
	api.queue(map[string]any{
		"update_id": 1,
		"message": map[string]any{
			"message_id": 10,
			"date":       1700000000,
			"text":       "hi there",
			"chat":       map[string]any{"id": 555, "type": "private"},
			"from":       map[string]any{"id": 777, "is_bot": false, "first_name": "Kim", "last_name": "Lee"},
		},
	})
	sink := &recordingSink{}
	key := channel.Key{Platform: message.PlatformTelegram, UserID: "u1"}
	conn, err := adapter.Connect(context.Background(), key, telegramAccount("good"), sink)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = conn.Stop(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.received()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := sink.received()
	if len(got) != 1 {
		t.Fatalf("received %d messages, want 1", len(got))
	}
	if got[0].Content != "hi there" || got[0].RoomID != "555" || got[0].SenderName != "Kim Lee" {
		t.Fatalf("unexpected message: %+v", got[0])
	}
	contacts, _ := conn.(channel.ContactLister).ListContacts(context.Background())
	if contacts["777"] != "Kim Lee" {
		t.Fatalf("contact not learned: %v", contacts)
	}
}

func TestConnectRejectsMissingOrBadToken(t *testing.T) {
	t.Parallel()

	adapter, _ := newTestAdapter(t)
	key := channel.Key{Platform: message.PlatformTelegram, UserID: "u1"}
	if _, err := adapter.Connect(context.Background(), key, accounts.Account{}, &recordingSink{}); err == nil {
		t.Fatalf("expected missing token to fail")
	}
	if _, err := adapter.Connect(context.Background(), key, telegramAccount("bad"), &recordingSink{}); err == nil {
		t.Fatalf("expected bad token to fail")
	}
}

func TestStopEndsPolling(t *testing.T) {
	t.Parallel()

	adapter, api := newTestAdapter(t)
	key := channel.Key{Platform: message.PlatformTelegram, UserID: "u1"}
	conn, err := adapter.Connect(context.Background(), key, telegramAccount("good"), &recordingSink{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := conn.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if conn.Status() != channel.StatusDisconnected {
		t.Fatalf("status after stop = %s", conn.Status())
	}
	after := api.polls.Load()
	time.Sleep(100 * time.Millisecond)
	if api.polls.Load() != after {
		t.Fatalf("getUpdates continued after Stop returned")
	}
	// Stop is idempotent.
	if err := conn.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestSend(t *testing.T) {
	t.Parallel()

	adapter, api := newTestAdapter(t)
	key := channel.Key{Platform: message.PlatformTelegram, UserID: "u1"}
	conn, err := adapter.Connect(context.Background(), key, telegramAccount("good"), &recordingSink{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = conn.Stop(context.Background()) }()

	sender := conn.(channel.Sender)
	receipt, err := sender.Send(context.Background(), "555", "pong")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if receipt.MessageID != "7" || receipt.Sender != "99" || receipt.RoomID != "555" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	api.mu.Lock()
	sent := fmt.Sprint(api.sent)
	api.mu.Unlock()
	if !strings.Contains(sent, "chat_id:555") || !strings.Contains(sent, "text:pong") {
		t.Fatalf("unexpected sent payloads: %s", sent)
	}
	if _, err := sender.Send(context.Background(), "not-a-chat", "x"); err == nil {
		t.Fatalf("expected invalid target to fail")
	}
}

func TestDescriptor(t *testing.T) {
	t.Parallel()

	adapter := NewTelegramAdapter(nil, 0)
	desc := adapter.Descriptor()
	if desc.Platform != message.PlatformTelegram || desc.Scope != channel.ScopeUser {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
	if adapter.grace != defaultGracePeriod {
		t.Fatalf("grace = %v", adapter.grace)
	}
	init, err := adapter.Initiate(context.Background(), "u1")
	if err != nil || init.Instructions == "" {
		t.Fatalf("unexpected initiation: %+v %v", init, err)
	}
}

package whatsapp

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/memohai/omnibox/internal/accounts"
	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/message"
)

type recordingSink struct {
	mu       sync.Mutex
	messages []message.Message
	statuses []channel.Status
	creds    []map[string]any
}

func (s *recordingSink) HandleInbound(_ context.Context, _ channel.Key, msg message.Message) error {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) UpdateCredentials(_ context.Context, _ channel.Key, creds map[string]any) error {
	s.mu.Lock()
	s.creds = append(s.creds, creds)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) ReportStatus(_ channel.Key, status channel.Status, _ error) {
	s.mu.Lock()
	s.statuses = append(s.statuses, status)
	s.mu.Unlock()
}

func textEvent(chat, sender types.JID, pushName string, msg *waE2E.Message) *events.Message {
	evt := &events.Message{Message: msg}
	evt.Info.Chat = chat
	evt.Info.Sender = sender
	evt.Info.PushName = pushName
	evt.Info.Timestamp = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return evt
}

func TestNormalizeMessage(t *testing.T) {
	t.Parallel()

	group := types.NewJID("120363000000", types.GroupServer)
	sender := types.NewJID("15550001111", types.DefaultUserServer)

	msg, ok := normalizeMessage(textEvent(group, sender, "Ana", &waE2E.Message{Conversation: proto.String(" hello ")}))
	if !ok {
		t.Fatalf("expected conversation text to normalize")
	}
	if msg.Content != " hello " || msg.Platform != message.PlatformWhatsApp {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.RoomID != group.String() || msg.Sender != sender.String() || msg.SenderName != "Ana" {
		t.Fatalf("unexpected routing: %+v", msg)
	}

	ext := &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("link https://x")}}
	msg, ok = normalizeMessage(textEvent(sender, sender, "", ext))
	if !ok || msg.Content != "link https://x" || msg.SenderName != sender.String() {
		t.Fatalf("unexpected extended text message: %+v", msg)
	}

	blank := &waE2E.Message{Conversation: proto.String("  \n")}
	if _, ok := normalizeMessage(textEvent(sender, sender, "", blank)); ok {
		t.Fatalf("expected blank text to be dropped")
	}

	image := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}
	if _, ok := normalizeMessage(textEvent(sender, sender, "", image)); ok {
		t.Fatalf("expected media without text to be dropped")
	}
	if _, ok := normalizeMessage(&events.Message{}); ok {
		t.Fatalf("expected empty event to be dropped")
	}
}

func TestHandleEventDeliversAndTracksStatus(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	conn := &Connection{
		BaseConnection: channel.NewConnection(channel.Key{Platform: message.PlatformWhatsApp, UserID: "u1"}, channel.StatusConnected, nil),
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		sink:           sink,
		qrDone:         make(chan struct{}),
	}
	chat := types.NewJID("15550002222", types.DefaultUserServer)
	conn.handleEvent(textEvent(chat, chat, "Bo", &waE2E.Message{Conversation: proto.String("ping")}))
	conn.handleEvent(&events.Disconnected{})
	if conn.Status() != channel.StatusDisconnected {
		t.Fatalf("status after disconnect = %s", conn.Status())
	}
	conn.handleEvent(&events.LoggedOut{})

	if len(sink.messages) != 1 || sink.messages[0].Content != "ping" {
		t.Fatalf("unexpected messages: %+v", sink.messages)
	}
	if len(sink.statuses) != 2 || sink.statuses[1] != channel.StatusDisconnected {
		t.Fatalf("unexpected statuses: %v", sink.statuses)
	}
}

func TestQROnlyWhilePairing(t *testing.T) {
	t.Parallel()

	conn := &Connection{
		BaseConnection: channel.NewConnection(channel.Key{Platform: message.PlatformWhatsApp, UserID: "u1"}, channel.StatusPairing, nil),
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if _, _, ok := conn.QR(); ok {
		t.Fatalf("expected no qr before the first code")
	}
	conn.setQR("2@abc,def")
	code, image, ok := conn.QR()
	if !ok || code != "2@abc,def" || !strings.HasPrefix(image, "data:image/png;base64,") {
		t.Fatalf("unexpected qr: %q %q %v", code, image, ok)
	}
	conn.SetStatus(channel.StatusConnected)
	if _, _, ok := conn.QR(); ok {
		t.Fatalf("expected qr hidden once connected")
	}
}

func TestParseTarget(t *testing.T) {
	t.Parallel()

	jid, err := parseTarget("+15550003333")
	if err != nil || jid.String() != "15550003333@s.whatsapp.net" {
		t.Fatalf("unexpected phone target: %v %v", jid, err)
	}
	jid, err = parseTarget("120363000000@g.us")
	if err != nil || jid.Server != types.GroupServer {
		t.Fatalf("unexpected group target: %v %v", jid, err)
	}
	if _, err := parseTarget("not a number"); err == nil {
		t.Fatalf("expected invalid target to fail")
	}
	if _, err := parseTarget(" "); err == nil {
		t.Fatalf("expected empty target to fail")
	}
}

func TestContactName(t *testing.T) {
	t.Parallel()

	jid := types.NewJID("1555", types.DefaultUserServer)
	if got := contactName(jid, types.ContactInfo{FullName: "Full", PushName: "Push"}); got != "Full" {
		t.Fatalf("got %q", got)
	}
	if got := contactName(jid, types.ContactInfo{PushName: "Push"}); got != "Push" {
		t.Fatalf("got %q", got)
	}
	if got := contactName(jid, types.ContactInfo{}); got != jid.String() {
		t.Fatalf("got %q", got)
	}
}

func TestWALoggerBridgesToSlog(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newWALogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), "client")
	log.Sub("socket").Warnf("frame %d dropped", 3)
	out := buf.String()
	if !strings.Contains(out, "frame 3 dropped") || !strings.Contains(out, "module=client") || !strings.Contains(out, "sub=socket") {
		t.Fatalf("unexpected log output: %s", out)
	}
}

func TestDescriptorRequiresPairing(t *testing.T) {
	t.Parallel()

	adapter := NewWhatsAppAdapter(nil, nil)
	if !adapter.Descriptor().Pairing {
		t.Fatalf("whatsapp must pair")
	}
	if _, err := adapter.Connect(context.Background(), channel.Key{Platform: message.PlatformWhatsApp, UserID: "u1"}, accounts.Account{}, &recordingSink{}); err == nil {
		t.Fatalf("expected missing store to fail")
	}
}

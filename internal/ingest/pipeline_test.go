package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/memohai/omnibox/internal/accounts"
	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/message"
	"github.com/memohai/omnibox/internal/message/event"
	"github.com/memohai/omnibox/internal/ownership"
	"github.com/memohai/omnibox/internal/rules"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *fakeSender) Send(_ context.Context, key channel.Key, roomID, content string) (channel.Receipt, error) {
	if s.err != nil {
		return channel.Receipt{}, s.err
	}
	s.mu.Lock()
	s.sent = append(s.sent, roomID+":"+content)
	s.mu.Unlock()
	return channel.Receipt{MessageID: "r1", RoomID: roomID, Sender: "bot", Timestamp: time.Now().UTC()}, nil
}

type engineFunc func(ctx context.Context, msg message.Message, userID string) (rules.Result, error)

func (f engineFunc) Apply(ctx context.Context, msg message.Message, userID string) (rules.Result, error) {
	return f(ctx, msg, userID)
}

type countingObserver struct {
	mu           sync.Mutex
	ingested     int
	unattributed int
	ruleFailures int
}

func (o *countingObserver) MessageIngested(message.Platform, message.Priority) {
	o.mu.Lock()
	o.ingested++
	o.mu.Unlock()
}

func (o *countingObserver) MessageUnattributed(message.Platform) {
	o.mu.Lock()
	o.unattributed++
	o.mu.Unlock()
}

func (o *countingObserver) RuleFailed() {
	o.mu.Lock()
	o.ruleFailures++
	o.mu.Unlock()
}

type fixture struct {
	pipeline *Pipeline
	store    *message.MemoryStore
	mappings *ownership.MemoryMappingStore
	accounts *accounts.MemoryStore
	hub      *event.Hub
	sender   *fakeSender
	observer *countingObserver
}

func newFixture(t *testing.T, engine rules.Engine) *fixture {
	t.Helper()
	f := &fixture{
		store:    message.NewMemoryStore(),
		mappings: ownership.NewMemoryMappingStore(),
		accounts: accounts.NewMemoryStore(),
		hub:      event.NewHub(discardLogger()),
		sender:   &fakeSender{},
		observer: &countingObserver{},
	}
	t.Cleanup(f.hub.Close)
	resolver := ownership.NewResolver(discardLogger(), f.mappings, f.accounts)
	f.pipeline = NewPipeline(discardLogger(), resolver, engine, f.store, f.hub, f.sender, WithObserver(f.observer))
	return f
}

func (f *fixture) linkAccount(t *testing.T, userID string, platform message.Platform) {
	t.Helper()
	if _, err := f.accounts.Upsert(context.Background(), userID, platform, map[string]any{"token": "x"}); err != nil {
		t.Fatalf("upsert account: %v", err)
	}
}

func inbound(platform message.Platform, roomID, content string) message.Message {
	return message.Message{
		Content:    content,
		Sender:     "s1",
		SenderName: "Sam",
		Timestamp:  time.Now().UTC(),
		Platform:   platform,
		RoomID:     roomID,
	}
}

func TestIngestPublishesAfterPersist(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.linkAccount(t, "u1", message.PlatformTelegram)
	_, events, cancel := f.hub.Subscribe(4)
	defer cancel()

	key := channel.Key{Platform: message.PlatformTelegram, UserID: "u1"}
	if err := f.pipeline.Ingest(context.Background(), key, inbound(message.PlatformTelegram, "555", "urgent: call me")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	select {
	case evt := <-events:
		if evt.Type != event.EventTypeNewMessage || evt.OwnerID != "u1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
		if evt.Message.ID == "" {
			t.Fatalf("published message has no id")
		}
		if evt.Message.Priority != message.PriorityHigh {
			t.Fatalf("priority = %s", evt.Message.Priority)
		}
		stored, err := f.store.QueryByRoom(context.Background(), message.PlatformTelegram, "555", message.Query{})
		if err != nil || len(stored) != 1 || stored[0].ID != evt.Message.ID {
			t.Fatalf("event published before message was stored: %v %v", stored, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event published")
	}
	if f.observer.ingested != 1 || f.observer.unattributed != 0 {
		t.Fatalf("unexpected counters: %+v", f.observer)
	}
}

func TestIngestUnattributedIsStoredNotPublished(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	_, events, cancel := f.hub.Subscribe(4)
	defer cancel()

	key := channel.Key{Platform: message.PlatformWhatsApp, UserID: "u1"}
	if err := f.pipeline.Ingest(context.Background(), key, inbound(message.PlatformWhatsApp, "chat@s.whatsapp.net", "hello")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	select {
	case evt := <-events:
		t.Fatalf("unattributed message published: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
	stored, _ := f.store.QueryByRoom(context.Background(), message.PlatformWhatsApp, "chat@s.whatsapp.net", message.Query{})
	if len(stored) != 1 {
		t.Fatalf("stored %d messages, want 1", len(stored))
	}
	if f.observer.unattributed != 1 {
		t.Fatalf("unattributed = %d", f.observer.unattributed)
	}
}

func TestIngestRuleFailureKeepsOriginal(t *testing.T) {
	t.Parallel()

	engine := engineFunc(func(context.Context, message.Message, string) (rules.Result, error) {
		return rules.Result{}, errors.New("rule service down")
	})
	f := newFixture(t, engine)
	f.linkAccount(t, "u1", message.PlatformSlack)

	key := channel.Key{Platform: message.PlatformSlack, UserID: "u1"}
	if err := f.pipeline.Ingest(context.Background(), key, inbound(message.PlatformSlack, "C1", "original text")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	stored, _ := f.store.QueryByRoom(context.Background(), message.PlatformSlack, "C1", message.Query{})
	if len(stored) != 1 || stored[0].Content != "original text" {
		t.Fatalf("unexpected stored messages: %+v", stored)
	}
	if f.observer.ruleFailures != 1 {
		t.Fatalf("rule failures = %d", f.observer.ruleFailures)
	}
}

func TestIngestAppliesRulesAndSendsReplies(t *testing.T) {
	t.Parallel()

	engine := engineFunc(func(_ context.Context, msg message.Message, userID string) (rules.Result, error) {
		if userID != "u1" {
			return rules.Result{}, errors.New("wrong user")
		}
		msg.Content = "[tagged] " + msg.Content
		return rules.Result{
			Message: msg,
			Replies: []rules.Reply{{Content: "auto reply"}, {RoomID: "other", Content: "fyi"}, {Content: " "}},
		}, nil
	})
	f := newFixture(t, engine)
	f.linkAccount(t, "u1", message.PlatformTelegram)

	key := channel.Key{Platform: message.PlatformTelegram, UserID: "u1"}
	if err := f.pipeline.Ingest(context.Background(), key, inbound(message.PlatformTelegram, "555", "hi")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	stored, _ := f.store.QueryByRoom(context.Background(), message.PlatformTelegram, "555", message.Query{Order: message.OldestFirst})
	if len(stored) != 2 || stored[0].Content != "[tagged] hi" || stored[1].Content != "auto reply" {
		t.Fatalf("unexpected room history: %+v", stored)
	}
	if stored[1].Sender != "bot" {
		t.Fatalf("reply sender = %q", stored[1].Sender)
	}
	if len(f.sender.sent) != 2 || f.sender.sent[0] != "555:auto reply" || f.sender.sent[1] != "other:fyi" {
		t.Fatalf("unexpected replies: %v", f.sender.sent)
	}
	if owns, _ := ownership.NewResolver(nil, f.mappings, f.accounts).Owns(context.Background(), "u1", message.PlatformTelegram, "other"); !owns {
		t.Fatalf("reply room was not claimed")
	}
}

func TestIngestReusesRoomMapping(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.linkAccount(t, "u1", message.PlatformTelegram)
	key := channel.Key{Platform: message.PlatformTelegram, UserID: "u1"}
	for i := 0; i < 3; i++ {
		if err := f.pipeline.Ingest(context.Background(), key, inbound(message.PlatformTelegram, "555", "msg")); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}
	if f.mappings.Count() != 1 {
		t.Fatalf("mappings = %d, want 1", f.mappings.Count())
	}
	f.linkAccount(t, "u2", message.PlatformTelegram)
	if err := f.pipeline.Ingest(context.Background(), key, inbound(message.PlatformTelegram, "555", "again")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	m, err := f.mappings.Get(context.Background(), message.PlatformTelegram, "555")
	if err != nil || m.UserID != "u1" {
		t.Fatalf("mapping changed owner: %+v %v", m, err)
	}
}

func TestRecordOutboundClaimsAndPublishes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	_, events, cancel := f.hub.Subscribe(4)
	defer cancel()

	receipt := channel.Receipt{MessageID: "m1", RoomID: "D1", Sender: "UBOT", Timestamp: time.Now().UTC()}
	stored, err := f.pipeline.RecordOutbound(context.Background(), "u9", message.PlatformSlack, receipt, "sent from inbox")
	if err != nil {
		t.Fatalf("record outbound: %v", err)
	}
	if stored.Sender != "UBOT" || stored.RoomID != "D1" || stored.ID == "" {
		t.Fatalf("unexpected stored message: %+v", stored)
	}
	select {
	case evt := <-events:
		if evt.OwnerID != "u9" || evt.Message.ID != stored.ID {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event published")
	}
	m, err := f.mappings.Get(context.Background(), message.PlatformSlack, "D1")
	if err != nil || m.UserID != "u9" {
		t.Fatalf("room not claimed: %+v %v", m, err)
	}
}

func TestIngestReturnsStoreErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	bad := inbound(message.PlatformTelegram, "555", "")
	if err := f.pipeline.Ingest(context.Background(), channel.Key{Platform: message.PlatformTelegram}, bad); err == nil {
		t.Fatalf("expected empty content to be rejected")
	}
}

// Package ingest turns normalized platform messages into stored, attributed
// and published records.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/message"
	"github.com/memohai/omnibox/internal/message/event"
	"github.com/memohai/omnibox/internal/ownership"
	"github.com/memohai/omnibox/internal/priority"
	"github.com/memohai/omnibox/internal/rules"
)

// historyWindow is how many stored messages feed the classifier timeline.
const historyWindow = 50

// OwnerResolver attributes rooms to users.
type OwnerResolver interface {
	ResolveOwner(ctx context.Context, platform message.Platform, roomID string) (string, error)
	Claim(ctx context.Context, platform message.Platform, roomID, userID, teamID string) (ownership.Mapping, error)
}

// Sender delivers rule replies.
type Sender interface {
	Send(ctx context.Context, key channel.Key, roomID, content string) (channel.Receipt, error)
}

// Observer is told about every pipeline outcome.
type Observer interface {
	MessageIngested(platform message.Platform, p message.Priority)
	MessageUnattributed(platform message.Platform)
	RuleFailed()
}

type nopObserver struct{}

func (nopObserver) MessageIngested(message.Platform, message.Priority) {}
func (nopObserver) MessageUnattributed(message.Platform)               {}
func (nopObserver) RuleFailed()                                        {}

// Pipeline resolves, classifies, enriches, persists and publishes messages.
// It implements channel.InboundProcessor.
type Pipeline struct {
	logger     *slog.Logger
	resolver   OwnerResolver
	classifier *priority.Classifier
	rules      rules.Engine
	store      message.Store
	publisher  event.Publisher
	sender     Sender
	observer   Observer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithObserver attaches an outcome observer.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithClassifier replaces the wall-clock classifier.
func WithClassifier(c *priority.Classifier) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.classifier = c
		}
	}
}

// NewPipeline creates a Pipeline. A nil engine applies no rules.
func NewPipeline(log *slog.Logger, resolver OwnerResolver, engine rules.Engine, store message.Store, publisher event.Publisher, sender Sender, opts ...Option) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if engine == nil {
		engine = rules.Nop{}
	}
	p := &Pipeline{
		logger:     log.With(slog.String("component", "ingest")),
		resolver:   resolver,
		classifier: priority.NewClassifier(),
		rules:      engine,
		store:      store,
		publisher:  publisher,
		sender:     sender,
		observer:   nopObserver{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest handles one inbound message. Storage failures are returned; owner
// and rule failures are logged and the message is still stored.
func (p *Pipeline) Ingest(ctx context.Context, key channel.Key, msg message.Message) error {
	if msg.Platform == "" {
		msg.Platform = key.Platform
	}
	logger := p.logger.With(
		slog.String("platform", msg.Platform.String()),
		slog.String("room_id", msg.RoomID),
	)

	owner, err := p.resolver.ResolveOwner(ctx, msg.Platform, msg.RoomID)
	if err != nil {
		logger.Error("resolve owner failed", slog.Any("error", err))
		owner = ""
	}

	msg.Priority = p.classify(ctx, msg)

	var replies []rules.Reply
	if owner != "" {
		result, err := p.rules.Apply(ctx, msg, owner)
		if err != nil {
			var ruleErr *rules.RuleEngineError
			if !errors.As(err, &ruleErr) {
				err = &rules.RuleEngineError{Err: err}
			}
			logger.Warn("rules failed, keeping original message", slog.String("user_id", owner), slog.Any("error", err))
			p.observer.RuleFailed()
		} else {
			msg = result.Message
			replies = result.Replies
		}
	}

	stored, err := p.store.Append(ctx, msg)
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	p.observer.MessageIngested(stored.Platform, stored.Priority)

	if owner == "" {
		p.observer.MessageUnattributed(stored.Platform)
		logger.Warn("message not published", slog.String("message_id", stored.ID),
			slog.Any("error", &ownership.AttributionError{Platform: stored.Platform, RoomID: stored.RoomID}))
		return nil
	}
	p.publish(owner, stored)

	for _, reply := range replies {
		p.reply(ctx, key, owner, stored, reply)
	}
	return nil
}

// RecordOutbound stores a message the user sent through a connection,
// claiming the room for them when it has no owner yet.
func (p *Pipeline) RecordOutbound(ctx context.Context, userID string, platform message.Platform, receipt channel.Receipt, content string) (message.Message, error) {
	roomID := receipt.RoomID
	owner := userID
	if strings.TrimSpace(userID) != "" {
		mapping, err := p.resolver.Claim(ctx, platform, roomID, userID, "")
		if err != nil {
			p.logger.Warn("claim room failed", slog.String("room_id", roomID), slog.Any("error", err))
		} else {
			owner = mapping.UserID
		}
	}
	msg := message.Message{
		ID:         "",
		Content:    content,
		Sender:     receipt.Sender,
		SenderName: receipt.Sender,
		Timestamp:  receipt.Timestamp,
		Platform:   platform,
		RoomID:     roomID,
	}
	msg.Priority = p.classify(ctx, msg)
	stored, err := p.store.Append(ctx, msg)
	if err != nil {
		return message.Message{}, fmt.Errorf("persist outbound message: %w", err)
	}
	if owner != "" {
		p.publish(owner, stored)
	}
	return stored, nil
}

// classify labels msg against the room's recent history, oldest first.
func (p *Pipeline) classify(ctx context.Context, msg message.Message) message.Priority {
	history, err := p.store.QueryByRoom(ctx, msg.Platform, msg.RoomID, message.Query{Limit: historyWindow, Order: message.OldestFirst})
	if err != nil {
		p.logger.Warn("load room history failed", slog.String("room_id", msg.RoomID), slog.Any("error", err))
		history = nil
	}
	return p.classifier.Classify(msg, append(history, msg))
}

func (p *Pipeline) publish(owner string, msg message.Message) {
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(event.Event{Type: event.EventTypeNewMessage, OwnerID: owner, Message: msg})
}

func (p *Pipeline) reply(ctx context.Context, key channel.Key, owner string, inbound message.Message, reply rules.Reply) {
	if p.sender == nil || strings.TrimSpace(reply.Content) == "" {
		return
	}
	roomID := strings.TrimSpace(reply.RoomID)
	if roomID == "" {
		roomID = inbound.RoomID
	}
	receipt, err := p.sender.Send(ctx, key, roomID, reply.Content)
	if err != nil {
		p.logger.Warn("rule reply failed", slog.String("room_id", roomID), slog.Any("error", err))
		return
	}
	if _, err := p.RecordOutbound(ctx, owner, inbound.Platform, receipt, reply.Content); err != nil {
		p.logger.Warn("record rule reply failed", slog.String("room_id", roomID), slog.Any("error", err))
	}
}

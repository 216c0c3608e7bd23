package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/message"
)

func (c *Connection) handleEvent(raw any) {
	switch evt := raw.(type) {
	case *events.Message:
		msg, ok := normalizeMessage(evt)
		if !ok {
			return
		}
		if err := c.sink.HandleInbound(context.Background(), c.Key(), msg); err != nil {
			c.logger.Error("handle inbound failed", slog.String("chat", msg.RoomID), slog.Any("error", err))
		}
	case *events.PairSuccess:
		c.logger.Info("paired", slog.String("jid", evt.ID.String()))
		c.persistCredentials(map[string]any{CredJID: evt.ID.String(), CredPushName: c.pushName()})
	case *events.Connected:
		c.SetStatus(channel.StatusConnected)
		c.sink.ReportStatus(c.Key(), channel.StatusConnected, nil)
		if creds := c.Credentials(); creds != nil {
			c.persistCredentials(creds)
		}
	case *events.Disconnected:
		// The client reconnects on its own; surface the gap meanwhile.
		c.logger.Warn("socket closed, reconnecting")
		c.SetStatus(channel.StatusDisconnected)
		c.sink.ReportStatus(c.Key(), channel.StatusDisconnected, errors.New("whatsapp socket closed"))
	case *events.LoggedOut:
		c.logger.Warn("logged out", slog.Any("reason", evt.Reason))
		c.SetStatus(channel.StatusDisconnected)
		c.sink.ReportStatus(c.Key(), channel.StatusDisconnected, fmt.Errorf("whatsapp logged out: %v", evt.Reason))
	case *events.StreamReplaced:
		c.logger.Warn("stream replaced by another client")
		c.SetStatus(channel.StatusDisconnected)
		c.sink.ReportStatus(c.Key(), channel.StatusDisconnected, errors.New("whatsapp stream replaced"))
	}
}

func (c *Connection) pushName() string {
	if c.client == nil || c.client.Store == nil {
		return ""
	}
	return c.client.Store.PushName
}

func (c *Connection) persistCredentials(creds map[string]any) {
	if err := c.sink.UpdateCredentials(context.Background(), c.Key(), creds); err != nil {
		c.logger.Error("persist credentials failed", slog.Any("error", err))
	}
}

// normalizeMessage translates plain or extended text messages. Everything
// else is dropped.
func normalizeMessage(evt *events.Message) (message.Message, bool) {
	if evt == nil || evt.Message == nil {
		return message.Message{}, false
	}
	text := evt.Message.GetConversation()
	if text == "" {
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	if strings.TrimSpace(text) == "" {
		return message.Message{}, false
	}
	sender := evt.Info.Sender.ToNonAD().String()
	if evt.Info.Sender.IsEmpty() {
		sender = evt.Info.Chat.String()
	}
	name := strings.TrimSpace(evt.Info.PushName)
	if name == "" {
		name = sender
	}
	return message.Message{
		Content:    text,
		Sender:     sender,
		SenderName: name,
		Timestamp:  evt.Info.Timestamp.UTC(),
		Platform:   message.PlatformWhatsApp,
		RoomID:     evt.Info.Chat.String(),
	}, true
}

func textMessage(content string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(content)}
}

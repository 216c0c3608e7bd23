package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/message"
)

// Room kinds reported by ListRooms. A room is active while someone other
// than the session user has joined it.
const (
	KindActive   = "active"
	KindInactive = "inactive"
)

const (
	historyLimit    = 50
	maxHistoryLimit = 200
)

// ListRooms lists the joined rooms with their name, member count and last
// message.
func (c *Connection) ListRooms(ctx context.Context) ([]channel.Room, error) {
	joined, err := c.client.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list joined rooms: %w", err)
	}
	rooms := make([]channel.Room, 0, len(joined.JoinedRooms))
	for _, roomID := range joined.JoinedRooms {
		members, err := c.client.JoinedMembers(ctx, roomID)
		if err != nil {
			c.logger.Warn("list members failed", slog.String("room_id", roomID.String()), slog.Any("error", err))
			continue
		}
		room := channel.Room{
			ID:          roomID.String(),
			Name:        c.roomName(ctx, roomID, members),
			Kind:        KindInactive,
			IsMember:    true,
			MemberCount: len(members.Joined),
		}
		if room.MemberCount > 1 {
			room.Kind = KindActive
		}
		if last, ok := c.lastMessage(ctx, roomID); ok {
			room.LastMessage = last.Content
			at := last.Timestamp
			room.LastActive = &at
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// roomName prefers m.room.name and falls back to the other members' names.
func (c *Connection) roomName(ctx context.Context, roomID id.RoomID, members *mautrix.RespJoinedMembers) string {
	var content event.RoomNameEventContent
	if err := c.client.StateEvent(ctx, roomID, event.StateRoomName, "", &content); err == nil {
		if name := strings.TrimSpace(content.Name); name != "" {
			return name
		}
	}
	names := make([]string, 0, len(members.Joined))
	for userID, member := range members.Joined {
		if userID == c.self {
			continue
		}
		name := strings.TrimSpace(member.DisplayName)
		if name == "" {
			name = userID.String()
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "Unnamed Room"
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func (c *Connection) lastMessage(ctx context.Context, roomID id.RoomID) (message.Message, bool) {
	msgs, err := c.History(ctx, roomID.String(), 1)
	if err != nil {
		c.logger.Debug("read last message failed", slog.String("room_id", roomID.String()), slog.Any("error", err))
		return message.Message{}, false
	}
	if len(msgs) == 0 {
		return message.Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// History reads the latest text messages of a room, oldest first. Messages
// of the session user are included.
func (c *Connection) History(ctx context.Context, roomID string, limit int) ([]message.Message, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = historyLimit
	}
	room := id.RoomID(strings.TrimSpace(roomID))
	filter := &mautrix.FilterPart{Types: []event.Type{event.EventMessage, event.EventEncrypted}}
	resp, err := c.client.Messages(ctx, room, "", "", mautrix.DirectionBackward, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("matrix messages %s: %w", roomID, err)
	}
	items := make([]message.Message, 0, len(resp.Chunk))
	for _, evt := range resp.Chunk {
		evt = c.parseHistoryEvent(ctx, room, evt)
		if evt == nil {
			continue
		}
		msg, ok := normalizeEvent(evt, c.displayName(ctx, evt.RoomID, evt.Sender))
		if !ok {
			continue
		}
		items = append(items, msg)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Timestamp.Before(items[j].Timestamp) })
	return items, nil
}

// parseHistoryEvent parses the raw content of a /messages event, decrypting
// it when the session can.
func (c *Connection) parseHistoryEvent(ctx context.Context, room id.RoomID, evt *event.Event) *event.Event {
	if evt == nil {
		return nil
	}
	if evt.RoomID == "" {
		evt.RoomID = room
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		return nil
	}
	if evt.Type != event.EventEncrypted {
		return evt
	}
	if c.crypto == nil {
		return nil
	}
	decrypted, err := c.crypto.Decrypt(ctx, evt)
	if err != nil {
		c.logger.Debug("decrypt history event failed", slog.String("event_id", evt.ID.String()), slog.Any("error", err))
		return nil
	}
	return decrypted
}

// Customer returns the first joined member that is neither the session user
// nor a bot, by user id.
func (c *Connection) Customer(ctx context.Context, roomID string) (channel.Customer, error) {
	room := id.RoomID(strings.TrimSpace(roomID))
	members, err := c.client.JoinedMembers(ctx, room)
	if err != nil {
		return channel.Customer{}, fmt.Errorf("list joined members: %w", err)
	}
	candidates := make([]id.UserID, 0, len(members.Joined))
	for userID := range members.Joined {
		if userID == c.self || strings.Contains(userID.String(), ":bot.") {
			continue
		}
		candidates = append(candidates, userID)
	}
	if len(candidates) == 0 {
		return channel.Customer{}, channel.ErrNoCustomer
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	userID := candidates[0]
	member := members.Joined[userID]
	customer := channel.Customer{
		UserID:      userID.String(),
		DisplayName: strings.TrimSpace(member.DisplayName),
		AvatarURL:   member.AvatarURL,
	}
	if customer.DisplayName == "" {
		customer.DisplayName = customer.UserID
	}
	if joined, ok := c.joinedAt(ctx, room, userID); ok {
		customer.JoinedAt = &joined
	}
	return customer, nil
}

func (c *Connection) joinedAt(ctx context.Context, room id.RoomID, userID id.UserID) (time.Time, bool) {
	evt, err := c.client.FullStateEvent(ctx, room, event.StateMember, userID.String())
	if err != nil || evt == nil || evt.Timestamp == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(evt.Timestamp).UTC(), true
}

package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/message"
)

// Room kinds reported by ListRooms.
const (
	KindPublic  = "public"
	KindPrivate = "private"
	KindIM      = "im"
)

var mentionPattern = regexp.MustCompile(`<@([A-Z0-9]+)(?:\|[^>]*)?>`)

// Subtypes that carry no user authored text.
var ignoredSubtypes = map[string]struct{}{
	"channel_join":    {},
	"channel_leave":   {},
	"channel_topic":   {},
	"channel_purpose": {},
	"channel_name":    {},
	"message_changed": {},
	"message_deleted": {},
	"group_join":      {},
	"group_leave":     {},
}

// Connection is one account's Slack workspace session.
type Connection struct {
	*channel.BaseConnection
	client    *slackapi.Client
	logger    *slog.Logger
	limiter   *rate.Limiter
	teamID    string
	botUserID string
	botID     string
	users     *userCache
}

// TeamID returns the workspace id reported by auth.test.
func (c *Connection) TeamID() string { return c.teamID }

// Send posts content with chat.postMessage.
func (c *Connection) Send(ctx context.Context, roomID, content string) (channel.Receipt, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return channel.Receipt{}, err
	}
	channelID, ts, err := c.client.PostMessageContext(ctx, roomID, slackapi.MsgOptionText(content, false))
	if err != nil {
		return channel.Receipt{}, err
	}
	if channelID == "" {
		channelID = roomID
	}
	sentAt, err := parseTimestamp(ts)
	if err != nil {
		sentAt = time.Now().UTC()
	}
	return channel.Receipt{
		MessageID: ts,
		RoomID:    channelID,
		Sender:    c.botUserID,
		Timestamp: sentAt,
	}, nil
}

// ListRooms lists the public and private channels the bot is a member of,
// plus its direct messages.
func (c *Connection) ListRooms(ctx context.Context) ([]channel.Room, error) {
	params := &slackapi.GetConversationsParameters{
		Types:           []string{"public_channel", "private_channel", "im"},
		ExcludeArchived: true,
		Limit:           channelPageLimit,
	}
	rooms := make([]channel.Room, 0)
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		page, next, err := c.client.GetConversationsContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list slack conversations: %w", err)
		}
		for _, ch := range page {
			room, ok := c.toRoom(ctx, ch)
			if ok {
				rooms = append(rooms, room)
			}
		}
		if next == "" {
			break
		}
		params.Cursor = next
	}
	return rooms, nil
}

func (c *Connection) toRoom(ctx context.Context, ch slackapi.Channel) (channel.Room, bool) {
	room := channel.Room{ID: ch.ID, Name: ch.Name, TeamID: c.teamID, IsMember: ch.IsMember}
	switch {
	case ch.IsIM:
		room.Kind = KindIM
		room.IsMember = true
		room.Name = c.userName(ctx, ch.User)
	case ch.IsPrivate:
		room.Kind = KindPrivate
	default:
		room.Kind = KindPublic
	}
	return room, room.IsMember
}

// History reads the latest messages of a channel, oldest first, with
// mentions resolved to display names.
func (c *Connection) History(ctx context.Context, roomID string, limit int) ([]message.Message, error) {
	if limit <= 0 || limit > pullPageLimit {
		limit = historyLimit
	}
	resp, err := c.historyPage(ctx, &slackapi.GetConversationHistoryParameters{ChannelID: roomID, Limit: limit})
	if err != nil {
		return nil, err
	}
	return c.normalizePage(ctx, roomID, resp.Messages, nil), nil
}

// historySince reads every page of a channel newer than oldest, oldest
// first. Slack pages backwards from the newest message, so nothing is
// delivered until the last page is in.
func (c *Connection) historySince(ctx context.Context, roomID string, oldest time.Time) ([]message.Message, error) {
	params := &slackapi.GetConversationHistoryParameters{ChannelID: roomID, Limit: pullPageLimit}
	if !oldest.IsZero() {
		params.Oldest = formatTimestamp(oldest)
	}
	var items []message.Message
	for {
		resp, err := c.historyPage(ctx, params)
		if err != nil {
			return nil, err
		}
		items = c.normalizePage(ctx, roomID, resp.Messages, items)
		next := resp.ResponseMetaData.NextCursor
		if !resp.HasMore || next == "" {
			break
		}
		params.Cursor = next
	}
	return items, nil
}

func (c *Connection) historyPage(ctx context.Context, params *slackapi.GetConversationHistoryParameters) (*slackapi.GetConversationHistoryResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.client.GetConversationHistoryContext(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("slack history %s: %w", params.ChannelID, err)
	}
	return resp, nil
}

func (c *Connection) normalizePage(ctx context.Context, roomID string, raws []slackapi.Message, items []message.Message) []message.Message {
	for _, raw := range raws {
		msg, ok := c.normalize(ctx, roomID, raw)
		if !ok {
			continue
		}
		items = append(items, msg)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Timestamp.Before(items[j].Timestamp) })
	return items
}

// Pull hands every member channel's messages newer than cursor to sink,
// oldest first, advancing the cursor as it goes. A failing channel is
// logged and skipped.
func (c *Connection) Pull(ctx context.Context, cursor channel.Cursor, sink channel.Sink) error {
	rooms, err := c.ListRooms(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, room := range rooms {
		if err := c.pullRoom(ctx, room.ID, cursor, sink); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("pull channel failed", slog.String("channel_id", room.ID), slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Connection) pullRoom(ctx context.Context, roomID string, cursor channel.Cursor, sink channel.Sink) error {
	since := cursor.Since(ctx, message.PlatformSlack, roomID)
	items, err := c.historySince(ctx, roomID, since)
	if err != nil {
		return err
	}
	for _, msg := range items {
		if !msg.Timestamp.After(since) {
			continue
		}
		if c.ownMessage(msg) {
			cursor.Advance(message.PlatformSlack, roomID, msg.Timestamp)
			continue
		}
		if err := sink.HandleInbound(ctx, c.Key(), msg); err != nil {
			return err
		}
		cursor.Advance(message.PlatformSlack, roomID, msg.Timestamp)
	}
	return nil
}

// ListContacts returns the users resolved on this connection so far.
func (c *Connection) ListContacts(_ context.Context) (map[string]string, error) {
	return c.users.snapshot(), nil
}

// ResolveMentions replaces <@ID> placeholders with display names.
func (c *Connection) ResolveMentions(ctx context.Context, text string) string {
	return mentionPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := mentionPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		return c.userName(ctx, sub[1])
	})
}

func (c *Connection) normalize(ctx context.Context, roomID string, raw slackapi.Message) (message.Message, bool) {
	if _, skip := ignoredSubtypes[raw.SubType]; skip {
		return message.Message{}, false
	}
	if strings.TrimSpace(raw.Text) == "" {
		return message.Message{}, false
	}
	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		c.logger.Debug("skip message with bad ts", slog.String("ts", raw.Timestamp))
		return message.Message{}, false
	}
	sender := raw.User
	name := ""
	switch {
	case sender != "":
		name = c.userName(ctx, sender)
	case raw.BotID != "":
		sender = raw.BotID
		name = raw.Username
	default:
		sender = "unknown_user"
	}
	if name == "" {
		name = sender
	}
	return message.Message{
		Content:    c.ResolveMentions(ctx, raw.Text),
		Sender:     sender,
		SenderName: name,
		Timestamp:  ts,
		Platform:   message.PlatformSlack,
		RoomID:     roomID,
	}, true
}

// ownMessage reports posts made with this connection's token. They are
// recorded when sent and must not come back in as inbound traffic.
func (c *Connection) ownMessage(msg message.Message) bool {
	if c.botUserID != "" && msg.Sender == c.botUserID {
		return true
	}
	return c.botID != "" && msg.Sender == c.botID
}

// userName resolves a user id through users.info, preferring the real name.
// Lookups that fail are cached as the id itself.
func (c *Connection) userName(ctx context.Context, id string) string {
	if id == "" {
		return ""
	}
	if name, ok := c.users.get(id); ok {
		return name
	}
	name := id
	user, err := c.client.GetUserInfoContext(ctx, id)
	switch {
	case err != nil:
		c.logger.Debug("users.info failed", slog.String("slack_user", id), slog.Any("error", err))
	case strings.TrimSpace(user.RealName) != "":
		name = strings.TrimSpace(user.RealName)
	case strings.TrimSpace(user.Name) != "":
		name = strings.TrimSpace(user.Name)
	}
	c.users.put(id, name)
	return name
}

type userCache struct {
	mu    sync.RWMutex
	names map[string]string
}

func newUserCache() *userCache {
	return &userCache{names: map[string]string{}}
}

func (u *userCache) get(id string) (string, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	name, ok := u.names[id]
	return name, ok
}

func (u *userCache) put(id, name string) {
	u.mu.Lock()
	u.names[id] = name
	u.mu.Unlock()
}

func (u *userCache) snapshot() map[string]string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make(map[string]string, len(u.names))
	for id, name := range u.names {
		out[id] = name
	}
	return out
}

// parseTimestamp converts a Slack "seconds.micros" ts into a UTC time.
func parseTimestamp(ts string) (time.Time, error) {
	secPart, fracPart, _ := strings.Cut(strings.TrimSpace(ts), ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse slack ts %q: %w", ts, err)
	}
	var micros int64
	if fracPart != "" {
		if len(fracPart) > 6 {
			fracPart = fracPart[:6]
		}
		fracPart += strings.Repeat("0", 6-len(fracPart))
		micros, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse slack ts %q: %w", ts, err)
		}
	}
	return time.Unix(sec, micros*int64(time.Microsecond)).UTC(), nil
}

func formatTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/int(time.Microsecond))
}

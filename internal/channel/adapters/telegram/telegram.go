package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/omnibox/internal/accounts"
	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/message"
)

const (
	telegramMaxMessageLength = 4096
	pollTimeoutSeconds       = 30
	defaultGracePeriod       = 5 * time.Second
)

// Credential keys stored on the account.
const (
	CredBotToken    = "bot_token"
	CredBotID       = "bot_id"
	CredBotUsername = "bot_username"
)

// TelegramAdapter implements channel.Adapter, channel.Receiver and
// channel.Finalizer for Telegram bots. Each user owns one bot token.
type TelegramAdapter struct {
	logger   *slog.Logger
	grace    time.Duration
	endpoint string
	client   *http.Client
}

// NewTelegramAdapter creates a TelegramAdapter with the given logger. grace
// bounds how long a stopping connection waits for in-flight handlers.
func NewTelegramAdapter(log *slog.Logger, grace time.Duration) *TelegramAdapter {
	if log == nil {
		log = slog.Default()
	}
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	adapter := &TelegramAdapter{
		logger:   log.With(slog.String("adapter", "telegram")),
		grace:    grace,
		endpoint: tgbotapi.APIEndpoint,
		client:   &http.Client{Timeout: (pollTimeoutSeconds + 10) * time.Second},
	}
	botLoggerOnce.Do(func() {
		_ = tgbotapi.SetLogger(&slogBotLogger{log: adapter.logger})
	})
	return adapter
}

// tgbotapi keeps one package-level logger.
var botLoggerOnce sync.Once

// Platform returns the Telegram platform.
func (a *TelegramAdapter) Platform() message.Platform {
	return message.PlatformTelegram
}

// Descriptor returns the Telegram platform metadata.
func (a *TelegramAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Platform:    message.PlatformTelegram,
		DisplayName: "Telegram",
		Scope:       channel.ScopeUser,
	}
}

// Initiate tells the user how to obtain a bot token.
func (a *TelegramAdapter) Initiate(_ context.Context, _ string) (channel.Initiation, error) {
	return channel.Initiation{
		Status:       channel.StatusDisconnected,
		Instructions: "Create a bot with @BotFather, then submit its token as bot_token.",
	}, nil
}

// Finalize validates the bot token with getMe and returns the credentials to store.
func (a *TelegramAdapter) Finalize(_ context.Context, userID string, input map[string]string) (map[string]any, error) {
	token := strings.TrimSpace(input[CredBotToken])
	if token == "" {
		token = strings.TrimSpace(input["token"])
	}
	if token == "" {
		return nil, &message.ValidationError{Field: CredBotToken, Reason: "required"}
	}
	bot, err := a.newBot(token)
	if err != nil {
		a.logger.Warn("token validation failed", slog.String("user_id", userID), slog.Any("error", err))
		return nil, fmt.Errorf("validate telegram token: %w", err)
	}
	return map[string]any{
		CredBotToken:    token,
		CredBotID:       strconv.FormatInt(bot.Self.ID, 10),
		CredBotUsername: bot.Self.UserName,
	}, nil
}

func (a *TelegramAdapter) newBot(token string) (*tgbotapi.BotAPI, error) {
	// NewBotAPIWithClient calls getMe, so a bad token fails here.
	return tgbotapi.NewBotAPIWithClient(token, a.endpoint, a.client)
}

// Connect validates the token, clears any webhook and starts long polling.
func (a *TelegramAdapter) Connect(ctx context.Context, key channel.Key, acct accounts.Account, sink channel.Sink) (channel.Connection, error) {
	token := strings.TrimSpace(acct.Credential(CredBotToken))
	if token == "" {
		return nil, errors.New("telegram account has no bot_token")
	}
	a.logger.Info("start", slog.String("user_id", key.UserID))
	bot, err := a.newBot(token)
	if err != nil {
		a.logger.Error("create bot failed", slog.String("user_id", key.UserID), slog.Any("error", err))
		return nil, err
	}
	if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		a.logger.Warn("delete webhook failed", slog.String("user_id", key.UserID), slog.Any("error", err))
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = pollTimeoutSeconds
	updates := bot.GetUpdatesChan(updateConfig)
	connCtx, cancel := context.WithCancel(ctx)

	conn := &Connection{
		bot:      bot,
		logger:   a.logger.With(slog.String("user_id", key.UserID)),
		contacts: map[string]string{},
		loopDone: make(chan struct{}),
	}
	conn.BaseConnection = channel.NewConnection(key, channel.StatusConnected, func(_ context.Context) error {
		conn.logger.Info("stop")
		bot.StopReceivingUpdates()
		cancel()
		// Drain remaining updates so the library's polling goroutine can
		// finish writing and exit. Without this, the in-flight long-poll
		// HTTP request keeps the old getUpdates session alive, causing
		// "Conflict: terminated by other getUpdates request" when a new
		// connection starts with the same bot token.
		for range updates {
		}
		conn.waitLoop(a.grace)
		return nil
	})

	go conn.run(connCtx, updates, sink)
	return conn, nil
}

// Connection is one user's live bot session.
type Connection struct {
	*channel.BaseConnection
	bot      *tgbotapi.BotAPI
	logger   *slog.Logger
	loopDone chan struct{}

	mu       sync.RWMutex
	contacts map[string]string
}

func (c *Connection) run(ctx context.Context, updates tgbotapi.UpdatesChannel, sink channel.Sink) {
	defer close(c.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				c.logger.Info("updates channel closed")
				if ctx.Err() == nil {
					c.SetStatus(channel.StatusDisconnected)
					sink.ReportStatus(c.Key(), channel.StatusDisconnected, errors.New("telegram updates channel closed"))
				}
				return
			}
			msg, ok := normalizeMessage(update.Message)
			if !ok {
				continue
			}
			c.remember(msg.Sender, msg.SenderName)
			c.logger.Info("inbound received", slog.String("chat_id", msg.RoomID), slog.String("sender", msg.Sender))
			if err := sink.HandleInbound(ctx, c.Key(), msg); err != nil {
				c.logger.Error("handle inbound failed", slog.String("chat_id", msg.RoomID), slog.Any("error", err))
			}
		}
	}
}

// waitLoop waits for the update loop, including the handler it may be
// running, to exit.
func (c *Connection) waitLoop(grace time.Duration) {
	select {
	case <-c.loopDone:
	case <-time.After(grace):
		c.logger.Warn("in-flight handlers still running after grace period", slog.Duration("grace", grace))
	}
}

func (c *Connection) remember(id, name string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.contacts[id] = name
	c.mu.Unlock()
}

// ListContacts returns the senders seen on this connection.
func (c *Connection) ListContacts(_ context.Context) (map[string]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.contacts))
	for id, name := range c.contacts {
		out[id] = name
	}
	return out, nil
}

// Send posts content to a chat id or @channel username.
func (c *Connection) Send(_ context.Context, roomID, content string) (channel.Receipt, error) {
	sent, err := sendTelegramText(c.bot, strings.TrimSpace(roomID), content)
	if err != nil {
		return channel.Receipt{}, err
	}
	receipt := channel.Receipt{
		MessageID: strconv.Itoa(sent.MessageID),
		RoomID:    roomID,
		Sender:    strconv.FormatInt(c.bot.Self.ID, 10),
		Timestamp: time.Unix(int64(sent.Date), 0).UTC(),
	}
	if sent.Date == 0 {
		receipt.Timestamp = time.Now().UTC()
	}
	return receipt, nil
}

// Credentials reports the identity of the running bot.
func (c *Connection) Credentials() map[string]any {
	return map[string]any{
		CredBotToken:    c.bot.Token,
		CredBotID:       strconv.FormatInt(c.bot.Self.ID, 10),
		CredBotUsername: c.bot.Self.UserName,
	}
}

// normalizeMessage translates a text-bearing Telegram message. Messages
// without text or caption are skipped.
func normalizeMessage(msg *tgbotapi.Message) (message.Message, bool) {
	if msg == nil || msg.Chat == nil {
		return message.Message{}, false
	}
	text := msg.Text
	if strings.TrimSpace(text) == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return message.Message{}, false
	}
	sender, name := resolveTelegramSender(msg)
	return message.Message{
		Content:    text,
		Sender:     sender,
		SenderName: name,
		Timestamp:  time.Unix(int64(msg.Date), 0).UTC(),
		Platform:   message.PlatformTelegram,
		RoomID:     strconv.FormatInt(msg.Chat.ID, 10),
	}, true
}

// resolveTelegramSender returns the sender id and display name. The name is
// "first last", falling back to the id.
func resolveTelegramSender(msg *tgbotapi.Message) (string, string) {
	if msg == nil {
		return "", ""
	}
	if msg.From != nil {
		id := strconv.FormatInt(msg.From.ID, 10)
		name := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if name == "" {
			name = id
		}
		return id, name
	}
	if msg.SenderChat != nil {
		id := strconv.FormatInt(msg.SenderChat.ID, 10)
		name := strings.TrimSpace(msg.SenderChat.Title)
		if name == "" {
			name = id
		}
		return id, name
	}
	if msg.Chat != nil {
		id := strconv.FormatInt(msg.Chat.ID, 10)
		return id, id
	}
	return "", ""
}

func sendTelegramText(bot *tgbotapi.BotAPI, target string, text string) (tgbotapi.Message, error) {
	text = truncateTelegramText(sanitizeTelegramText(text))
	if strings.HasPrefix(target, "@") {
		return bot.Send(tgbotapi.NewMessageToChannel(target, text))
	}
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return tgbotapi.Message{}, fmt.Errorf("telegram target must be @username or chat_id")
	}
	return bot.Send(tgbotapi.NewMessage(chatID, text))
}

// sanitizeTelegramText ensures text is valid UTF-8 for the Telegram API.
func sanitizeTelegramText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// truncateTelegramText truncates text to telegramMaxMessageLength on a valid
// UTF-8 rune boundary, appending "..." when truncation occurs.
func truncateTelegramText(text string) string {
	if len(text) <= telegramMaxMessageLength {
		return text
	}
	const suffix = "..."
	limit := telegramMaxMessageLength - len(suffix)
	// Walk backwards to a rune boundary.
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit] + suffix
}

// slogBotLogger routes tgbotapi's internal logging into slog.
type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

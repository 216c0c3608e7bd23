package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/sqlstatestore"

	"github.com/memohai/omnibox/internal/accounts"
	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/message"
)

const defaultSyncTimeout = 30 * time.Second

// syncStoreEventType is the account data event that carries next_batch
// when no database backs the session.
const syncStoreEventType = "com.memohai.omnibox.sync"

// ErrInitialSyncTimeout is returned when the first sync does not finish in time.
var ErrInitialSyncTimeout = errors.New("matrix initial sync timed out")

// Credential keys written when a user links to the shared session.
const (
	CredMatrixUserID = "matrix_user_id"
	CredHomeserver   = "homeserver"
)

// Config identifies the process-wide Matrix session.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	DeviceID    string
	PickleKey   string
	SyncTimeout time.Duration
}

// MatrixAdapter implements channel.Adapter, channel.Receiver and
// channel.Finalizer for one shared, end-to-end encrypted Matrix session.
type MatrixAdapter struct {
	logger *slog.Logger
	cfg    Config
	db     *dbutil.Database
}

// NewMatrixAdapter creates a MatrixAdapter. db backs the state and crypto
// stores; nil keeps them in memory.
func NewMatrixAdapter(log *slog.Logger, cfg Config, db *sql.DB) (*MatrixAdapter, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = defaultSyncTimeout
	}
	adapter := &MatrixAdapter{
		logger: log.With(slog.String("adapter", "matrix")),
		cfg:    cfg,
	}
	if db != nil {
		wrapped, err := dbutil.NewWithDB(db, "postgres")
		if err != nil {
			return nil, fmt.Errorf("wrap matrix db: %w", err)
		}
		adapter.db = wrapped
	}
	return adapter, nil
}

// Platform returns the Matrix platform.
func (a *MatrixAdapter) Platform() message.Platform {
	return message.PlatformMatrix
}

// Descriptor returns the Matrix platform metadata.
func (a *MatrixAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Platform:    message.PlatformMatrix,
		DisplayName: "Matrix",
		Scope:       channel.ScopeProcess,
	}
}

// Finalize links a user to the shared session so rooms can be attributed.
func (a *MatrixAdapter) Finalize(_ context.Context, _ string, _ map[string]string) (map[string]any, error) {
	return map[string]any{
		CredMatrixUserID: a.cfg.UserID,
		CredHomeserver:   a.cfg.Homeserver,
	}, nil
}

// Connect starts the sync loop and blocks until the first sync completes or
// the sync timeout elapses. The account is unused; the session comes from
// configuration.
func (a *MatrixAdapter) Connect(ctx context.Context, key channel.Key, _ accounts.Account, sink channel.Sink) (channel.Connection, error) {
	client, err := mautrix.NewClient(a.cfg.Homeserver, id.UserID(a.cfg.UserID), a.cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	client.DeviceID = id.DeviceID(a.cfg.DeviceID)

	var crypto *cryptohelper.CryptoHelper
	if a.db != nil {
		stateStore := sqlstatestore.NewSQLStateStore(a.db, dbutil.NoopLogger, false)
		if err := stateStore.Upgrade(ctx); err != nil {
			return nil, fmt.Errorf("upgrade matrix state store: %w", err)
		}
		client.StateStore = stateStore
		crypto, err = cryptohelper.NewCryptoHelper(client, []byte(a.cfg.PickleKey), a.db)
		if err != nil {
			return nil, fmt.Errorf("create crypto helper: %w", err)
		}
		// Init also moves next_batch into the SQL crypto store.
		if err := crypto.Init(ctx); err != nil {
			return nil, fmt.Errorf("init matrix crypto: %w", err)
		}
		client.Crypto = crypto
	} else {
		a.logger.Warn("no database configured, encrypted rooms are unavailable")
		client.Store = mautrix.NewAccountDataStore(syncStoreEventType, client)
	}

	syncCtx, cancel := context.WithCancel(ctx)
	conn := &Connection{
		client:    client,
		crypto:    crypto,
		logger:    a.logger,
		self:     client.UserID,
		trusted:  map[id.RoomID]struct{}{},
		syncDone: make(chan struct{}),
	}
	conn.BaseConnection = channel.NewConnection(key, channel.StatusPairing, func(context.Context) error {
		conn.logger.Info("stop")
		client.StopSync()
		cancel()
		<-conn.syncDone
		if crypto != nil {
			if err := crypto.Close(); err != nil {
				conn.logger.Warn("close crypto helper failed", slog.Any("error", err))
			}
		}
		return nil
	})

	firstSync := make(chan struct{})
	var once sync.Once
	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		cancel()
		return nil, errors.New("unexpected matrix syncer")
	}
	// Saving next_batch writes account data; keep it out of the sync so the
	// save does not wake the next long poll.
	syncer.FilterJSON = &mautrix.Filter{
		AccountData: &mautrix.FilterPart{NotTypes: []event.Type{event.NewEventType(syncStoreEventType)}},
	}
	syncer.OnSync(func(context.Context, *mautrix.RespSync, string) bool {
		once.Do(func() { close(firstSync) })
		return true
	})
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		conn.handleMessage(ctx, evt, sink)
	})

	syncErr := make(chan error, 1)
	go func() {
		defer close(conn.syncDone)
		err := client.SyncWithContext(syncCtx)
		if err != nil && syncCtx.Err() == nil {
			conn.logger.Error("sync stopped", slog.Any("error", err))
			conn.SetStatus(channel.StatusDisconnected)
			sink.ReportStatus(key, channel.StatusDisconnected, err)
		}
		syncErr <- err
	}()

	timer := time.NewTimer(a.cfg.SyncTimeout)
	defer timer.Stop()
	select {
	case <-firstSync:
		conn.SetStatus(channel.StatusConnected)
		a.logger.Info("initial sync complete", slog.String("user_id", a.cfg.UserID))
		return conn, nil
	case err := <-syncErr:
		_ = conn.Stop(context.Background())
		if err == nil {
			err = errors.New("matrix sync exited before the first response")
		}
		return nil, fmt.Errorf("matrix initial sync: %w", err)
	case <-timer.C:
		_ = conn.Stop(context.Background())
		return nil, ErrInitialSyncTimeout
	}
}

// Connection is the shared Matrix session. The sync resumes from the stored
// next_batch token, so events that arrived while the process was down are
// delivered on the first sync.
type Connection struct {
	*channel.BaseConnection
	client   *mautrix.Client
	crypto   *cryptohelper.CryptoHelper
	logger   *slog.Logger
	self     id.UserID
	syncDone chan struct{}

	trustMu sync.Mutex
	trusted map[id.RoomID]struct{}
}

func (c *Connection) handleMessage(ctx context.Context, evt *event.Event, sink channel.Sink) {
	if evt.Sender == c.self {
		return
	}
	msg, ok := normalizeEvent(evt, c.displayName(ctx, evt.RoomID, evt.Sender))
	if !ok {
		return
	}
	if err := sink.HandleInbound(ctx, c.Key(), msg); err != nil {
		c.logger.Error("handle inbound failed", slog.String("room_id", msg.RoomID), slog.Any("error", err))
	}
}

func (c *Connection) displayName(ctx context.Context, roomID id.RoomID, userID id.UserID) string {
	if c.client == nil || c.client.StateStore == nil {
		return ""
	}
	member, err := c.client.StateStore.GetMember(ctx, roomID, userID)
	if err != nil || member == nil {
		return ""
	}
	return strings.TrimSpace(member.Displayname)
}

// Send posts an m.text message, trusting the room's devices first when the
// room is encrypted.
func (c *Connection) Send(ctx context.Context, roomID, content string) (channel.Receipt, error) {
	room := id.RoomID(strings.TrimSpace(roomID))
	if err := c.trustRoomDevices(ctx, room); err != nil {
		c.logger.Warn("device trust bootstrap failed", slog.String("room_id", roomID), slog.Any("error", err))
	}
	resp, err := c.client.SendMessageEvent(ctx, room, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    content,
	})
	if err != nil {
		return channel.Receipt{}, err
	}
	return channel.Receipt{
		MessageID: resp.EventID.String(),
		RoomID:    roomID,
		Sender:    c.self.String(),
		Timestamp: time.Now().UTC(),
	}, nil
}

// trustRoomDevices marks every device of every joined member as verified.
// It runs once per room.
func (c *Connection) trustRoomDevices(ctx context.Context, room id.RoomID) error {
	if c.crypto == nil {
		return nil
	}
	c.trustMu.Lock()
	defer c.trustMu.Unlock()
	if _, done := c.trusted[room]; done {
		return nil
	}
	encrypted, err := c.client.StateStore.IsEncrypted(ctx, room)
	if err != nil {
		return err
	}
	if !encrypted {
		c.trusted[room] = struct{}{}
		return nil
	}
	members, err := c.client.JoinedMembers(ctx, room)
	if err != nil {
		return fmt.Errorf("list joined members: %w", err)
	}
	users := make([]id.UserID, 0, len(members.Joined))
	for userID := range members.Joined {
		users = append(users, userID)
	}
	mach := c.crypto.Machine()
	devices, err := mach.FetchKeys(ctx, users, true)
	if err != nil {
		return fmt.Errorf("fetch device keys: %w", err)
	}
	for userID, byDevice := range devices {
		for _, device := range byDevice {
			if device.Trust == id.TrustStateVerified {
				continue
			}
			device.Trust = id.TrustStateVerified
			if err := mach.CryptoStore.PutDevice(ctx, userID, device); err != nil {
				return fmt.Errorf("trust device %s: %w", device.DeviceID, err)
			}
		}
	}
	c.trusted[room] = struct{}{}
	c.logger.Info("room devices trusted", slog.String("room_id", room.String()), slog.Int("members", len(users)))
	return nil
}

// ListContacts returns the members of every joined room.
func (c *Connection) ListContacts(ctx context.Context) (map[string]string, error) {
	rooms, err := c.client.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list joined rooms: %w", err)
	}
	out := map[string]string{}
	for _, room := range rooms.JoinedRooms {
		members, err := c.client.JoinedMembers(ctx, room)
		if err != nil {
			c.logger.Warn("list members failed", slog.String("room_id", room.String()), slog.Any("error", err))
			continue
		}
		for userID, member := range members.Joined {
			if userID == c.self {
				continue
			}
			name := strings.TrimSpace(member.DisplayName)
			if name == "" {
				name = userID.String()
			}
			out[userID.String()] = name
		}
	}
	return out, nil
}

// normalizeEvent translates a text-bearing m.room.message event.
func normalizeEvent(evt *event.Event, senderName string) (message.Message, bool) {
	if evt == nil || evt.Type != event.EventMessage {
		return message.Message{}, false
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return message.Message{}, false
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
	default:
		return message.Message{}, false
	}
	body := content.Body
	if strings.TrimSpace(body) == "" {
		return message.Message{}, false
	}
	sender := evt.Sender.String()
	if senderName == "" {
		senderName = sender
	}
	return message.Message{
		Content:    body,
		Sender:     sender,
		SenderName: senderName,
		Timestamp:  time.UnixMilli(evt.Timestamp).UTC(),
		Platform:   message.PlatformMatrix,
		RoomID:     evt.RoomID.String(),
	}, true
}

package whatsapp

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"

	"github.com/memohai/omnibox/internal/accounts"
	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/message"
)

const (
	defaultPairWait = 15 * time.Second
	qrImageSize     = 256
)

// Credential keys stored on the account.
const (
	CredJID      = "jid"
	CredPushName = "pushName"
)

// OpenSessionStore prepares the device and session tables on db.
func OpenSessionStore(ctx context.Context, log *slog.Logger, db *sql.DB) (*sqlstore.Container, error) {
	if log == nil {
		log = slog.Default()
	}
	container := sqlstore.NewWithDB(db, "postgres", newWALogger(log.With(slog.String("adapter", "whatsapp")), "store"))
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrade whatsapp store: %w", err)
	}
	return container, nil
}

// WhatsAppAdapter implements channel.Adapter and channel.Receiver for
// multi-device WhatsApp sessions. Unpaired accounts start in pairing and
// expose a rotating QR code.
type WhatsAppAdapter struct {
	logger    *slog.Logger
	container *sqlstore.Container
	pairWait  time.Duration
}

// NewWhatsAppAdapter creates a WhatsAppAdapter over a session store.
func NewWhatsAppAdapter(log *slog.Logger, container *sqlstore.Container) *WhatsAppAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &WhatsAppAdapter{
		logger:    log.With(slog.String("adapter", "whatsapp")),
		container: container,
		pairWait:  defaultPairWait,
	}
}

// Platform returns the WhatsApp platform.
func (a *WhatsAppAdapter) Platform() message.Platform {
	return message.PlatformWhatsApp
}

// Descriptor returns the WhatsApp platform metadata.
func (a *WhatsAppAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Platform:    message.PlatformWhatsApp,
		DisplayName: "WhatsApp",
		Scope:       channel.ScopeUser,
		Pairing:     true,
	}
}

// Connect resumes the stored device for acct, or starts QR pairing when
// there is none. A pairing connect returns once the first code is ready.
func (a *WhatsAppAdapter) Connect(ctx context.Context, key channel.Key, acct accounts.Account, sink channel.Sink) (channel.Connection, error) {
	if a.container == nil {
		return nil, errors.New("whatsapp session store is not configured")
	}
	device, err := a.device(ctx, acct)
	if err != nil {
		return nil, err
	}
	logger := a.logger.With(slog.String("user_id", key.UserID))
	client := whatsmeow.NewClient(device, newWALogger(logger, "client"))
	client.EnableAutoReconnect = true

	connCtx, cancel := context.WithCancel(ctx)
	conn := &Connection{
		client: client,
		logger: logger,
		sink:   sink,
		qrDone: make(chan struct{}),
	}
	status := channel.StatusConnected
	if client.Store.ID == nil {
		status = channel.StatusPairing
	}
	conn.BaseConnection = channel.NewConnection(key, status, func(context.Context) error {
		conn.logger.Info("stop")
		cancel()
		client.RemoveEventHandlers()
		client.Disconnect()
		<-conn.qrDone
		return nil
	})
	client.AddEventHandler(conn.handleEvent)

	if status != channel.StatusPairing {
		close(conn.qrDone)
		if err := client.Connect(); err != nil {
			cancel()
			return nil, fmt.Errorf("connect whatsapp: %w", err)
		}
		logger.Info("session resumed", slog.String("jid", client.Store.ID.String()))
		return conn, nil
	}

	qrItems, err := client.GetQRChannel(connCtx)
	if err != nil {
		cancel()
		close(conn.qrDone)
		return nil, fmt.Errorf("open qr channel: %w", err)
	}
	firstCode := make(chan struct{})
	go conn.watchQR(qrItems, firstCode)
	if err := client.Connect(); err != nil {
		cancel()
		<-conn.qrDone
		return nil, fmt.Errorf("connect whatsapp: %w", err)
	}
	select {
	case <-firstCode:
	case <-time.After(a.pairWait):
		logger.Warn("no qr code yet", slog.Duration("waited", a.pairWait))
	case <-ctx.Done():
	}
	return conn, nil
}

func (a *WhatsAppAdapter) device(ctx context.Context, acct accounts.Account) (*store.Device, error) {
	raw := acct.Credential(CredJID)
	if raw == "" {
		return a.container.NewDevice(), nil
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		a.logger.Warn("stored jid is invalid, pairing again", slog.String("jid", raw), slog.Any("error", err))
		return a.container.NewDevice(), nil
	}
	device, err := a.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("load whatsapp device: %w", err)
	}
	if device == nil {
		a.logger.Info("stored device missing, pairing again", slog.String("jid", raw))
		return a.container.NewDevice(), nil
	}
	return device, nil
}

// Connection is one user's WhatsApp socket.
type Connection struct {
	*channel.BaseConnection
	client *whatsmeow.Client
	logger *slog.Logger
	sink   channel.Sink
	qrDone chan struct{}

	mu      sync.RWMutex
	qrCode  string
	qrImage string
}

func (c *Connection) watchQR(items <-chan whatsmeow.QRChannelItem, firstCode chan<- struct{}) {
	defer close(c.qrDone)
	var once sync.Once
	signal := func() { once.Do(func() { close(firstCode) }) }
	defer signal()
	for item := range items {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.setQR(item.Code)
			signal()
		case "success":
			c.setQR("")
			c.logger.Info("pairing succeeded")
		case "timeout":
			c.setQR("")
			c.SetStatus(channel.StatusDisconnected)
			c.sink.ReportStatus(c.Key(), channel.StatusDisconnected, errors.New("whatsapp qr pairing timed out"))
		default:
			c.setQR("")
			err := item.Error
			if err == nil {
				err = fmt.Errorf("whatsapp pairing failed: %s", item.Event)
			}
			c.SetStatus(channel.StatusDisconnected)
			c.sink.ReportStatus(c.Key(), channel.StatusDisconnected, err)
		}
	}
}

func (c *Connection) setQR(code string) {
	image := ""
	if code != "" {
		rendered, err := renderQR(code)
		if err != nil {
			c.logger.Warn("render qr failed", slog.Any("error", err))
		}
		image = rendered
	}
	c.mu.Lock()
	c.qrCode = code
	c.qrImage = image
	c.mu.Unlock()
}

// QR returns the current pairing code while the connection is pairing.
func (c *Connection) QR() (string, string, bool) {
	if c.Status() != channel.StatusPairing {
		return "", "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.qrCode == "" {
		return "", "", false
	}
	return c.qrCode, c.qrImage, true
}

// Credentials reports the paired identity.
func (c *Connection) Credentials() map[string]any {
	if c.client == nil || c.client.Store == nil || c.client.Store.ID == nil {
		return nil
	}
	return map[string]any{
		CredJID:      c.client.Store.ID.String(),
		CredPushName: c.client.Store.PushName,
	}
}

// Send posts a text message. roomID is a chat JID or a bare phone number.
func (c *Connection) Send(ctx context.Context, roomID, content string) (channel.Receipt, error) {
	jid, err := parseTarget(roomID)
	if err != nil {
		return channel.Receipt{}, err
	}
	resp, err := c.client.SendMessage(ctx, jid, textMessage(content))
	if err != nil {
		return channel.Receipt{}, err
	}
	sender := ""
	if c.client.Store.ID != nil {
		sender = c.client.Store.ID.ToNonAD().String()
	}
	ts := resp.Timestamp.UTC()
	if resp.Timestamp.IsZero() {
		ts = time.Now().UTC()
	}
	return channel.Receipt{
		MessageID: resp.ID,
		RoomID:    jid.String(),
		Sender:    sender,
		Timestamp: ts,
	}, nil
}

// ListContacts returns the session's address book.
func (c *Connection) ListContacts(ctx context.Context) (map[string]string, error) {
	contacts, err := c.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list whatsapp contacts: %w", err)
	}
	out := make(map[string]string, len(contacts))
	for jid, info := range contacts {
		out[jid.String()] = contactName(jid, info)
	}
	return out, nil
}

func parseTarget(roomID string) (types.JID, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return types.JID{}, errors.New("whatsapp target is required")
	}
	if !strings.Contains(roomID, "@") {
		phone := strings.TrimPrefix(roomID, "+")
		for _, r := range phone {
			if r < '0' || r > '9' {
				return types.JID{}, fmt.Errorf("whatsapp target must be a jid or phone number")
			}
		}
		return types.NewJID(phone, types.DefaultUserServer), nil
	}
	return types.ParseJID(roomID)
}

// contactName prefers the full name, then the push name, then the JID.
func contactName(jid types.JID, info types.ContactInfo) string {
	if name := strings.TrimSpace(info.FullName); name != "" {
		return name
	}
	if name := strings.TrimSpace(info.PushName); name != "" {
		return name
	}
	return jid.String()
}

// renderQR encodes code as a PNG data URL.
func renderQR(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/memohai/omnibox/internal/accounts"
	"github.com/memohai/omnibox/internal/message"
)

// AccountStore persists accounts for lifecycle orchestration.
type AccountStore interface {
	Upsert(ctx context.Context, userID string, platform message.Platform, credentials map[string]any) (accounts.Account, error)
	Get(ctx context.Context, userID string, platform message.Platform) (accounts.Account, error)
	ListByPlatform(ctx context.Context, platform message.Platform) ([]accounts.Account, error)
	Delete(ctx context.Context, userID string, platform message.Platform) error
}

// ConnectionController controls runtime connections.
type ConnectionController interface {
	Connect(ctx context.Context, key Key, acct accounts.Account) (Connection, error)
	Ensure(ctx context.Context, key Key, acct accounts.Account) (Connection, error)
	Disconnect(ctx context.Context, key Key) error
	Get(key Key) (Connection, bool)
	Status(key Key) ConnectionStatus
}

// StatusReport is the user-facing status of one platform.
type StatusReport struct {
	ConnectionStatus
	QRCode  string `json:"qrCode,omitempty"`
	QRImage string `json:"qrImage,omitempty"`
}

// Lifecycle coordinates persisted accounts and runtime connection state.
type Lifecycle struct {
	registry   *Registry
	accounts   AccountStore
	controller ConnectionController
	logger     *slog.Logger
}

// NewLifecycle creates a lifecycle coordinator from storage and connection controller.
func NewLifecycle(log *slog.Logger, registry *Registry, store AccountStore, controller ConnectionController) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	return &Lifecycle{
		registry:   registry,
		accounts:   store,
		controller: controller,
		logger:     log.With(slog.String("component", "channel_lifecycle")),
	}
}

// Initiate starts the connection flow of platform for userID. Pairing
// platforms start a connection right away and report the pairing payload.
func (s *Lifecycle) Initiate(ctx context.Context, userID string, platform message.Platform) (Initiation, error) {
	desc, ok := s.registry.GetDescriptor(platform)
	if !ok {
		return Initiation{}, fmt.Errorf("%w: %s", ErrUnsupported, platform)
	}
	key := s.registry.KeyFor(platform, userID)
	if desc.Pairing {
		acct, err := s.accounts.Get(ctx, userID, platform)
		if err != nil {
			if !errors.Is(err, accounts.ErrNotFound) {
				return Initiation{}, err
			}
			acct = accounts.Account{UserID: userID, Platform: platform}
		}
		conn, err := s.controller.Connect(ctx, key, acct)
		if err != nil {
			return Initiation{}, fmt.Errorf("%w: %w", ErrEnableChannelFailed, err)
		}
		init := Initiation{Status: conn.Status()}
		if qr, ok := conn.(QRProvider); ok {
			init.QRCode, init.QRImage, _ = qr.QR()
		}
		return init, nil
	}
	if initiator, ok := s.registry.GetInitiator(platform); ok {
		return initiator.Initiate(ctx, userID)
	}
	return Initiation{Status: s.controller.Status(key).Status}, nil
}

// Finalize validates input, stores the resulting credentials and force
// restarts the connection. If the connection cannot start, the previous
// account state is restored. Process-wide sessions are shared by every
// user, so linking one only makes sure the session runs and never restarts
// or stops it.
func (s *Lifecycle) Finalize(ctx context.Context, userID string, platform message.Platform, input map[string]string) (accounts.Account, error) {
	if s.accounts == nil || s.controller == nil {
		return accounts.Account{}, fmt.Errorf("channel lifecycle not configured")
	}
	finalizer, ok := s.registry.GetFinalizer(platform)
	if !ok {
		return accounts.Account{}, fmt.Errorf("%w: %s cannot be finalized", ErrUnsupported, platform)
	}
	credentials, err := finalizer.Finalize(ctx, userID, input)
	if err != nil {
		return accounts.Account{}, err
	}

	previous, hadPrevious, err := s.getPreviousAccount(ctx, userID, platform)
	if err != nil {
		return accounts.Account{}, err
	}
	acct, err := s.accounts.Upsert(ctx, userID, platform, credentials)
	if err != nil {
		return accounts.Account{}, err
	}
	key := s.registry.KeyFor(platform, userID)
	if desc, ok := s.registry.GetDescriptor(platform); ok && desc.Scope == ScopeProcess {
		if _, err := s.controller.Ensure(ctx, key, acct); err != nil {
			if rollbackErr := s.restoreAccount(ctx, userID, platform, hadPrevious, previous); rollbackErr != nil {
				return accounts.Account{}, fmt.Errorf("%w (rollback failed: %v): %w", ErrEnableChannelFailed, rollbackErr, err)
			}
			return accounts.Account{}, fmt.Errorf("%w: %w", ErrEnableChannelFailed, err)
		}
		s.logger.Info("account linked to shared session", slog.String("platform", platform.String()), slog.String("user_id", userID))
		return acct, nil
	}
	if _, err := s.controller.Connect(ctx, key, acct); err != nil {
		if rollbackErr := s.rollbackUpsert(ctx, key, hadPrevious, previous); rollbackErr != nil {
			return accounts.Account{}, fmt.Errorf("%w (rollback failed: %v): %w", ErrEnableChannelFailed, rollbackErr, err)
		}
		return accounts.Account{}, fmt.Errorf("%w: %w", ErrEnableChannelFailed, err)
	}
	s.logger.Info("account finalized", slog.String("platform", platform.String()), slog.String("user_id", userID))
	return acct, nil
}

// Status reports the connection state of platform for userID. A connected
// session whose account was never stored is persisted here.
func (s *Lifecycle) Status(ctx context.Context, userID string, platform message.Platform) (StatusReport, error) {
	if _, ok := s.registry.Get(platform); !ok {
		return StatusReport{}, fmt.Errorf("%w: %s", ErrUnsupported, platform)
	}
	key := s.registry.KeyFor(platform, userID)
	report := StatusReport{ConnectionStatus: s.controller.Status(key)}
	conn, ok := s.controller.Get(key)
	if !ok {
		return report, nil
	}
	if qr, ok := conn.(QRProvider); ok && report.Status == StatusPairing {
		report.QRCode, report.QRImage, _ = qr.QR()
	}
	if report.Status == StatusConnected && key.UserID != "" {
		if src, ok := conn.(CredentialSource); ok {
			if err := s.persistIfMissing(ctx, key, src.Credentials()); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}

// Restore reconnects every stored account and every process-wide platform.
// Failures are recorded per key and never stop the others.
func (s *Lifecycle) Restore(ctx context.Context) {
	for _, adapter := range s.registry.List() {
		platform := adapter.Platform()
		if _, ok := s.registry.GetReceiver(platform); !ok {
			continue
		}
		if adapter.Descriptor().Scope == ScopeProcess {
			s.ensure(ctx, Key{Platform: platform}, accounts.Account{Platform: platform})
			continue
		}
		items, err := s.accounts.ListByPlatform(ctx, platform)
		if err != nil {
			s.logger.Error("list accounts failed", slog.String("platform", platform.String()), slog.Any("error", err))
			continue
		}
		for _, acct := range items {
			s.ensure(ctx, Key{Platform: platform, UserID: acct.UserID}, acct)
		}
	}
}

func (s *Lifecycle) ensure(ctx context.Context, key Key, acct accounts.Account) {
	if _, err := s.controller.Ensure(ctx, key, acct); err != nil {
		s.logger.Error("connection restore failed", slog.String("key", key.String()), slog.Any("error", err))
	}
}

func (s *Lifecycle) persistIfMissing(ctx context.Context, key Key, credentials map[string]any) error {
	if len(credentials) == 0 {
		return nil
	}
	_, err := s.accounts.Get(ctx, key.UserID, key.Platform)
	if err == nil {
		return nil
	}
	if !errors.Is(err, accounts.ErrNotFound) {
		return err
	}
	_, err = s.accounts.Upsert(ctx, key.UserID, key.Platform, credentials)
	return err
}

func (s *Lifecycle) getPreviousAccount(ctx context.Context, userID string, platform message.Platform) (accounts.Account, bool, error) {
	acct, err := s.accounts.Get(ctx, userID, platform)
	if err == nil {
		return acct, true, nil
	}
	if errors.Is(err, accounts.ErrNotFound) {
		return accounts.Account{}, false, nil
	}
	return accounts.Account{}, false, err
}

// restoreAccount puts the stored account back the way it was before a
// failed finalize.
func (s *Lifecycle) restoreAccount(ctx context.Context, userID string, platform message.Platform, hadPrevious bool, previous accounts.Account) error {
	if !hadPrevious {
		if err := s.accounts.Delete(ctx, userID, platform); err != nil && !errors.Is(err, accounts.ErrNotFound) {
			return err
		}
		return nil
	}
	_, err := s.accounts.Upsert(ctx, userID, platform, previous.Credentials)
	return err
}

func (s *Lifecycle) rollbackUpsert(ctx context.Context, key Key, hadPrevious bool, previous accounts.Account) error {
	if !hadPrevious {
		if err := s.accounts.Delete(ctx, key.UserID, key.Platform); err != nil && !errors.Is(err, accounts.ErrNotFound) {
			return err
		}
		return s.controller.Disconnect(ctx, key)
	}
	restored, err := s.accounts.Upsert(ctx, key.UserID, key.Platform, previous.Credentials)
	if err != nil {
		return err
	}
	_, err = s.controller.Connect(ctx, key, restored)
	return err
}

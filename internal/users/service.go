package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/memohai/omnibox/internal/config"
)

const defaultAdminPassword = "change-your-password-here"

// Service implements signup, login and the startup admin bootstrap.
type Service struct {
	store  Store
	logger *slog.Logger
	cost   int
}

// NewService creates a user service.
func NewService(log *slog.Logger, store Store) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, logger: log.With(slog.String("service", "users")), cost: bcrypt.DefaultCost}
}

// Signup registers a member account.
func (s *Service) Signup(ctx context.Context, email, username, password string) (User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return User{}, fmt.Errorf("email and password are required")
	}
	if strings.TrimSpace(username) == "" {
		username = strings.SplitN(email, "@", 2)[0]
	}
	return s.create(ctx, email, username, password, RoleMember)
}

// Login verifies credentials. Unknown emails and wrong passwords are
// indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (User, error) {
	u, err := s.store.GetByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	return s.store.GetByID(ctx, id)
}

// EnsureAdmin creates the configured admin when no user exists yet.
func (s *Service) EnsureAdmin(ctx context.Context, cfg config.AdminConfig) error {
	count, err := s.store.Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	username := strings.TrimSpace(cfg.Username)
	password := strings.TrimSpace(cfg.Password)
	email := strings.TrimSpace(cfg.Email)
	if email == "" || password == "" {
		return fmt.Errorf("admin email/password required in config.toml")
	}
	if password == defaultAdminPassword {
		s.logger.Warn("admin password uses default placeholder; please update config.toml")
	}
	if _, err := s.create(ctx, email, username, password, RoleAdmin); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	s.logger.Info("admin user created", slog.String("email", email))
	return nil
}

func (s *Service) create(ctx context.Context, email, username, password, role string) (User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return User{}, err
	}
	return s.store.Create(ctx, User{
		Email:        email,
		Username:     strings.TrimSpace(username),
		PasswordHash: string(hashed),
		Role:         role,
	})
}

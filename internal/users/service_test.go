package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/memohai/omnibox/internal/config"
)

func newTestService() *Service {
	svc := NewService(nil, NewMemoryStore())
	svc.cost = bcrypt.MinCost
	return svc
}

func TestSignupAndLogin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService()

	u, err := svc.Signup(ctx, "Ada@Example.com", "", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", u.Email)
	assert.Equal(t, "Ada", u.Username)
	assert.Equal(t, RoleMember, u.Role)
	assert.NotEqual(t, "s3cret", u.PasswordHash)

	got, err := svc.Login(ctx, "ada@example.com", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = svc.Login(ctx, "ada@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "nobody@example.com", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSignupRejectsDuplicateEmail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService()

	_, err := svc.Signup(ctx, "a@example.com", "a", "pw")
	require.NoError(t, err)
	_, err = svc.Signup(ctx, "A@example.com", "b", "pw")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestEnsureAdminOnlyOnEmptyStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService()
	cfg := config.AdminConfig{Username: "admin", Password: "pw", Email: "admin@example.com"}

	require.NoError(t, svc.EnsureAdmin(ctx, cfg))
	require.NoError(t, svc.EnsureAdmin(ctx, cfg))

	count, err := svc.store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	admin, err := svc.Login(ctx, "admin@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, admin.Role)
}

func TestEnsureAdminRequiresCredentials(t *testing.T) {
	t.Parallel()
	svc := newTestService()
	assert.Error(t, svc.EnsureAdmin(context.Background(), config.AdminConfig{Username: "admin"}))
}

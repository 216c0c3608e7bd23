package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contextWithToken(t *testing.T, raw, secret string) echo.Context {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	require.NoError(t, err)
	c.Set("user", token)
	return c
}

func TestRefreshTokenFromContext(t *testing.T) {
	secret := "test-secret"
	userID := "user-123"

	initialTokenStr, _, err := GenerateToken(userID, "member", secret, 5*time.Minute)
	require.NoError(t, err)
	c := contextWithToken(t, initialTokenStr, secret)
	original := c.Get("user").(*jwt.Token).Claims.(jwt.MapClaims)
	origIat := int64(original["iat"].(float64))

	// Let a second pass so the new token has a later iat.
	time.Sleep(1 * time.Second)

	newTokenStr, newExpiresAt, err := RefreshTokenFromContext(c, secret, time.Hour)
	require.NoError(t, err)

	newToken, err := jwt.Parse(newTokenStr, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	require.NoError(t, err)
	newClaims := newToken.Claims.(jwt.MapClaims)

	assert.Equal(t, userID, newClaims[claimSubject])
	assert.Equal(t, userID, newClaims[claimUserID])
	assert.Equal(t, "member", newClaims[claimRole])

	newIat := int64(newClaims["iat"].(float64))
	newExp := int64(newClaims["exp"].(float64))
	assert.Greater(t, newIat, origIat)
	// The original five minute lifetime is kept rather than the fallback hour.
	assert.Equal(t, int64(5*60), newExp-newIat)
	assert.Equal(t, newExpiresAt.Unix(), newExp)
}

func TestRefreshTokenFromContext_MissingUser(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())

	_, _, err := RefreshTokenFromContext(c, "test-secret", time.Hour)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
	assert.Equal(t, "invalid token", httpErr.Message)
}

func TestUserIDAndRoleFromContext(t *testing.T) {
	raw, _, err := GenerateToken("u-1", "admin", "s", time.Minute)
	require.NoError(t, err)
	c := contextWithToken(t, raw, "s")

	userID, err := UserIDFromContext(c)
	require.NoError(t, err)
	assert.Equal(t, "u-1", userID)
	assert.Equal(t, "admin", RoleFromContext(c))
}

func TestGenerateTokenValidates(t *testing.T) {
	_, _, err := GenerateToken("", "", "s", time.Minute)
	assert.Error(t, err)
	_, _, err = GenerateToken("u", "", "", time.Minute)
	assert.Error(t, err)
	_, _, err = GenerateToken("u", "", "s", 0)
	assert.Error(t, err)
}

func TestStateTokenRoundTrip(t *testing.T) {
	raw, err := GenerateStateToken(StateToken{UserID: "u-9", Platform: "slack"}, "s", time.Minute)
	require.NoError(t, err)

	info, err := ParseStateToken(raw, "s")
	require.NoError(t, err)
	assert.Equal(t, StateToken{UserID: "u-9", Platform: "slack"}, info)

	_, err = ParseStateToken(raw, "other-secret")
	assert.Error(t, err)
}

func TestStateTokenIsNotASession(t *testing.T) {
	raw, err := GenerateStateToken(StateToken{UserID: "u-9", Platform: "slack"}, "s", time.Minute)
	require.NoError(t, err)
	c := contextWithToken(t, raw, "s")

	_, err = UserIDFromContext(c)
	assert.Error(t, err)
}

func TestSessionTokenIsNotAState(t *testing.T) {
	raw, _, err := GenerateToken("u", "", "s", time.Minute)
	require.NoError(t, err)
	_, err = ParseStateToken(raw, "s")
	assert.Error(t, err)
}

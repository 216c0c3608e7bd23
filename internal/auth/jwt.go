package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject   = "sub"
	claimUserID    = "user_id"
	claimRole      = "role"
	claimType      = "typ"
	claimPlatform  = "platform"
	stateTokenType = "oauth_state"
)

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
// Tokens are read from the Authorization header or the token query
// parameter, which browsers need for WebSocket and EventSource.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

func claimsFromContext(c echo.Context) (jwt.MapClaims, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	if claimString(claims, claimType) == stateTokenType {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "state token is not a session")
	}
	return claims, nil
}

// UserIDFromContext extracts the user id from JWT claims.
func UserIDFromContext(c echo.Context) (string, error) {
	claims, err := claimsFromContext(c)
	if err != nil {
		return "", err
	}
	if userID := claimString(claims, claimUserID); userID != "" {
		return userID, nil
	}
	if userID := claimString(claims, claimSubject); userID != "" {
		return userID, nil
	}
	return "", echo.NewHTTPError(http.StatusUnauthorized, "user id missing")
}

// RoleFromContext returns the role claim, empty for tokens without one.
func RoleFromContext(c echo.Context) string {
	claims, err := claimsFromContext(c)
	if err != nil {
		return ""
	}
	return claimString(claims, claimRole)
}

// GenerateToken creates a signed session JWT for the user.
func GenerateToken(userID, role, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimSubject: userID,
		claimUserID:  userID,
		"iat":        now.Unix(),
		"exp":        expiresAt.Unix(),
	}
	if role != "" {
		claims[claimRole] = role
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// RefreshTokenFromContext reissues the session token in c with a fresh
// expiry, keeping the original lifetime when it can be read.
func RefreshTokenFromContext(c echo.Context, secret string, fallback time.Duration) (string, time.Time, error) {
	claims, err := claimsFromContext(c)
	if err != nil {
		return "", time.Time{}, err
	}
	userID := claimString(claims, claimUserID)
	if userID == "" {
		userID = claimString(claims, claimSubject)
	}
	lifetime := fallback
	iat, iatErr := claims.GetIssuedAt()
	exp, expErr := claims.GetExpirationTime()
	if iatErr == nil && expErr == nil && iat != nil && exp != nil {
		if d := exp.Sub(iat.Time); d > 0 {
			lifetime = d
		}
	}
	return GenerateToken(userID, claimString(claims, claimRole), secret, lifetime)
}

// StateToken binds an OAuth round trip to the user who started it.
type StateToken struct {
	UserID   string
	Platform string
}

// GenerateStateToken signs an OAuth state value.
func GenerateStateToken(info StateToken, secret string, expiresIn time.Duration) (string, error) {
	if strings.TrimSpace(info.UserID) == "" {
		return "", fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("jwt secret is required")
	}
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		claimType:     stateTokenType,
		claimUserID:   info.UserID,
		claimPlatform: info.Platform,
		"iat":         now.Unix(),
		"exp":         now.Add(expiresIn).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseStateToken verifies an OAuth state value produced by GenerateStateToken.
func ParseStateToken(raw, secret string) (StateToken, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return StateToken{}, fmt.Errorf("parse state: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || claimString(claims, claimType) != stateTokenType {
		return StateToken{}, errors.New("invalid state token")
	}
	info := StateToken{
		UserID:   claimString(claims, claimUserID),
		Platform: claimString(claims, claimPlatform),
	}
	if info.UserID == "" {
		return StateToken{}, errors.New("state token missing user")
	}
	return info, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}

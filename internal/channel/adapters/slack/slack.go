package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/memohai/omnibox/internal/accounts"
	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/message"
)

const (
	authorizeURL       = "https://slack.com/oauth/v2/authorize"
	tokenURL           = "https://slack.com/api/oauth.v2.access"
	defaultCallTimeout = 15 * time.Second
	historyLimit       = 50
	pullPageLimit      = 200
	channelPageLimit   = 200
)

// Credential keys stored on the account.
const (
	CredAccessToken = "access_token"
	CredTeamID      = "team_id"
	CredTeamName    = "team_name"
	CredAuthedUser  = "authed_user"
	CredBotUserID   = "bot_user_id"
)

// Scopes requested during installation.
var Scopes = []string{
	"channels:history",
	"channels:read",
	"chat:write",
	"groups:history",
	"groups:read",
	"im:history",
	"im:read",
	"users:read",
}

// StateSigner produces the opaque OAuth state for a user.
type StateSigner func(userID string) (string, error)

// Config holds the Slack app settings.
type Config struct {
	ClientID      string
	ClientSecret  string
	RedirectURI   string
	RatePerSecond float64
	CallTimeout   time.Duration
}

// SlackAdapter implements channel.Adapter, channel.Receiver, channel.Initiator
// and channel.Finalizer. Connections are per account and hold only a REST
// client; inbound traffic is pulled.
type SlackAdapter struct {
	logger     *slog.Logger
	cfg        Config
	oauth      *oauth2.Config
	state      StateSigner
	httpClient *http.Client
	apiURL     string
}

// NewSlackAdapter creates a SlackAdapter.
func NewSlackAdapter(log *slog.Logger, cfg Config, state StateSigner) *SlackAdapter {
	if log == nil {
		log = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &SlackAdapter{
		logger: log.With(slog.String("adapter", "slack")),
		cfg:    cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint:     oauth2.Endpoint{AuthURL: authorizeURL, TokenURL: tokenURL},
			// Slack expects a comma separated scope list.
			Scopes: []string{strings.Join(Scopes, ",")},
		},
		state:      state,
		httpClient: &http.Client{Timeout: cfg.CallTimeout},
	}
}

// Platform returns the Slack platform.
func (a *SlackAdapter) Platform() message.Platform {
	return message.PlatformSlack
}

// Descriptor returns the Slack platform metadata.
func (a *SlackAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Platform:    message.PlatformSlack,
		DisplayName: "Slack",
		Scope:       channel.ScopeUser,
	}
}

// Initiate returns the OAuth authorize URL for the user.
func (a *SlackAdapter) Initiate(_ context.Context, userID string) (channel.Initiation, error) {
	if strings.TrimSpace(a.cfg.ClientID) == "" {
		return channel.Initiation{}, errors.New("slack oauth is not configured")
	}
	if a.state == nil {
		return channel.Initiation{}, errors.New("slack oauth state signer is not configured")
	}
	state, err := a.state(userID)
	if err != nil {
		return channel.Initiation{}, fmt.Errorf("sign oauth state: %w", err)
	}
	return channel.Initiation{
		Status:       channel.StatusDisconnected,
		AuthURL:      a.oauth.AuthCodeURL(state),
		Instructions: "Open authUrl and approve the app; Slack redirects back to finish the connection.",
	}, nil
}

// Finalize exchanges an OAuth code, or validates a pasted bot token, and
// returns the credentials to store.
func (a *SlackAdapter) Finalize(ctx context.Context, userID string, input map[string]string) (map[string]any, error) {
	if token := strings.TrimSpace(input[CredAccessToken]); token != "" {
		auth, err := a.newClient(token).AuthTestContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("validate slack token: %w", err)
		}
		return map[string]any{
			CredAccessToken: token,
			CredTeamID:      auth.TeamID,
			CredTeamName:    auth.Team,
			CredBotUserID:   auth.UserID,
		}, nil
	}
	code := strings.TrimSpace(input["code"])
	if code == "" {
		return nil, &message.ValidationError{Field: "code", Reason: "required"}
	}
	resp, err := slackapi.GetOAuthV2ResponseContext(ctx, a.httpClient, a.cfg.ClientID, a.cfg.ClientSecret, code, a.cfg.RedirectURI)
	if err != nil {
		a.logger.Warn("oauth exchange failed", slog.String("user_id", userID), slog.Any("error", err))
		return nil, fmt.Errorf("exchange slack code: %w", err)
	}
	return map[string]any{
		CredAccessToken: resp.AccessToken,
		CredTeamID:      resp.Team.ID,
		CredTeamName:    resp.Team.Name,
		CredAuthedUser:  resp.AuthedUser.ID,
		CredBotUserID:   resp.BotUserID,
	}, nil
}

func (a *SlackAdapter) newClient(token string) *slackapi.Client {
	opts := []slackapi.Option{slackapi.OptionHTTPClient(a.httpClient)}
	if a.apiURL != "" {
		opts = append(opts, slackapi.OptionAPIURL(a.apiURL))
	}
	return slackapi.New(token, opts...)
}

// Connect verifies the stored token with auth.test.
func (a *SlackAdapter) Connect(ctx context.Context, key channel.Key, acct accounts.Account, _ channel.Sink) (channel.Connection, error) {
	token := acct.Credential(CredAccessToken)
	if token == "" {
		return nil, errors.New("slack account has no access_token")
	}
	client := a.newClient(token)
	authCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()
	auth, err := client.AuthTestContext(authCtx)
	if err != nil {
		a.logger.Error("auth test failed", slog.String("user_id", key.UserID), slog.Any("error", err))
		return nil, err
	}

	limit := rate.Inf
	if a.cfg.RatePerSecond > 0 {
		limit = rate.Limit(a.cfg.RatePerSecond)
	}
	conn := &Connection{
		client:    client,
		logger:    a.logger.With(slog.String("user_id", key.UserID), slog.String("team_id", auth.TeamID)),
		limiter:   rate.NewLimiter(limit, 1),
		teamID:    auth.TeamID,
		botUserID: auth.UserID,
		botID:     auth.BotID,
		users:     newUserCache(),
	}
	conn.BaseConnection = channel.NewConnection(key, channel.StatusConnected, func(context.Context) error {
		conn.logger.Info("stop")
		return nil
	})
	conn.logger.Info("connected", slog.String("team", auth.Team))
	return conn, nil
}

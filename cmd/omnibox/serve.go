package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/omnibox/internal/accounts"
	"github.com/memohai/omnibox/internal/auth"
	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/channel/adapters/matrix"
	"github.com/memohai/omnibox/internal/channel/adapters/slack"
	"github.com/memohai/omnibox/internal/channel/adapters/telegram"
	"github.com/memohai/omnibox/internal/channel/adapters/whatsapp"
	"github.com/memohai/omnibox/internal/config"
	"github.com/memohai/omnibox/internal/db"
	"github.com/memohai/omnibox/internal/handlers"
	"github.com/memohai/omnibox/internal/healthcheck"
	channelchecker "github.com/memohai/omnibox/internal/healthcheck/checkers/channel"
	"github.com/memohai/omnibox/internal/inbox"
	"github.com/memohai/omnibox/internal/ingest"
	"github.com/memohai/omnibox/internal/logger"
	"github.com/memohai/omnibox/internal/message"
	"github.com/memohai/omnibox/internal/message/event"
	"github.com/memohai/omnibox/internal/metrics"
	"github.com/memohai/omnibox/internal/ownership"
	"github.com/memohai/omnibox/internal/rules"
	"github.com/memohai/omnibox/internal/schedule"
	"github.com/memohai/omnibox/internal/server"
	"github.com/memohai/omnibox/internal/users"
)

const (
	stateTokenTTL        = 10 * time.Minute
	defaultTelegramWait  = 5 * time.Second
	defaultSlackLookback = 24 * time.Hour
	defaultRulesTimeout  = 5 * time.Second
	defaultJWTLifetime   = 24 * time.Hour
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the adapters, the ingest pipeline and the HTTP API",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			runServe()
		},
	}
}

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideStores,
			provideMetrics,
			provideHub,
			provideRuleEngine,
			provideResolver,
			provideChannelRegistry,
			provideChannelManager,
			provideChannelLifecycle,
			providePipeline,
			provideInboxService,
			provideUserService,
			provideHealthChecker,
			provideSlackPoller,
			provideServerHandler(provideHealthHandler),
			provideServerHandler(provideAuthHandler),
			provideServerHandler(providePlatformsHandler),
			provideServerHandler(provideConnectHandler),
			provideServerHandler(provideAccountsHandler),
			provideServerHandler(provideMessagesHandler),
			provideServerHandler(handlers.NewSlackHandler),
			provideServerHandler(handlers.NewMatrixHandler),
			provideServerHandler(provideStreamHandler),
			provideServerHandler(provideMetricsHandler),
			provideServer,
		),
		fx.Invoke(
			wirePipeline,
			startChannelManager,
			startRedisRelay,
			startSlackPoller,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

type storesResult struct {
	fx.Out
	Messages message.Store
	Mappings ownership.MappingStore
	Accounts accounts.Store
	Users    users.Store
	// SQL backs the WhatsApp and Matrix session stores; nil with the memory driver.
	SQL      *sql.DB
}

func provideStores(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (storesResult, error) {
	if cfg.Storage.Driver == config.StorageMemory {
		log.Warn("using in-memory storage; nothing survives a restart")
		return storesResult{
			Messages: message.NewMemoryStore(),
			Mappings: ownership.NewMemoryMappingStore(),
			Accounts: accounts.NewMemoryStore(),
			Users:    users.NewMemoryStore(),
		}, nil
	}
	if err := db.Migrate(log, cfg.Postgres.DSN(), db.Up); err != nil {
		return storesResult{}, fmt.Errorf("db migrate: %w", err)
	}
	pool, err := db.Open(context.Background(), log, cfg.Postgres)
	if err != nil {
		return storesResult{}, fmt.Errorf("db connect: %w", err)
	}
	sqlDB := db.SQLDB(pool)
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		_ = sqlDB.Close()
		pool.Close()
		return nil
	}})
	return storesResult{
		Messages: message.NewPostgresStore(log, pool),
		Mappings: ownership.NewPostgresMappingStore(log, pool),
		Accounts: accounts.NewPostgresStore(log, pool),
		Users:    users.NewPostgresStore(pool),
		SQL:      sqlDB,
	}, nil
}

func provideMetrics() *metrics.Metrics { return metrics.New() }

func provideHub(lc fx.Lifecycle, log *slog.Logger, m *metrics.Metrics) *event.Hub {
	hub := event.NewHub(log)
	hub.OnDrop(m.EventDropped)
	lc.Append(fx.Hook{OnStop: func(context.Context) error { hub.Close(); return nil }})
	return hub
}

func provideRuleEngine(log *slog.Logger, cfg config.Config) rules.Engine {
	if cfg.Rules.Endpoint == "" {
		return rules.Nop{}
	}
	return rules.NewRemote(log, cfg.Rules.Endpoint, config.Duration(cfg.Rules.Timeout, defaultRulesTimeout))
}

func provideResolver(log *slog.Logger, cfg config.Config, mappings ownership.MappingStore, accts accounts.Store) *ownership.Resolver {
	return ownership.NewResolver(log, mappings, accts, ownership.WithStrictOwnership(cfg.Routing.StrictOwnership))
}

func provideChannelRegistry(log *slog.Logger, cfg config.Config, sqlDB *sql.DB) (*channel.Registry, error) {
	registry := channel.NewRegistry()
	registry.MustRegister(telegram.NewTelegramAdapter(log, config.Duration(cfg.Telegram.GracePeriod, defaultTelegramWait)))
	registry.MustRegister(slack.NewSlackAdapter(log, slack.Config{
		ClientID:      cfg.Slack.ClientID,
		ClientSecret:  cfg.Slack.ClientSecret,
		RedirectURI:   cfg.Slack.RedirectURI,
		RatePerSecond: cfg.Slack.RatePerSecond,
	}, func(userID string) (string, error) {
		return auth.GenerateStateToken(auth.StateToken{UserID: userID, Platform: message.PlatformSlack.String()}, cfg.Auth.JWTSecret, stateTokenTTL)
	}))

	switch {
	case !cfg.WhatsApp.Enabled:
	case sqlDB == nil:
		log.Warn("whatsapp needs the postgres storage driver; adapter disabled")
	default:
		container, err := whatsapp.OpenSessionStore(context.Background(), log, sqlDB)
		if err != nil {
			return nil, err
		}
		registry.MustRegister(whatsapp.NewWhatsAppAdapter(log, container))
	}

	if cfg.Matrix.Enabled() {
		adapter, err := matrix.NewMatrixAdapter(log, matrix.Config{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			DeviceID:    cfg.Matrix.DeviceID,
			PickleKey:   cfg.Matrix.PickleKey,
			SyncTimeout: config.Duration(cfg.Matrix.SyncTimeout, 0),
		}, sqlDB)
		if err != nil {
			return nil, err
		}
		registry.MustRegister(adapter)
	}
	return registry, nil
}

func provideChannelManager(log *slog.Logger, cfg config.Config, registry *channel.Registry, accts accounts.Store, m *metrics.Metrics) *channel.Manager {
	return channel.NewManager(log, registry, accts,
		channel.WithInbound(cfg.Routing.InboundWorkers, cfg.Routing.InboundQueue),
		channel.WithObserver(m),
	)
}

func provideChannelLifecycle(log *slog.Logger, registry *channel.Registry, accts accounts.Store, manager *channel.Manager) *channel.Lifecycle {
	return channel.NewLifecycle(log, registry, accts, manager)
}

func providePipeline(log *slog.Logger, resolver *ownership.Resolver, engine rules.Engine, store message.Store, hub *event.Hub, manager *channel.Manager, m *metrics.Metrics) *ingest.Pipeline {
	return ingest.NewPipeline(log, resolver, engine, store, hub, manager, ingest.WithObserver(m))
}

func provideInboxService(log *slog.Logger, accts accounts.Store, resolver *ownership.Resolver, store message.Store, manager *channel.Manager, pipeline *ingest.Pipeline) *inbox.Service {
	return inbox.NewService(log, accts, resolver, store, manager, pipeline)
}

func provideUserService(log *slog.Logger, store users.Store) *users.Service {
	return users.NewService(log, store)
}

func provideHealthChecker(log *slog.Logger, manager *channel.Manager) healthcheck.Checker {
	return channelchecker.NewChecker(log, manager)
}

func provideSlackPoller(log *slog.Logger, cfg config.Config, manager *channel.Manager, resolver *ownership.Resolver, store message.Store) *schedule.Poller {
	cursor := schedule.NewCursor(log, store, config.Duration(cfg.Slack.Lookback, defaultSlackLookback))
	return schedule.NewPoller(log, message.PlatformSlack, cfg.Slack.PollSchedule, manager, resolver, cursor)
}

func provideHealthHandler(log *slog.Logger, checker healthcheck.Checker) *handlers.HealthHandler {
	return handlers.NewHealthHandler(log, checker)
}

func provideAuthHandler(log *slog.Logger, userService *users.Service, cfg config.Config) *handlers.AuthHandler {
	return handlers.NewAuthHandler(log, userService, cfg.Auth.JWTSecret, config.Duration(cfg.Auth.JWTExpiresIn, defaultJWTLifetime))
}

func providePlatformsHandler(log *slog.Logger, accts accounts.Store, manager *channel.Manager) *handlers.PlatformsHandler {
	return handlers.NewPlatformsHandler(log, accts, manager)
}

func provideConnectHandler(log *slog.Logger, lifecycle *channel.Lifecycle, registry *channel.Registry, cfg config.Config) *handlers.ConnectHandler {
	return handlers.NewConnectHandler(log, lifecycle, registry, cfg.Auth.JWTSecret, cfg.Server.PublicURL)
}

func provideAccountsHandler(log *slog.Logger, accts accounts.Store, inboxService *inbox.Service) *handlers.AccountsHandler {
	return handlers.NewAccountsHandler(log, accts, inboxService)
}

func provideMessagesHandler(log *slog.Logger, inboxService *inbox.Service, registry *channel.Registry) *handlers.MessagesHandler {
	return handlers.NewMessagesHandler(log, inboxService, registry)
}

func provideStreamHandler(log *slog.Logger, hub *event.Hub) *handlers.StreamHandler {
	return handlers.NewStreamHandler(log, hub)
}

func provideMetricsHandler(m *metrics.Metrics) *handlers.MetricsHandler {
	return handlers.NewMetricsHandler(m.Handler())
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, handlers.NewValidator(), params.ServerHandlers...)
}

func wirePipeline(manager *channel.Manager, pipeline *ingest.Pipeline) {
	manager.SetProcessor(pipeline)
}

func startChannelManager(lc fx.Lifecycle, manager *channel.Manager, lifecycle *channel.Lifecycle) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			manager.Start(ctx)
			go lifecycle.Restore(ctx)
			return nil
		},
		OnStop: func(stopCtx context.Context) error { cancel(); return manager.Shutdown(stopCtx) },
	})
}

func startRedisRelay(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, hub *event.Hub) {
	if !cfg.Redis.Enabled() {
		return
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	relay := event.NewRedisRelay(log, client, hub, cfg.Redis.Channel)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis unreachable; relay starts anyway", slog.Any("error", err))
			}
			relay.Start(context.Background())
			return nil
		},
		OnStop: func(context.Context) error {
			relay.Stop()
			return client.Close()
		},
	})
}

func startSlackPoller(lc fx.Lifecycle, poller *schedule.Poller) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return poller.Start(context.Background()) },
		OnStop:  func(ctx context.Context) error { return poller.Stop(ctx) },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config, userService *users.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := userService.EnsureAdmin(ctx, cfg.Admin); err != nil {
				return err
			}
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			log.Info("http server listening", slog.String("addr", cfg.Server.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}

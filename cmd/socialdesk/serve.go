package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/socialdeskhq/socialdesk/internal/channel/credentials"
	"github.com/socialdeskhq/socialdesk/internal/config"
	"github.com/socialdeskhq/socialdesk/internal/conversation"
	"github.com/socialdeskhq/socialdesk/internal/db"
	"github.com/socialdeskhq/socialdesk/internal/fanout"
	"github.com/socialdeskhq/socialdesk/internal/handlers"
	"github.com/socialdeskhq/socialdesk/internal/identity"
	"github.com/socialdeskhq/socialdesk/internal/ingest"
	"github.com/socialdeskhq/socialdesk/internal/logger"
	"github.com/socialdeskhq/socialdesk/internal/media"
	"github.com/socialdeskhq/socialdesk/internal/media/providers/local"
	"github.com/socialdeskhq/socialdesk/internal/operators"
	"github.com/socialdeskhq/socialdesk/internal/platform/graph"
	"github.com/socialdeskhq/socialdesk/internal/reply"
	"github.com/socialdeskhq/socialdesk/internal/server"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideConversationStore,
			provideLockManager,
			provideCredentialStore,
			provideOperatorService,
			graph.NewClient,
			provideIdentityResolver,
			provideIdentitySweeper,
			provideMediaRelay,
			provideReplyEngine,
			fanout.NewHub,
			providePipeline,
			provideServerHandler(providePingHandler),
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(provideAuthHandler),
			provideServerHandler(provideConversationsHandler),
			provideServerHandler(provideSendHandler),
			provideServerHandler(provideIntegrationsHandler),
			provideServerHandler(provideMediaHandler),
			provideServerHandler(provideRealtimeHandler),
			provideServer,
		),
		fx.Invoke(
			startIdentitySweep,
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
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return config.Config{}, fmt.Errorf("auth.jwt_secret is required")
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideConversationStore(log *slog.Logger, conn *pgxpool.Pool) *conversation.Store {
	return conversation.NewStore(log, conn)
}

func provideLockManager(log *slog.Logger, conn *pgxpool.Pool) *conversation.LockManager {
	return conversation.NewLockManager(log, conn)
}

func provideCredentialStore(log *slog.Logger, conn *pgxpool.Pool) *credentials.Store {
	return credentials.NewStore(log, conn)
}

func provideOperatorService(log *slog.Logger, conn *pgxpool.Pool) *operators.Service {
	return operators.NewService(log, conn)
}

func provideIdentityResolver(log *slog.Logger, store *conversation.Store, client *graph.Client, creds *credentials.Store) *identity.Resolver {
	return identity.NewResolver(log, store, client, creds)
}

func provideIdentitySweeper(log *slog.Logger, resolver *identity.Resolver, store *conversation.Store) *identity.Sweeper {
	return identity.NewSweeper(log, resolver, store)
}

func provideMediaRelay(log *slog.Logger, cfg config.Config, client *graph.Client) (*media.Relay, error) {
	provider, err := local.New(cfg.Media.Dir)
	if err != nil {
		return nil, fmt.Errorf("init media storage: %w", err)
	}
	return media.NewRelay(log, provider, client, cfg.Server.PublicBaseURL, cfg.Media.MaxDownloadBytes), nil
}

func provideReplyEngine(log *slog.Logger, cfg config.Config) (*reply.Engine, error) {
	book, err := reply.LoadPriceBook(cfg.Reply.PriceTablePath)
	if err != nil {
		return nil, fmt.Errorf("load price table: %w", err)
	}
	window := reply.NewContextWindow(reply.MaxContextExchanges)
	var model reply.ModelClient
	if cfg.LLM.APIKey != "" {
		model = reply.NewLLMClient(log, cfg.LLM)
	}
	return reply.NewEngine(log, book, window, model, cfg.LLM.SystemPrompt), nil
}

func providePipeline(log *slog.Logger, cfg config.Config, store *conversation.Store, locks *conversation.LockManager, resolver *identity.Resolver, relay *media.Relay, engine *reply.Engine, client *graph.Client, creds *credentials.Store, hub *fanout.Hub) *ingest.Pipeline {
	return ingest.NewPipeline(log, ingest.PipelineParams{
		Store:                store,
		Locks:                locks,
		Identity:             resolver,
		Media:                relay,
		Replies:              engine,
		Sender:               client,
		Creds:                creds,
		Hub:                  hub,
		PersistOnSendFailure: cfg.Reply.PersistOnSendFailure,
	})
}

func providePingHandler(log *slog.Logger) *handlers.PingHandler {
	return handlers.NewPingHandler(log)
}

func provideWebhookHandler(log *slog.Logger, cfg config.Config, pipeline *ingest.Pipeline) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, cfg.Webhook.VerifyToken, pipeline)
}

func provideAuthHandler(log *slog.Logger, cfg config.Config, svc *operators.Service) *handlers.AuthHandler {
	return handlers.NewAuthHandler(log, svc, cfg.Auth.JWTSecret, jwtExpiry(cfg))
}

func provideConversationsHandler(log *slog.Logger, store *conversation.Store, locks *conversation.LockManager, sweeper *identity.Sweeper, hub *fanout.Hub) *handlers.ConversationsHandler {
	return handlers.NewConversationsHandler(log, store, locks, sweeper, hub)
}

func provideSendHandler(log *slog.Logger, store *conversation.Store, locks *conversation.LockManager, relay *media.Relay, client *graph.Client, creds *credentials.Store, hub *fanout.Hub) *handlers.SendHandler {
	return handlers.NewSendHandler(log, store, locks, relay, client, creds, hub)
}

func provideIntegrationsHandler(log *slog.Logger, creds *credentials.Store) *handlers.IntegrationsHandler {
	return handlers.NewIntegrationsHandler(log, creds)
}

func provideMediaHandler(log *slog.Logger, relay *media.Relay) *handlers.MediaHandler {
	return handlers.NewMediaHandler(log, relay)
}

func provideRealtimeHandler(log *slog.Logger, hub *fanout.Hub) *handlers.RealtimeHandler {
	return handlers.NewRealtimeHandler(log, hub)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func startIdentitySweep(lc fx.Lifecycle, cfg config.Config, sweeper *identity.Sweeper) {
	spec := cfg.Identity.RefreshCron
	if spec == "" {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return sweeper.Start(spec) },
		OnStop:  func(ctx context.Context) error { sweeper.Stop(); return nil },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, srv *server.Server, svc *operators.Service, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := db.Migrate(cfg.Postgres); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if err := svc.EnsureAdmin(ctx, cfg.Admin.Username, cfg.Admin.Password); err != nil {
				return fmt.Errorf("seed admin: %w", err)
			}
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
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

func jwtExpiry(cfg config.Config) time.Duration {
	d, err := time.ParseDuration(cfg.Auth.JWTExpiresIn)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

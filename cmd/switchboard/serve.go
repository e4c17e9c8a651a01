package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/channel/adapters/discord"
	"github.com/switchboardhq/switchboard/internal/channel/adapters/telegram"
	"github.com/switchboardhq/switchboard/internal/channel/adapters/terminal"
	"github.com/switchboardhq/switchboard/internal/config"
	"github.com/switchboardhq/switchboard/internal/conversation"
	"github.com/switchboardhq/switchboard/internal/db"
	"github.com/switchboardhq/switchboard/internal/engine"
	"github.com/switchboardhq/switchboard/internal/identity"
	"github.com/switchboardhq/switchboard/internal/logger"
	"github.com/switchboardhq/switchboard/internal/orchestrator"
	"github.com/switchboardhq/switchboard/internal/server"
	"github.com/switchboardhq/switchboard/internal/threadlock"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			runApp()
			return nil
		},
	}
}

func runApp() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,

			provideIdentityService,
			provideConversationService,
			provideLockRegistry,
			fx.Annotate(provideEngine, fx.As(new(engine.Engine))),
			provideOrchestrator,

			provideServerHandler(server.NewCatalogHandler),
			provideServer,
		),
		fx.Invoke(
			bootstrapIdentities,
			startChannels,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

func provideIdentityService(log *slog.Logger, pool *pgxpool.Pool, cfg config.Config) *identity.Service {
	return identity.NewService(log, pool, cfg.Identity)
}

func provideConversationService(log *slog.Logger, pool *pgxpool.Pool, cfg config.Config) *conversation.Service {
	return conversation.NewService(log, pool, cfg.Engine.Model, cfg.Engine.SystemPrompt)
}

func provideLockRegistry(cfg config.Config) *threadlock.Registry {
	return threadlock.NewRegistry(cfg.Limits.MaxQueueDepth)
}

func provideEngine(log *slog.Logger, cfg config.Config) *engine.HTTPEngine {
	return engine.NewHTTPEngine(log, cfg.Engine)
}

func provideOrchestrator(log *slog.Logger, identities *identity.Service, conversations *conversation.Service, locks *threadlock.Registry, eng engine.Engine, cfg config.Config) *orchestrator.Orchestrator {
	return orchestrator.New(log, identities, conversations, locks, eng, cfg.Limits.ShutdownDrain())
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

type serverParams struct {
	fx.In

	Logger   *slog.Logger
	Config   config.Config
	Handlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	if !params.Config.Server.Enabled {
		return nil
	}
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Handlers...)
}

// bootstrapIdentities materializes the statically linked identities before
// any channel starts delivering messages.
func bootstrapIdentities(lc fx.Lifecycle, identities *identity.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return identities.Bootstrap(ctx)
		},
	})
}

// startChannels connects every enabled adapter and routes their inbound
// messages through the orchestrator. On stop the adapters disconnect first,
// then in-flight turns are drained.
func startChannels(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, orch *orchestrator.Orchestrator) {
	handler := func(ctx context.Context, msg channel.InboundMessage, out channel.OutboundStream) error {
		return orch.HandleMessage(ctx, msg, out)
	}

	var conns []channel.Connection
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.Channels.Terminal.Enabled {
				conn, err := terminal.New(log).Connect(context.Background(), handler)
				if err != nil {
					return fmt.Errorf("terminal channel: %w", err)
				}
				conns = append(conns, conn)
			}
			if cfg.Channels.Telegram.Enabled {
				adapter, err := telegram.New(log, cfg.Channels.Telegram, cfg.Limits)
				if err != nil {
					return fmt.Errorf("telegram channel: %w", err)
				}
				conn, err := adapter.Connect(context.Background(), handler)
				if err != nil {
					return fmt.Errorf("telegram channel: %w", err)
				}
				conns = append(conns, conn)
			}
			if cfg.Channels.Discord.Enabled {
				adapter, err := discord.New(log, cfg.Channels.Discord, cfg.Limits)
				if err != nil {
					return fmt.Errorf("discord channel: %w", err)
				}
				conn, err := adapter.Connect(context.Background(), handler)
				if err != nil {
					return fmt.Errorf("discord channel: %w", err)
				}
				conns = append(conns, conn)
			}
			if len(conns) == 0 {
				return errors.New("no channels enabled")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			for _, conn := range conns {
				if err := conn.Stop(ctx); err != nil {
					log.Warn("channel stop failed",
						slog.String("channel", string(conn.ChannelType())),
						slog.Any("error", err))
				}
			}
			if err := orch.Drain(ctx); err != nil {
				log.Warn("shutdown drain incomplete", slog.Any("error", err))
			}
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	if srv == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
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

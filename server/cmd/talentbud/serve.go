package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"talentbud/server/internal/api"
	"talentbud/server/internal/auth"
	"talentbud/server/internal/cache"
	"talentbud/server/internal/checkpoint"
	"talentbud/server/internal/config"
	"talentbud/server/internal/interview"
	"talentbud/server/internal/logging"
	"talentbud/server/internal/metrics"
	"talentbud/server/internal/postgres"
	"talentbud/server/internal/realtime"
	"talentbud/server/internal/session"
	"talentbud/server/internal/worker"
)

var serveAutoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and session stream server",
	Long: `Start the TalentBud server.

Without database.url the server keeps interviews in memory; with redis.addr
interview reads go through a Redis cache.

Examples:
  talentbud serve --config server/configs/talentbud.yaml
  talentbud serve --migrate`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveAutoMigrate, "migrate", false, "apply the schema before serving")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging)
	metrics.MustRegister()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	catalogue := cfg.Checkpoints
	if len(catalogue) == 0 {
		catalogue = checkpoint.DefaultCheckpoints()
	}
	matcher, err := checkpoint.NewMatcher(catalogue)
	if err != nil {
		return fmt.Errorf("load checkpoints: %w", err)
	}

	// 持久化走独立的 worker 池，生命周期不跟随请求。
	pool := worker.NewPool(cfg.Persistence.Workers, cfg.Persistence.QueueSize, logger)
	pool.Start(context.Background())

	agent := &realtime.Client{
		APIKey:    cfg.Agent.APIKey,
		AgentID:   cfg.Agent.AgentID,
		BaseURL:   cfg.Agent.BaseURL,
		StaticURL: cfg.Agent.SignedURL,
	}
	registry := session.NewRegistry()

	server, err := api.NewServer(api.Dependencies{
		Config:   cfg,
		Store:    store,
		Matcher:  matcher,
		Tokens:   auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		Executor: pool,
		Registry: registry,
		AgentURL: agent.SignedURL,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Routes(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		// 会话流是长连接，不设置 WriteTimeout；普通请求由 handler 自己控制。
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr()).Msg("talentbud server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	// 先挂起会话（提交 paused 持久化），再排空 worker 池。
	registry.CloseAll()
	pool.Stop()
	return nil
}

// openStore 按配置选择存储：PostgreSQL 或内存，可选 Redis 读缓存。
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (interview.Store, func(), error) {
	var (
		store   interview.Store
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Database.URL == "" {
		logger.Warn().Msg("database.url empty, interviews are kept in memory")
		store = interview.NewInMemoryStore()
	} else {
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		pool, err := postgres.NewPool(connectCtx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		closers = append(closers, pool.Close)
		if serveAutoMigrate {
			if err := postgres.Migrate(connectCtx, pool); err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		store = postgres.NewInterviewRepo(pool)
	}

	if cfg.Redis.Addr != "" {
		client, err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		store = cache.NewInterviewStore(store, client, cfg.Redis.TTL, logger)
	}

	return store, closeAll, nil
}

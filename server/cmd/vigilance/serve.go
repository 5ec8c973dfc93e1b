package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"vigilance-ai/server/internal/alert"
	"vigilance-ai/server/internal/api"
	"vigilance-ai/server/internal/cache"
	"vigilance-ai/server/internal/config"
	"vigilance-ai/server/internal/emergency"
	"vigilance-ai/server/internal/logger"
	"vigilance-ai/server/internal/monitor"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor and the HTTP/WebSocket API",
		Long: `Run the metric simulator, condition evaluator and voice assistant, and serve
the HTTP/WebSocket API.

Optional sinks are enabled from the config file or the environment:
  REDIS_ADDR     snapshot cache and emergency event stream
  DATABASE_URL   durable emergency event log (Postgres)
  MQTT_BROKER    emergency alerts for fleet subscribers`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "config file path (defaults when empty)")
	cmd.Flags().StringVar(&addr, "addr", "", "http listen address (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format, "vigilance-ai")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		emergencyOpts []emergency.Option
		apiOpts       []api.Option
		snapshotCache *cache.Store
	)

	if cfg.Redis.Enabled {
		client, err := cache.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		snapshotCache = cache.New(client, cfg.Redis, log)
		emergencyOpts = append(emergencyOpts, emergency.WithPublisher(snapshotCache))
		apiOpts = append(apiOpts, api.WithEmergencyHistory(snapshotCache))
		log.Info("Redis enabled", zap.String("addr", cfg.Redis.Addr), zap.String("stream", cfg.Redis.Stream))
	}

	if cfg.Postgres.Enabled {
		db, err := emergency.OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		pgLog := emergency.NewPostgresLog(db, log)
		if err := pgLog.EnsureSchema(ctx); err != nil {
			return err
		}
		emergencyOpts = append(emergencyOpts, emergency.WithLog(pgLog))
		// Postgres 是持久记录，优先于 Redis Stream 作为历史来源
		apiOpts = append(apiOpts, api.WithEmergencyHistory(pgLog))
		log.Info("Postgres emergency log enabled")
	}

	if cfg.MQTT.Enabled {
		pub, err := alert.Connect(cfg.MQTT, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		emergencyOpts = append(emergencyOpts, emergency.WithPublisher(pub))
	}

	mon := monitor.New(cfg, log, monitor.WithEmergencyOptions(emergencyOpts...))
	defer func() {
		if err := mon.Close(); err != nil {
			log.Warn("Failed to close monitor", zap.Error(err))
		}
	}()

	srv := api.NewServer(cfg, mon, log, apiOpts...)
	httpServer := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     srv.Routes(),
		ReadTimeout: cfg.Server.ReadTimeout,
		// WebSocket 连接自己设置写超时
		WriteTimeout: 0,
	}

	errCh := make(chan error, 3)
	go func() {
		if err := mon.Run(ctx); err != nil {
			errCh <- fmt.Errorf("monitor: %w", err)
		}
	}()
	if snapshotCache != nil {
		go func() {
			if err := snapshotCache.Mirror(ctx, mon.Simulator()); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("snapshot mirror: %w", err)
			}
		}()
	}
	go func() {
		log.Info("VigilanceAI server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("serve: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case runErr = <-errCh:
		log.Error("Server failed", zap.Error(runErr))
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	return runErr
}

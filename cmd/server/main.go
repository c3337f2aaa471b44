package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/hookwatch/internal/api"
	"github.com/gyaneshwarpardhi/hookwatch/internal/config"
	"github.com/gyaneshwarpardhi/hookwatch/internal/fanout"
	"github.com/gyaneshwarpardhi/hookwatch/internal/ingest"
	"github.com/gyaneshwarpardhi/hookwatch/internal/reconcile"
	"github.com/gyaneshwarpardhi/hookwatch/internal/registry"
	"github.com/gyaneshwarpardhi/hookwatch/internal/session"
	"github.com/gyaneshwarpardhi/hookwatch/internal/store/postgres"
)

func main() {
	cfgPath := pflag.String("config", "", "Path to YAML config (environment overrides still apply)")
	migrate := pflag.Bool("migrate", true, "Apply embedded database migrations on start")
	pflag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*cfgPath, *migrate, level, logger); err != nil {
		slog.Error("hookwatch exited", "err", err)
		os.Exit(1)
	}
	slog.Info("goodbye")
}

func run(cfgPath string, migrate bool, level *slog.LevelVar, logger *slog.Logger) error {
	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(cfgPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		return err
	}
	lvl, _ := config.ParseLevel(cfg.Log.Level)
	level.Set(lvl)

	var origins atomic.Pointer[[]string]
	origins.Store(&cfg.CORS.Origins)
	currentOrigins := func() []string { return *origins.Load() }

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	// Only the log level and CORS origins are applied live; everything else
	// needs a restart.
	loader.OnChange(func(newCfg *config.Config) {
		if lvl, err := config.ParseLevel(newCfg.Log.Level); err == nil {
			level.Set(lvl)
		}
		origins.Store(&newCfg.CORS.Origins)
		slog.Info("config hot-reloaded", "log_level", newCfg.Log.Level, "cors_origins", len(newCfg.CORS.Origins))
	})
	if cfgPath != "" {
		stopWatch, err := loader.Watch()
		if err != nil {
			slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
		} else {
			defer stopWatch()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage ───────────────────────────────────────────────────────────────
	db, err := postgres.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, logger)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if migrate {
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// ── Core ──────────────────────────────────────────────────────────────────
	validator := session.RequireUser(session.NewHMAC(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL), db)
	hub := fanout.NewHub(validator,
		fanout.WithSendBuffer(cfg.Fanout.SendBuffer),
		fanout.WithLogger(logger.With("component", "fanout")))
	reg := registry.New(db, db, registry.WithLogger(logger.With("component", "registry")))
	pipeline := ingest.New(reg, db, hub, logger.With("component", "ingest"))
	reconciler := reconcile.New(db, cfg.Reconcile.Workers, cfg.Reconcile.QueueDepth, logger.With("component", "reconcile"))

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.New(api.Deps{
		Registry:     reg,
		Pipeline:     pipeline,
		Validator:    validator,
		Realtime:     fanout.NewServer(hub, currentOrigins, logger.With("component", "realtime")),
		Ready:        db.Ping,
		Origins:      currentOrigins,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       logger,
	})
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return reconciler.Run(gctx, cfg.Reconcile.Interval)
	})

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down…")
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutCtx)
		// Hijacked websocket connections are not tracked by Shutdown.
		hub.Close()
		return err
	})
	return g.Wait()
}

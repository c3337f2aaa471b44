package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks the config for:
//   - Required settings (listen address, Postgres DSN, JWT secret)
//   - A recognised log level
//   - Non-negative sizes, timeouts and worker counts
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if cfg.Server.MaxBodyBytes < 0 {
		errs = append(errs, "server.max_body_bytes must not be negative")
	}
	if cfg.Server.ReadTimeout < 0 || cfg.Server.WriteTimeout < 0 || cfg.Server.IdleTimeout < 0 {
		errs = append(errs, "server timeouts must not be negative")
	}
	if cfg.Postgres.DSN == "" {
		errs = append(errs, "postgres.dsn is required (or set POSTGRES_DSN)")
	}
	if cfg.Postgres.MaxConns < 0 {
		errs = append(errs, "postgres.max_conns must not be negative")
	}
	if cfg.Auth.JWTSecret == "" {
		errs = append(errs, "auth.jwt_secret is required (or set JWT_SECRET_KEY)")
	}
	if cfg.Auth.TokenTTL < 0 {
		errs = append(errs, "auth.token_ttl must not be negative")
	}
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.Fanout.SendBuffer < 0 {
		errs = append(errs, "fanout.send_buffer must not be negative")
	}
	if cfg.Reconcile.Interval < 0 {
		errs = append(errs, "reconcile.interval must not be negative")
	}
	if cfg.Reconcile.Workers < 0 || cfg.Reconcile.QueueDepth < 0 {
		errs = append(errs, "reconcile.workers and reconcile.queue_depth must not be negative")
	}
	for i, o := range cfg.CORS.Origins {
		if strings.TrimSpace(o) == "" {
			errs = append(errs, fmt.Sprintf("cors.origins[%d] is empty", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ParseLevel maps a log.level value onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: want debug, info, warn or error", s)
	}
	return lvl, nil
}

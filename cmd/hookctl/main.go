// hookctl is the operator tool for a hookwatch deployment. Sign-up and
// sign-in live outside the service; hookctl provisions users and mints
// bearer credentials against the same database and secret.
//
//	hookctl useradd --email dev@example.com
//	hookctl token   --email dev@example.com [--ttl 1h]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/gyaneshwarpardhi/hookwatch/internal/config"
	"github.com/gyaneshwarpardhi/hookwatch/internal/domain"
	"github.com/gyaneshwarpardhi/hookwatch/internal/objectid"
	"github.com/gyaneshwarpardhi/hookwatch/internal/registry"
	"github.com/gyaneshwarpardhi/hookwatch/internal/session"
	"github.com/gyaneshwarpardhi/hookwatch/internal/store"
	"github.com/gyaneshwarpardhi/hookwatch/internal/store/postgres"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: hookctl <useradd|token> [flags]")
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(os.Stderr)
		return errors.New("missing command")
	}
	switch args[0] {
	case "useradd":
		return userAdd(args[1:], out)
	case "token":
		return token(args[1:], out)
	case "-h", "--help", "help":
		usage(out)
		return nil
	default:
		usage(os.Stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func userAdd(args []string, out io.Writer) error {
	var cfgPath, email string
	fs := pflag.NewFlagSet("hookctl useradd", pflag.ContinueOnError)
	fs.StringVar(&cfgPath, "config", "", "path to YAML config")
	fs.StringVar(&email, "email", "", "email of the new user")
	if err := fs.Parse(args); err != nil {
		return err
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return errors.New("--email is required")
	}

	ctx := context.Background()
	db, err := openStore(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	u := domain.User{ID: objectid.New(), Email: email, CreatedAt: time.Now().UTC()}
	if err := createUser(ctx, db, u); err != nil {
		return err
	}
	fmt.Fprintf(out, "user_id: %s\npublic_token: %s\n", u.ID, registry.PublicToken(u.ID))
	return nil
}

func createUser(ctx context.Context, users store.Users, u domain.User) error {
	if err := users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, domain.ErrDuplicateEmail) {
			return fmt.Errorf("%s: %w", u.Email, err)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func token(args []string, out io.Writer) error {
	var (
		cfgPath, email string
		ttl            time.Duration
	)
	fs := pflag.NewFlagSet("hookctl token", pflag.ContinueOnError)
	fs.StringVar(&cfgPath, "config", "", "path to YAML config")
	fs.StringVar(&email, "email", "", "email of the user the credential speaks for")
	fs.DurationVar(&ttl, "ttl", 0, "credential lifetime (default auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(email) == "" {
		return errors.New("--email is required")
	}

	ctx := context.Background()
	loader, err := config.NewLoader(cfgPath, quietLogger())
	if err != nil {
		return err
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		return err
	}
	db, err := postgres.Connect(ctx, cfg.Postgres.DSN, 2, quietLogger())
	if err != nil {
		return err
	}
	defer db.Close()

	if ttl == 0 {
		ttl = cfg.Auth.TokenTTL
	}
	tok, err := issueFor(ctx, db, session.NewHMAC(cfg.Auth.JWTSecret, ttl), email)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}

func issueFor(ctx context.Context, users store.Users, issuer *session.HMAC, email string) (string, error) {
	u, err := users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("no user with email %s", email)
		}
		return "", fmt.Errorf("look up user: %w", err)
	}
	return issuer.Issue(session.Identity{UserID: u.ID, Email: u.Email})
}

func openStore(ctx context.Context, cfgPath string) (*postgres.DB, error) {
	loader, err := config.NewLoader(cfgPath, quietLogger())
	if err != nil {
		return nil, err
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return postgres.Connect(ctx, cfg.Postgres.DSN, 2, quietLogger())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

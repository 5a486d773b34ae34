package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/openbraininstitute/obi-auth/internal/app"
	"github.com/openbraininstitute/obi-auth/internal/keycloak"
	"github.com/openbraininstitute/obi-auth/internal/observability"
)

// dotenvPath is read from the working directory on every run.
const dotenvPath = ".env"

// callFlags select per-invocation behavior and are kept out of the config.
var callFlags = map[string]struct{}{
	"config":      {},
	"c":           {},
	"environment": {},
	"e":           {},
	"device":      {},
}

// errNoToken makes the CLI exit non-zero when login ended without a token.
var errNoToken = errors.New("no token obtained")

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "obi-auth",
		Usage: "Open Brain Institute authentication helper",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelWarn.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "log-exporter",
				Usage: "log exporter (none|stdout|otlp-http|otlp-grpc)",
				Value: string(app.DefaultConfigLogExporter),
			},
			&cli.StringFlag{
				Name:  "storage--type",
				Usage: "token storage (file|keyring)",
				Value: string(app.DefaultConfigStorage),
			},
			&cli.StringFlag{
				Name:  "storage--dir",
				Usage: "directory holding the token file",
			},
		},
		Commands: []*cli.Command{
			authCommand(),
			logoutCommand(),
			statusCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

func environmentFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "environment",
		Aliases: []string{"e"},
		Usage:   "deployment environment (staging|production), defaults to keycloak.env",
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate and print the access token to stdout",
		Flags: []cli.Flag{
			environmentFlag(),
			&cli.BoolFlag{
				Name:  "device",
				Usage: "use the device-authorization flow instead of the browser",
			},
			&cli.DurationFlag{
				Name:  "local-server--timeout",
				Usage: "how long to wait for the browser redirect",
				Value: app.DefaultConfigLocalServerTimeout,
			},
			&cli.IntFlag{
				Name:  "device--max-retries",
				Usage: "device-flow polling attempts (0 derives it from the provider)",
			},
		},
		Action: authAction,
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "Delete the cached token",
		Action: logoutAction,
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show the cached token state",
		Action: statusAction,
	}
}

// setup loads the config, installs logging and builds the client. The
// returned shutdown flushes exported logs and spans and is never nil.
func setup(ctx context.Context, cmd *cli.Command) (*app.Client, observability.ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }

	cfg, err := loadConfig(cmd.String("config"), cmd, withDotenv(dotenvPath, os.Environ))
	if err != nil {
		return nil, noop, fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating the client
	shutdown, err := observability.Instrument(ctx, observability.Options{
		Level:    cfg.LogLevel,
		Format:   string(cfg.LogFormat),
		Exporter: string(cfg.LogExporter),
	})
	if err != nil {
		return nil, noop, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	client, err := app.New(cfg)
	if err != nil {
		return nil, shutdown, fmt.Errorf("failed to create client: %w", err)
	}
	return client, shutdown, nil
}

func flush(ctx context.Context, shutdown observability.ShutdownFunc) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := shutdown(shutdownCtx); err != nil {
		fmt.Fprintln(os.Stderr, "failed to flush telemetry:", err)
	}
}

func authAction(ctx context.Context, cmd *cli.Command) error {
	client, shutdown, err := setup(ctx, cmd)
	defer flush(ctx, shutdown)
	if err != nil {
		return err
	}

	env := keycloak.Environment(cmd.String("environment"))
	var token string
	if cmd.Bool("device") {
		token, err = client.DeviceToken(ctx, env)
	} else {
		token, err = client.Token(ctx, env)
	}
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	if token == "" {
		return errNoToken
	}

	_, err = fmt.Fprintln(cmd.Root().Writer, token)
	return err
}

func logoutAction(ctx context.Context, cmd *cli.Command) error {
	client, shutdown, err := setup(ctx, cmd)
	defer flush(ctx, shutdown)
	if err != nil {
		return err
	}

	if err := client.Logout(ctx); err != nil {
		return err
	}
	slog.InfoContext(ctx, "logged out")
	return nil
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	client, shutdown, err := setup(ctx, cmd)
	defer flush(ctx, shutdown)
	if err != nil {
		return err
	}

	st, err := client.Status(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.Root().Writer, formatStatus(st, time.Now()))
	return err
}

func formatStatus(st app.Status, now time.Time) string {
	if !st.Cached {
		return "no cached token\n"
	}
	out := "cached token found\n"
	out += "  access token:  " + describeExpiry(st.AccessExpiresAt, now) + "\n"
	if st.Bare {
		return out + "  refresh token: none\n"
	}
	return out + "  refresh token: " + describeExpiry(st.RefreshExpiresAt, now) + "\n"
}

func describeExpiry(exp, now time.Time) string {
	switch {
	case exp.IsZero():
		return "expiry unknown"
	case now.Before(exp):
		return "valid until " + exp.UTC().Format(time.RFC3339)
	default:
		return "expired at " + exp.UTC().Format(time.RFC3339)
	}
}

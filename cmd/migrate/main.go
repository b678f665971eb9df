// Command migrate applies or rolls back the relay's alert history schema.
//
// Without -path the migrations compiled into the binary are used. Without
// -database the DSN comes from the relay configuration file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	dbmigrations "github.com/coachpo/marketrelay/db/migrations"
	"github.com/coachpo/marketrelay/internal/infra/config"
	"github.com/coachpo/marketrelay/internal/infra/persistence/migrations"
	"github.com/coachpo/marketrelay/internal/observability"
)

const (
	defaultConfigPath = "config/app.yaml"
	defaultTimeout    = 30 * time.Second
	loggerPrefix      = "relay-migrate "
)

type command string

const (
	commandUp   command = "up"
	commandDown command = "down"
)

type options struct {
	configPath string
	dsn        string
	dir        string
	timeout    time.Duration
	quiet      bool
	command    command
	steps      int
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		return err
	}

	level := observability.LevelInfo
	if opts.quiet {
		level = observability.LevelError
	}
	logger := observability.NewTextLogger(stdout, loggerPrefix, level)

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	dsn, err := resolveDSN(ctx, opts)
	if err != nil {
		return err
	}
	logger.Info("migration requested",
		observability.F("command", string(opts.command)),
		observability.F("source", opts.source()),
		observability.F("steps", opts.steps))
	return execute(ctx, opts, dsn, logger)
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := options{steps: 1}
	fs.StringVar(&opts.configPath, "config", defaultConfigPath, "Relay configuration file used when -database is empty")
	fs.StringVar(&opts.dsn, "database", "", "PostgreSQL DSN; overrides database.dsn from -config")
	fs.StringVar(&opts.dir, "path", "", "Directory of SQL migrations (default: embedded alert migrations)")
	fs.DurationVar(&opts.timeout, "timeout", defaultTimeout, "Maximum time to wait for database connectivity")
	fs.BoolVar(&opts.quiet, "quiet", false, "Suppress informational logs")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.timeout <= 0 {
		return options{}, fmt.Errorf("-timeout must be positive, got %s", opts.timeout)
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return options{}, errors.New("command required (up|down [steps])")
	}
	opts.command = command(strings.ToLower(rest[0]))
	switch opts.command {
	case commandUp:
		if len(rest) > 1 {
			return options{}, fmt.Errorf("up takes no arguments, got %q", rest[1:])
		}
	case commandDown:
		if len(rest) > 2 {
			return options{}, fmt.Errorf("down takes at most one argument, got %q", rest[1:])
		}
		if len(rest) == 2 {
			n, err := strconv.Atoi(rest[1])
			if err != nil || n <= 0 {
				return options{}, fmt.Errorf("invalid down steps %q: must be a positive integer", rest[1])
			}
			opts.steps = n
		}
	default:
		return options{}, fmt.Errorf("unknown command %q (expected up or down)", rest[0])
	}
	opts.dir = strings.TrimSpace(opts.dir)
	return opts, nil
}

func (o options) source() string {
	if o.dir == "" {
		return "embedded"
	}
	return filepath.Clean(o.dir)
}

// resolveDSN prefers -database and otherwise reads database.dsn from the
// relay configuration, falling back to its defaults when the file is absent.
func resolveDSN(ctx context.Context, opts options) (string, error) {
	if dsn := strings.TrimSpace(opts.dsn); dsn != "" {
		return dsn, nil
	}
	cfg, _, err := config.LoadOrDefault(ctx, opts.configPath)
	if err != nil {
		return "", fmt.Errorf("load config for database dsn: %w", err)
	}
	if cfg.Database.DSN == "" {
		return "", errors.New("database dsn not configured; pass -database")
	}
	return cfg.Database.DSN, nil
}

func execute(ctx context.Context, opts options, dsn string, logger observability.Logger) error {
	switch opts.command {
	case commandUp:
		if opts.dir == "" {
			return migrations.ApplyFS(ctx, dsn, dbmigrations.Files, logger)
		}
		return migrations.Apply(ctx, dsn, opts.dir, logger)
	case commandDown:
		if opts.dir == "" {
			return migrations.RollbackFS(ctx, dsn, dbmigrations.Files, opts.steps, logger)
		}
		return migrations.Rollback(ctx, dsn, opts.dir, opts.steps, logger)
	default:
		return fmt.Errorf("unknown command %q", opts.command)
	}
}

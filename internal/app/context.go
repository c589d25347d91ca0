// Package app wires config, storage, bus and engine into one running instance.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"riskroute/internal/bus"
	"riskroute/internal/config"
	"riskroute/internal/db"
	"riskroute/internal/engine"
	"riskroute/internal/migrate"
)

// Options selects the workspace and overrides parts of the config.
type Options struct {
	Workspace  string
	ConfigPath string
	// LogLevel and LogFormat override config.log when set.
	LogLevel  string
	LogFormat string
	LogOutput io.Writer
	// Restore reloads in-flight tasks from the database.
	Restore bool
}

// App is the running context shared by the CLI, the HTTP server and the MCP server.
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Bus      bus.Bus
	Subjects bus.Subjects
	Engine   *engine.Engine
	Logger   *slog.Logger
	opts     Options
}

// ResolveConfig reads the explicit config path when given, else riskroute.yml in the workspace,
// falling back to defaults if neither exists.
func ResolveConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.LoadOptional(workspace)
}

// NewLogger builds the process logger. Format is text or json.
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Open loads config, opens and migrates the database, connects the bus and builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := ResolveConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	level, format := cfg.Log.Level, cfg.Log.Format
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	logger := NewLogger(level, format, opts.LogOutput)

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	b, err := bus.Open(cfg.Bus.Driver, cfg.Bus.URL)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open bus: %w", err)
	}
	subjects := bus.Subjects{Prefix: cfg.Bus.Prefix}

	e := engine.New(conn, cfg)
	e.Logger = logger
	e.Events.Bus = b
	e.Events.Subjects = subjects
	e.Events.Logger = logger

	a := &App{Config: cfg, DB: conn, Bus: b, Subjects: subjects, Engine: e, Logger: logger, opts: opts}
	if opts.Restore {
		n, err := e.Restore(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("restore tasks: %w", err)
		}
		if n > 0 {
			logger.Info("tasks restored", "count", n)
		}
	}
	return a, nil
}

// Reload re-reads the config the app was opened with and applies it to the engine.
func (a *App) Reload() (*config.Config, error) {
	cfg, err := ResolveConfig(a.opts.Workspace, a.opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := a.Engine.Reload(cfg); err != nil {
		return nil, err
	}
	a.Config = cfg
	return cfg, nil
}

// LoadConfig re-reads the config without applying it.
func (a *App) LoadConfig() (*config.Config, error) {
	return ResolveConfig(a.opts.Workspace, a.opts.ConfigPath)
}

// Close waits for in-flight collaborator calls, then releases the bus and database.
func (a *App) Close() error {
	a.Engine.Wait()
	return errors.Join(a.Bus.Close(), a.DB.Close())
}

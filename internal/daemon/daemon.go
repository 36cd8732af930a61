// Package daemon wires the components together and runs them until the
// context is cancelled: control API, health monitor and config watcher under
// one errgroup, with systemd readiness notification when available.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/errgroup"

	"github.com/framehost/framed/internal/api"
	"github.com/framehost/framed/internal/config"
	"github.com/framehost/framed/internal/events"
	"github.com/framehost/framed/internal/health"
	"github.com/framehost/framed/internal/registry"
	"github.com/framehost/framed/internal/supervisor"
)

// Options configures one daemon run.
type Options struct {
	ConfigPath  string
	PackagesDir string
	Version     string
}

// SecretPath locates the API signing secret inside the state directory. The
// CLI reads the same file to mint its tokens.
func SecretPath(stateDir string) string {
	return filepath.Join(stateDir, "secret")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Run blocks until ctx is cancelled or a component fails.
func Run(ctx context.Context, opts Options) error {
	store, err := config.NewStore(opts.ConfigPath, opts.PackagesDir, nil)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	snap := store.Current()

	logger := newLogger(snap.Logging.Level)
	slog.SetDefault(logger)

	if !snap.Service.Enabled {
		logger.Warn("Service is disabled in configuration, exiting")
		return nil
	}
	if err := os.MkdirAll(snap.Service.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	registryDB, err := sqlx.Connect("sqlite3", filepath.Join(snap.Service.StateDir, "registry.db"))
	if err != nil {
		return fmt.Errorf("failed to open registry database: %w", err)
	}
	defer registryDB.Close()

	eventsDB, err := sqlx.Connect("sqlite3", filepath.Join(snap.Service.StateDir, "events.db"))
	if err != nil {
		return fmt.Errorf("failed to open events database: %w", err)
	}
	defer eventsDB.Close()

	hooks := events.NewHookRunner(snap.Service.HooksDir, logger)
	sink, err := events.NewSink(eventsDB, hooks, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize event sink: %w", err)
	}

	reg, err := registry.Open(registryDB, snap.Service.PortRangeStart, snap.Service.PortRangeEnd, logger)
	if err != nil {
		return fmt.Errorf("failed to open port registry: %w", err)
	}

	sup := supervisor.New(store, reg, sink, logger)
	monitor := health.New(store, sup, sink, logger)

	secret, err := api.LoadSecret(SecretPath(snap.Service.StateDir))
	if err != nil {
		return fmt.Errorf("failed to load API secret: %w", err)
	}
	server := api.New(store, sup, reg, sink, secret, opts.Version, logger)

	logger.Info("Daemon starting",
		"version", opts.Version,
		"manager_port", snap.Service.ManagerPort,
		"port_range_start", snap.Service.PortRangeStart,
		"port_range_end", snap.Service.PortRangeEnd)
	sink.Emit(events.Event{
		Type:   events.TypeServiceStarted,
		Fields: map[string]string{"version": opts.Version},
	})

	if snap.Service.AutoStart {
		sup.AutoStartAll()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error {
		return store.Watch(gctx, func(*config.Snapshot) {
			sink.Emit(events.Event{Type: events.TypeConfigReloaded})
		})
	})

	// No-op outside systemd.
	if _, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		logger.Debug("sd_notify not available", "error", err)
	}

	runErr := g.Wait()

	sd.SdNotify(false, sd.SdNotifyStopping)
	logger.Info("Daemon shutting down")
	sup.Shutdown()
	sink.Emit(events.Event{Type: events.TypeServiceStopped})
	sink.Close()

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, http.ErrServerClosed) {
		return runErr
	}
	return nil
}

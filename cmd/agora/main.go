package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/msoulis/agora/internal/config"
	"github.com/msoulis/agora/internal/launcher"
	"github.com/msoulis/agora/internal/natsbus"
	"github.com/msoulis/agora/internal/notify"
	"github.com/msoulis/agora/internal/sandbox"
	"github.com/msoulis/agora/internal/scheduler"
	"github.com/msoulis/agora/internal/store"
	"github.com/msoulis/agora/internal/vault"
	"github.com/msoulis/agora/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("agora %s\n", version)
	case "daemon":
		if err := runDaemon(); err != nil {
			slog.Error("daemon failed", "error", err)
			os.Exit(1)
		}
	case "secret":
		if err := runSecret(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "export":
		if err := runExport(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "import":
		if err := runImport(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: agora <command>

Commands:
  daemon     Start the agora evaluation daemon
  secret     Manage vaulted secrets
  export     Archive the data directory to a .tar.zst file
  import     Restore a .tar.zst archive into the data directory
  version    Print version
`)
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting agora daemon", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	events, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer events.Close()

	// Vault for engine keys and stored secrets
	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		v = vault.New(cfg.Vault.Passphrase)
	} else {
		slog.Warn("vault passphrase not set, secret references disabled")
	}

	// Telegram alerts
	notifier, err := notify.New(cfg.Notify)
	if err != nil {
		return fmt.Errorf("init notifier: %w", err)
	}
	if notifier == nil {
		slog.Warn("telegram token not set, alerts disabled")
	}

	// Leftover sandboxes from a previous daemon
	if err := sandbox.CleanupStale(ctx); err != nil {
		slog.Warn("stale sandbox cleanup failed", "error", err)
	}

	l := launcher.New(cfg, db, events, v, notifier)

	// Sweep scheduler
	sched := scheduler.New(db, l, events, cfg.Scheduler)
	go sched.Start(ctx)
	slog.Info("scheduler started")

	// HTTP API
	if cfg.Web.Enabled {
		srv := web.NewServer(*cfg, db, events, l, v, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// SIGHUP reloads the config, anything else shuts down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			cfg = reloadConfig(cfg, l, sched)
			continue
		}
		slog.Info("shutting down", "signal", sig)
		cancel()
		return nil
	}
}

// reloadConfig re-reads the config file and applies the reloadable parts
// to the launcher and scheduler. Fields that only take effect at startup
// are logged and kept as they were. The returned config is the new
// baseline for the next reload.
func reloadConfig(old *config.Config, l *launcher.Launcher, sched *scheduler.Scheduler) *config.Config {
	next, err := config.Load()
	if err != nil {
		slog.Error("config reload failed, keeping previous config", "error", err)
		return old
	}

	d := config.Diff(old, next)
	for _, field := range d.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !d.HasChanges() {
		slog.Info("config reloaded, nothing to apply")
		return old
	}

	l.UpdateConfig(next)
	if d.SchedulerChanged {
		sched.UpdateConfig(d.NewPollInterval)
	}
	slog.Info("config reloaded",
		"agents_added", d.AgentsAdded,
		"agents_removed", d.AgentsRemoved,
		"agents_changed", d.AgentsChanged,
		"engines_changed", d.EnginesChanged,
		"defaults_changed", d.DefaultsChanged)
	return next
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/bullpen/internal/bus"
	"github.com/mtzanidakis/bullpen/internal/channels"
	"github.com/mtzanidakis/bullpen/internal/config"
	"github.com/mtzanidakis/bullpen/internal/container"
	"github.com/mtzanidakis/bullpen/internal/economy"
	"github.com/mtzanidakis/bullpen/internal/orchestrator"
	"github.com/mtzanidakis/bullpen/internal/pipeline"
	"github.com/mtzanidakis/bullpen/internal/roster"
	"github.com/mtzanidakis/bullpen/internal/router"
	"github.com/mtzanidakis/bullpen/internal/runtime"
	"github.com/mtzanidakis/bullpen/internal/scheduler"
	"github.com/mtzanidakis/bullpen/internal/store"
	"github.com/mtzanidakis/bullpen/internal/telegram"
	"github.com/mtzanidakis/bullpen/internal/vault"
	"github.com/mtzanidakis/bullpen/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("bullpen %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "vault":
		if err := runVault(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: bullpen <command>

Commands:
  gateway    Start the bullpen gateway service
  vault      Manage encrypted secrets
  backup     Archive the data and workspace volumes
  restore    Restore volumes from a backup archive
  version    Print version
`)
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting bullpen gateway", "version", version)

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
	b, err := bus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer b.Close()
	client, err := bus.NewClient(b)
	if err != nil {
		return fmt.Errorf("connect nats client: %w", err)
	}
	defer client.Close()
	slog.Info("nats started", "port", b.Port())

	// Vault, unlocked only when a passphrase is present
	var v *vault.Vault
	if pass := os.Getenv("BULLPEN_VAULT_PASSPHRASE"); pass != "" {
		v = vault.New(pass)
		if err := checkVaultCanary(db, v); err != nil {
			return err
		}
		slog.Info("vault unlocked")
	} else {
		slog.Warn("vault passphrase not set, secrets stay sealed")
	}

	// Agent roster
	reg := roster.New(db, cfg.Roster, cfg.Runtime, cfg.Economy, cfg.Channels.BasePath)
	if err := reg.Sync(); err != nil {
		return fmt.Errorf("sync roster: %w", err)
	}

	// Channels: seeded projects plus one DM channel per agent
	chans := channels.NewManager(db, cfg.Channels)
	if err := chans.Seed(); err != nil {
		return fmt.Errorf("seed channels: %w", err)
	}
	agents, err := reg.List()
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	for i := range agents {
		if err := chans.EnsureDM(&agents[i]); err != nil {
			return fmt.Errorf("ensure dm channel for %s: %w", agents[i].ID, err)
		}
	}

	// Container manager
	containers, err := container.NewManager(cfg.Runtime)
	if err != nil {
		return fmt.Errorf("init container manager: %w", err)
	}
	if err := containers.CleanupStale(ctx); err != nil {
		slog.Warn("stale container cleanup failed", "error", err)
	}

	// Engines
	rt := runtime.New(b, client, db, reg, chans, containers, v, cfg.Runtime)
	eco := economy.New(db, cfg.Economy, client)
	rtr := router.New(reg)

	orch := orchestrator.New(db, reg, chans, rtr, eco, rt, client)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	pipe, err := pipeline.New(db, reg, orch, client, cfg.Pipelines)
	if err != nil {
		return fmt.Errorf("init pipelines: %w", err)
	}
	orch.SetPipelines(pipe)
	if err := pipe.RecoverInterrupted(); err != nil {
		slog.Warn("pipeline recovery failed", "error", err)
	}
	slog.Info("pipelines loaded", "names", pipe.Names())

	// Scheduler: standups, pay cycle, budget resets, idle reaping
	sched := scheduler.New(db, orch, eco, rt, client, cfg.Scheduler)
	if err := sched.SeedStandups(); err != nil {
		return fmt.Errorf("seed standups: %w", err)
	}
	go sched.Start(ctx)
	slog.Info("scheduler started")

	// Telegram bridge
	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram, orch, db)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		go bot.Start(ctx)
		slog.Info("telegram bot started", "channel", cfg.Telegram.Channel)
	} else {
		slog.Warn("telegram token not set, bot disabled")
	}

	// Web console
	if cfg.Web.Enabled {
		srv := web.NewServer(db, client, orch, reg, eco, pipe, rt, containers, v, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// SIGHUP reloads config; SIGINT/SIGTERM shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			cfg = applyReload(ctx, cfg, reg, eco, sched, rt)
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}
	cancel()

	rt.Shutdown(context.Background())
	containers.StopAll(context.Background())
	return nil
}

// applyReload re-reads the config file and applies what can change at
// runtime. Fields that cannot are logged and kept as they were.
func applyReload(ctx context.Context, cur *config.Config, reg *roster.Roster, eco *economy.Engine, sched *scheduler.Scheduler, rt *runtime.Engine) *config.Config {
	next, err := config.Load()
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return cur
	}

	d := config.Diff(cur, next)
	for _, field := range d.NonReloadable {
		slog.Warn("config change needs a restart", "field", field)
	}
	if !d.HasChanges() {
		slog.Info("config reloaded, nothing to apply")
		return next
	}

	if len(d.AgentsAdded)+len(d.AgentsRemoved)+len(d.AgentsChanged) > 0 || d.CoordinatorChanged {
		if err := reg.Reload(next.Roster); err != nil {
			slog.Error("roster reload failed", "error", err)
		} else {
			slog.Info("roster reloaded",
				"added", d.AgentsAdded, "removed", d.AgentsRemoved, "changed", d.AgentsChanged)
			for _, id := range d.AgentsRemoved {
				if err := rt.StopAgent(ctx, id); err != nil {
					slog.Warn("stop removed agent failed", "agent", id, "error", err)
				}
			}
		}
	}
	if d.EconomyChanged {
		eco.UpdateConfig(d.NewEconomy)
		slog.Info("economy config updated")
	}
	if d.SchedulerChanged {
		sched.UpdateConfig(d.NewScheduler)
		if err := sched.SeedStandups(); err != nil {
			slog.Error("standup reseed failed", "error", err)
		} else {
			slog.Info("scheduler config updated")
		}
	}

	return next
}

// Canary meta keys. The sealed canary proves the passphrase matches the
// vault the secrets were written with.
const (
	metaCanary      = "vault_canary"
	metaCanaryNonce = "vault_canary_nonce"
)

func checkVaultCanary(db *store.Store, v *vault.Vault) error {
	ciphertext, err := db.GetMeta(metaCanary)
	if err != nil {
		return fmt.Errorf("load vault canary: %w", err)
	}
	nonce, err := db.GetMeta(metaCanaryNonce)
	if err != nil {
		return fmt.Errorf("load vault canary nonce: %w", err)
	}

	if ciphertext == nil || nonce == nil {
		ciphertext, nonce, err = v.Canary()
		if err != nil {
			return fmt.Errorf("create vault canary: %w", err)
		}
		if err := db.SetMeta(metaCanary, ciphertext); err != nil {
			return err
		}
		return db.SetMeta(metaCanaryNonce, nonce)
	}

	if err := v.CheckCanary(ciphertext, nonce); err != nil {
		return fmt.Errorf("vault passphrase does not match the stored secrets: %w", err)
	}
	return nil
}

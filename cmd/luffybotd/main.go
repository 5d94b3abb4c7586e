// Command luffybotd runs the script supervisor daemon: catalog, admission,
// queue, run supervision, durable ledger, scheduler and housekeeping loops.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	luffybot "github.com/nevindra/luffybot"
	"github.com/nevindra/luffybot/frontend/discordhook"
	"github.com/nevindra/luffybot/hostprobe"
	"github.com/nevindra/luffybot/internal/config"
	"github.com/nevindra/luffybot/internal/lockfile"
	"github.com/nevindra/luffybot/observer"
	"github.com/nevindra/luffybot/store/postgres"
	"github.com/nevindra/luffybot/store/sqlite"
)

func main() {
	// 1. Load config
	cfg := config.Load(os.Getenv("LUFFYBOT_CONFIG"))
	logger := newLogger(cfg.Log.Level)

	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.ScriptsDir, cfg.Paths.RunLogDir, cfg.Paths.BackupDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("[luffybotd] create dir %s: %v", dir, err)
		}
	}

	// 2. Single-instance lock
	lock, err := lockfile.Acquire(filepath.Join(cfg.Paths.DataDir, "luffybot.instance.lock"))
	if err != nil {
		log.Fatalf("[luffybotd] %v", err)
	}
	defer lock.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Durable store
	actionLog := filepath.Join(cfg.Paths.RunLogDir, "server_actions.log")
	var store luffybot.Store
	switch cfg.Store.Backend {
	case "postgres":
		store, err = postgres.New(ctx, cfg.Store.PostgresDSN,
			postgres.WithLogger(logger),
			postgres.WithBackupDir(cfg.Paths.BackupDir),
			postgres.WithActionLogPath(actionLog))
		if err != nil {
			log.Fatalf("[luffybotd] postgres: %v", err)
		}
	default:
		store = sqlite.New(cfg.Store.SQLitePath,
			sqlite.WithLogger(logger),
			sqlite.WithBackupDir(cfg.Paths.BackupDir),
			sqlite.WithActionLogPath(actionLog))
	}
	if err := store.Init(ctx); err != nil {
		log.Fatalf("[luffybotd] store init: %v", err)
	}
	defer store.Close()

	// 4. Control plane; reconcile files left by a previous life
	control := luffybot.NewControlPlane(store, cfg.Paths.ControlDir)
	if err := control.SyncControlFiles(); err != nil {
		logger.Error("control file sync failed", "error", err)
	}

	// 5. Observer (opt-in via config)
	var metrics luffybot.Metrics
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx, cfg.Observer.OTLPEndpoint)
		if err != nil {
			log.Fatalf("[luffybotd] observer init failed: %v", err)
		}
		defer shutdown(context.Background())
		metrics = inst
		logger.Info("OTEL observability enabled")
	}

	// 6. Outbound notifier
	var notifier luffybot.Notifier = luffybot.NopNotifier{}
	if cfg.Discord.WebhookURL != "" {
		sender := discordhook.New(cfg.Discord.WebhookURL, discordhook.WithLogger(logger))
		buffered := luffybot.NewBufferedNotifier(sender,
			luffybot.WithNotifierLogger(logger),
			luffybot.WithCriticalMention(func() int64 {
				if id := luffybot.SettingInt64(store, luffybot.SettingCriticalMentionUserID); id != 0 {
					return id
				}
				return cfg.Discord.CriticalMentionID
			}))
		go buffered.Run(ctx)
		notifier = buffered
	}

	// 7. Engine
	engineOpts := []luffybot.EngineOption{
		luffybot.WithLogger(logger),
		luffybot.WithNotifier(notifier),
	}
	if metrics != nil {
		engineOpts = append(engineOpts, luffybot.WithMetrics(metrics))
	}
	engine := luffybot.NewEngine(store, luffybot.DefaultCatalog(), control, hostprobe.New(),
		cfg.Paths.ScriptsDir, cfg.Paths.RunLogDir, engineOpts...)

	// 8. Loops
	go luffybot.NewScheduler(engine).Run(ctx)
	go luffybot.NewHousekeeping(engine, cfg.Paths.BackupDir).Run(ctx)

	logger.Info("luffybotd started",
		"data_dir", cfg.Paths.DataDir,
		"store", cfg.Store.Backend,
		"scripts", len(engine.Catalog().AllKeys()))

	// 9. Wait for shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())

	cancel()
	engine.Shutdown("Arret du daemon")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

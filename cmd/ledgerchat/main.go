// Package main contains the entrypoint for the ledgerchat service.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tgbot "github.com/go-telegram/bot"
	"github.com/joho/godotenv"

	"github.com/edgard/ledgerchat/internal/app"
	"github.com/edgard/ledgerchat/internal/assistant"
	"github.com/edgard/ledgerchat/internal/chat"
	"github.com/edgard/ledgerchat/internal/config"
	"github.com/edgard/ledgerchat/internal/database"
	"github.com/edgard/ledgerchat/internal/history"
	"github.com/edgard/ledgerchat/internal/kvstore"
	"github.com/edgard/ledgerchat/internal/logger"
	"github.com/edgard/ledgerchat/internal/metrics"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run wires every component, blocks until shutdown and returns the exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "", "Path to configuration file (default: ./config.yaml if present)")
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the configuration")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("Failed to load env file", "path", *envFile, "error", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	log.Info("Logger initialized", "level", cfg.Log.Level, "json", cfg.Log.JSON)

	store, closeStore, err := openStore(cfg.Database, log)
	if err != nil {
		log.Error("Failed to open message store", "driver", cfg.Database.Driver, "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer closeStore()

	client, err := assistant.New(ctx, cfg.Assistant, log)
	if err != nil {
		log.Error("Failed to initialize assistant client", "backend", cfg.Assistant.Backend, "error", err)
		return 1
	}

	loc, err := cfg.Transcript.Location()
	if err != nil {
		log.Error("Invalid transcript timezone", "error", err)
		return 1
	}

	m := metrics.New()
	loader := history.NewLoader(store, cfg.Transcript.ReceiptMarkers, log, m)
	sessions := chat.NewSessions(store, client, loader, chat.Options{
		Messages:       cfg.Transcript.Messages,
		ReceiptMarkers: cfg.Transcript.ReceiptMarkers,
		Location:       loc,
		Logger:         log,
		Metrics:        m,
	})

	var tg *tgbot.Bot
	if cfg.Telegram.Enabled {
		tg, err = newTelegram(cfg, log, sessions, loc)
		if err != nil {
			log.Error("Failed to set up Telegram bot", "error", err)
			return 1
		}
	}

	tasks := app.RegisterAllTasks(app.TaskDeps{
		Logger:         log,
		Store:          store,
		Sessions:       sessions,
		SessionIdleTTL: cfg.Transcript.SessionIdleTTL,
	})
	sched, err := app.NewScheduler(log, &cfg.Scheduler, tasks, m)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	orchestrator := app.New(log, tg, newHTTPServer(cfg, log, store, sessions, m, loc), cfg.HTTP.ShutdownTimeout, sched)

	log.Info("Starting ledgerchat")
	if runErr := orchestrator.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("ledgerchat stopped due to error", "error", runErr)
		return 1
	}

	log.Info("ledgerchat stopped gracefully")
	return 0
}

// openStore opens the message store selected by cfg.Driver and returns it
// together with its close function.
func openStore(cfg config.DatabaseConfig, log *slog.Logger) (database.Store, func(), error) {
	switch cfg.Driver {
	case "pebble":
		kv, err := kvstore.Open(kvstore.Options{Path: cfg.Path, TimestampIndex: cfg.PebbleTimestampIndex}, log)
		if err != nil {
			return nil, nil, err
		}
		return kv, func() {
			if err := kv.Close(); err != nil {
				log.Error("Error closing pebble store", "error", err)
			}
		}, nil
	default:
		db, err := database.NewDB(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return database.NewStore(db, log), func() { database.CloseDB(db, log) }, nil
	}
}

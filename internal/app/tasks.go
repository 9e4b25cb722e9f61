package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgard/ledgerchat/internal/chat"
	"github.com/edgard/ledgerchat/internal/config"
	"github.com/edgard/ledgerchat/internal/database"
)

// TaskFunc is a scheduled task. The context is cancelled when the scheduler
// stops.
type TaskFunc func(ctx context.Context) error

// TaskDeps contains the dependencies of the scheduled tasks.
type TaskDeps struct {
	Logger         *slog.Logger
	Store          database.Store
	Sessions       *chat.Sessions
	SessionIdleTTL time.Duration
}

// RegisterAllTasks returns the scheduled tasks keyed by the name used in the
// scheduler configuration.
func RegisterAllTasks(deps TaskDeps) map[string]TaskFunc {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	tasks := map[string]TaskFunc{
		config.TaskStoreMaintenance: newStoreMaintenanceTask(deps),
		config.TaskSessionSweep:     newSessionSweepTask(deps),
	}
	deps.Logger.Info("Initialized scheduled tasks", "count", len(tasks))
	return tasks
}

func newStoreMaintenanceTask(deps TaskDeps) TaskFunc {
	log := deps.Logger.With("task", config.TaskStoreMaintenance)

	return func(ctx context.Context) error {
		startTime := time.Now()
		if err := deps.Store.RunMaintenance(ctx); err != nil {
			log.ErrorContext(ctx, "Store maintenance failed", "error", err, "duration", time.Since(startTime))
			return fmt.Errorf("store maintenance failed: %w", err)
		}
		log.InfoContext(ctx, "Store maintenance completed", "duration", time.Since(startTime))
		return nil
	}
}

// newSessionSweepTask closes sessions idle for longer than the configured
// TTL. Their history stays in the store and is reloaded on the next open.
func newSessionSweepTask(deps TaskDeps) TaskFunc {
	log := deps.Logger.With("task", config.TaskSessionSweep)

	return func(ctx context.Context) error {
		closed := deps.Sessions.Sweep(deps.SessionIdleTTL)
		log.DebugContext(ctx, "Session sweep completed", "closed", closed, "open", deps.Sessions.Len())
		return ctx.Err()
	}
}

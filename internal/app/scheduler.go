package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/edgard/ledgerchat/internal/config"
	"github.com/edgard/ledgerchat/internal/metrics"
)

// Scheduler runs the configured tasks on their cron schedules.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	cfg       *config.SchedulerConfig
	taskMap   map[string]TaskFunc
	metrics   *metrics.Metrics

	mu      sync.Mutex
	running bool
	jobs    int
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler for the tasks of taskMap.
func NewScheduler(logger *slog.Logger, cfg *config.SchedulerConfig, taskMap map[string]TaskFunc, m *metrics.Metrics) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "scheduler")
	s, err := gocron.NewScheduler(gocron.WithLogger(newGocronLogger(log)))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		logger:    log,
		cfg:       cfg,
		taskMap:   taskMap,
		metrics:   m,
	}, nil
}

// Start registers every enabled task that has a schedule and starts the
// scheduler. Tasks that fail to register are skipped.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	if s.cfg == nil || len(s.cfg.Tasks) == 0 {
		s.logger.Warn("No scheduler tasks configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.jobs = 0
	if s.cfg != nil {
		for taskName, taskConfig := range s.cfg.Tasks {
			if !taskConfig.Enabled {
				s.logger.Info("Skipping disabled task", "task_name", taskName)
				continue
			}
			taskFunc, exists := s.taskMap[taskName]
			if !exists {
				s.logger.Warn("Scheduled task configured but not registered, skipping", "task_name", taskName)
				continue
			}
			if taskConfig.Schedule == "" {
				s.logger.Warn("Scheduled task enabled but has empty schedule, skipping", "task_name", taskName)
				continue
			}

			_, err := s.scheduler.NewJob(
				gocron.CronJob(taskConfig.Schedule, true),
				gocron.NewTask(s.runTask, ctx, taskName, taskFunc),
				gocron.WithName(taskName),
				gocron.WithSingletonMode(gocron.LimitModeReschedule),
			)
			if err != nil {
				s.logger.Error("Failed to schedule task", "task_name", taskName, "schedule", taskConfig.Schedule, "error", err)
				continue
			}
			s.logger.Info("Scheduled task", "task_name", taskName, "schedule", taskConfig.Schedule)
			s.jobs++
		}
	}

	s.scheduler.Start()
	s.cancel = cancel
	s.running = true
	s.logger.Info("Scheduler started", "tasks_scheduled", s.jobs)
	return nil
}

// runTask executes fn with logging and records its outcome.
func (s *Scheduler) runTask(ctx context.Context, name string, fn TaskFunc) {
	s.logger.DebugContext(ctx, "Running scheduled task", "task_name", name)
	startTime := time.Now()
	err := fn(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Scheduled task failed", "task_name", name, "error", err)
	}
	s.metrics.RecordTaskRun(name, err)
	s.logger.DebugContext(ctx, "Finished scheduled task", "task_name", name, "duration", time.Since(startTime))
}

// Jobs returns how many tasks the last Start scheduled.
func (s *Scheduler) Jobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs
}

// Stop cancels the context of running tasks and shuts the scheduler down,
// waiting for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.cancel()
	err := s.scheduler.Shutdown()
	if err != nil {
		s.logger.Error("Error during scheduler shutdown", "error", err)
	} else {
		s.logger.Info("Scheduler stopped")
	}
	s.running = false
	return err
}

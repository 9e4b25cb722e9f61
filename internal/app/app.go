// Package app runs the long-lived components of ledgerchat side by side and
// shuts them down together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tgbot "github.com/go-telegram/bot"
	"golang.org/x/sync/errgroup"
)

const defaultShutdownTimeout = 10 * time.Second

// App owns the Telegram listener, the HTTP server and the scheduler. The
// front ends are optional: a nil bot or server is not started.
type App struct {
	logger          *slog.Logger
	tgBot           *tgbot.Bot
	server          *http.Server
	shutdownTimeout time.Duration
	scheduler       *Scheduler
}

// New creates the application orchestrator.
func New(logger *slog.Logger, tgBot *tgbot.Bot, server *http.Server, shutdownTimeout time.Duration, scheduler *Scheduler) *App {
	if logger == nil {
		logger = slog.Default()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return &App{
		logger:          logger.With("component", "orchestrator"),
		tgBot:           tgBot,
		server:          server,
		shutdownTimeout: shutdownTimeout,
		scheduler:       scheduler,
	}
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. The others are then stopped before Run returns.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting orchestrator")

	g, gCtx := errgroup.WithContext(ctx)

	if a.tgBot != nil {
		g.Go(func() error {
			a.logger.Info("Starting Telegram bot listener")
			a.tgBot.Start(gCtx)
			a.logger.Info("Telegram bot listener stopped")

			if gCtx.Err() == nil {
				return fmt.Errorf("telegram listener stopped unexpectedly")
			}
			return nil
		})
	}

	if a.server != nil {
		g.Go(func() error {
			return a.serveHTTP(gCtx)
		})
	}

	if a.scheduler != nil {
		g.Go(func() error {
			if err := a.scheduler.Start(); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}
			<-gCtx.Done()
			if err := a.scheduler.Stop(); err != nil {
				a.logger.Error("Error stopping scheduler", "error", err)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("Orchestrator stopped due to error", "error", err)
		return err
	}

	a.logger.Info("Orchestrator stopped gracefully")
	return nil
}

func (a *App) serveHTTP(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Starting HTTP server", "addr", a.server.Addr)
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("HTTP server shutdown failed", "error", err)
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	a.logger.Info("HTTP server stopped")
	return nil
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgard/ledgerchat/internal/assistant"
	"github.com/edgard/ledgerchat/internal/database"
	"github.com/edgard/ledgerchat/internal/history"
)

// Sessions keeps one Controller per session. Controllers share nothing
// except the store, assistant and loader.
type Sessions struct {
	store     database.Store
	assistant assistant.Client
	loader    *history.Loader
	opts      Options
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Controller
}

func NewSessions(store database.Store, client assistant.Client, loader *history.Loader, opts Options) *Sessions {
	opts = opts.withDefaults()
	return &Sessions{
		store:     store,
		assistant: client,
		loader:    loader,
		opts:      opts,
		log:       opts.Logger.With("component", "sessions"),
		sessions:  make(map[string]*Controller),
	}
}

// Open returns the controller of sessionID, creating it on first use. A new
// controller starts loading its history in the background; callers that
// need it wait with WaitLoaded or EnsureWelcome.
func (s *Sessions) Open(ctx context.Context, sessionID, profileID string) (*Controller, error) {
	if sessionID == "" {
		return nil, errors.New("session_id cannot be empty")
	}

	s.mu.Lock()
	c, ok := s.sessions[sessionID]
	if !ok {
		c = NewController(sessionID, profileID, s.store, s.assistant, s.loader, s.opts)
		s.sessions[sessionID] = c
	}
	count := len(s.sessions)
	s.mu.Unlock()

	if !ok {
		s.opts.Metrics.SetActiveSessions(count)
		s.log.DebugContext(ctx, "Session opened", "session_id", sessionID)
		loadCtx := context.WithoutCancel(ctx)
		go func() {
			_ = c.Load(loadCtx)
		}()
	}
	return c, nil
}

// Get returns an already open controller.
func (s *Sessions) Get(sessionID string) (*Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[sessionID]
	return c, ok
}

// Close tears down the controller of sessionID, dropping its sequence and
// in-memory transcript. It reports whether the session was open.
func (s *Sessions) Close(sessionID string) bool {
	s.mu.Lock()
	c, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	count := len(s.sessions)
	s.mu.Unlock()

	if ok {
		c.close()
		s.opts.Metrics.SetActiveSessions(count)
	}
	return ok
}

// Reset deletes the stored history of sessionID and closes its controller.
func (s *Sessions) Reset(ctx context.Context, sessionID string) (int64, error) {
	if c, ok := s.Get(sessionID); ok && !c.idle() {
		return 0, ErrTurnInFlight
	}
	count, err := s.store.DeleteSession(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset session %s: %w", sessionID, err)
	}
	s.Close(sessionID)
	s.log.InfoContext(ctx, "Session reset", "session_id", sessionID, "deleted", count)
	return count, nil
}

// Sweep closes idle sessions whose last activity is older than ttl and
// returns how many were closed. A ttl of zero disables sweeping.
func (s *Sessions) Sweep(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := s.opts.Now().Add(-ttl)

	s.mu.Lock()
	var stale []string
	for id, c := range s.sessions {
		if c.idle() && c.LastActive().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	closed := 0
	for _, id := range stale {
		if s.Close(id) {
			closed++
		}
	}
	if closed > 0 {
		s.log.Info("Swept idle sessions", "closed", closed, "ttl", ttl)
	}
	return closed
}

// Len returns the number of open sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

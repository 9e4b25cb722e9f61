package chat_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/edgard/ledgerchat/internal/assistant"
	"github.com/edgard/ledgerchat/internal/chat"
	"github.com/edgard/ledgerchat/internal/config"
	"github.com/edgard/ledgerchat/internal/database"
	"github.com/edgard/ledgerchat/internal/history"
	"github.com/edgard/ledgerchat/internal/transcript"
)

var testMessages = config.Messages{
	Welcome:             "welcome",
	Apology:             "sorry",
	TechnicalDifficulty: "technical difficulty",
	SaveFailed:          "save failed",
	LoadFailed:          "load failed",
	TurnInFlight:        "busy",
	HistoryReset:        "reset",
	HistoryEmpty:        "empty",
	NotAuthorized:       "no",
}

// memStore is an in-memory database.Store with injectable failures.
type memStore struct {
	mu       sync.Mutex
	history  []transcript.Message
	appended []transcript.Message
	queryErr error
	failSave func(transcript.Message) bool
	deleted  []string
	// queryGate, when set, holds Query until it is closed.
	queryGate chan struct{}
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) Append(_ context.Context, msg transcript.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil && s.failSave(msg) {
		return "", database.ErrSave
	}
	s.appended = append(s.appended, msg)
	return msg.ID, nil
}

func (s *memStore) Query(ctx context.Context, _ database.Query) ([]transcript.Message, error) {
	if s.queryGate != nil {
		select {
		case <-s.queryGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return append([]transcript.Message(nil), s.history...), nil
}

func (s *memStore) DeleteSession(_ context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, sessionID)
	return int64(len(s.history)), nil
}

func (s *memStore) RunMaintenance(context.Context) error { return nil }

func (s *memStore) saved() []transcript.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transcript.Message(nil), s.appended...)
}

// fakeAssistant returns resp/err, optionally blocking until release is
// closed. entered receives once per call before blocking.
type fakeAssistant struct {
	resp    assistant.Response
	err     error
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	texts []string
}

func (a *fakeAssistant) Invoke(ctx context.Context, text, _ string) (assistant.Response, error) {
	a.mu.Lock()
	a.texts = append(a.texts, text)
	a.mu.Unlock()

	if a.entered != nil {
		a.entered <- struct{}{}
	}
	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return a.resp, a.err
}

// stepClock advances one second on every read.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testOptions(clock *stepClock) chat.Options {
	return chat.Options{
		Messages: testMessages,
		Location: time.UTC,
		Now:      clock.Now,
	}
}

func newController(store *memStore, asst assistant.Client) *chat.Controller {
	opts := testOptions(newStepClock())
	return chat.NewController("s1", "p1", store, asst, history.NewLoader(store, nil, nil, nil), opts)
}

var errAssistantDown = errors.New("assistant down")

func texts(msgs []transcript.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/edgard/ledgerchat/internal/assistant"
	"github.com/edgard/ledgerchat/internal/chat"
	"github.com/edgard/ledgerchat/internal/history"
	"github.com/edgard/ledgerchat/internal/transcript"
)

func TestSubmitDisplaysExtractedText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp assistant.Response
		want string
	}{
		{name: "message field", resp: assistant.ParseResponse(`{"message":"hi"}`), want: "hi"},
		{name: "no recognized field", resp: assistant.ParseResponse(`{}`), want: "{}"},
		{name: "plain text", resp: assistant.PlainText("noted"), want: "noted"},
		{name: "empty reply", resp: assistant.PlainText("   "), want: "sorry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := &memStore{}
			c := newController(store, &fakeAssistant{resp: tt.resp})

			if err := c.Submit(context.Background(), "hello"); err != nil {
				t.Fatalf("Submit err: %v", err)
			}

			view := c.View()
			if diff := cmp.Diff([]string{"hello", tt.want}, texts(view.Messages())); diff != "" {
				t.Errorf("transcript mismatch (-want +got):\n%s", diff)
			}
			if view.State != chat.Idle || view.Pending() {
				t.Errorf("expected idle without indicator, got state %v pending %v", view.State, view.Pending())
			}
			msgs := view.Messages()
			if msgs[0].IsBot || !msgs[1].IsBot {
				t.Error("unexpected IsBot flags")
			}
			if msgs[1].MessageOrder <= msgs[0].MessageOrder {
				t.Errorf("bot order %d not after user order %d", msgs[1].MessageOrder, msgs[0].MessageOrder)
			}
			if got := len(store.saved()); got != 2 {
				t.Errorf("saved %d messages, want 2", got)
			}
		})
	}
}

func TestSubmitWhileAwaitingIsNoOp(t *testing.T) {
	t.Parallel()
	asst := &fakeAssistant{
		resp:    assistant.ParseResponse(`{"message":"hi"}`),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	c := newController(&memStore{}, asst)

	done := make(chan error, 1)
	go func() { done <- c.Submit(context.Background(), "first") }()
	<-asst.entered

	before := c.View()
	if before.State != chat.AwaitingAssistant || !before.Pending() {
		t.Fatalf("expected AwaitingAssistant with indicator, got %v pending %v", before.State, before.Pending())
	}

	if err := c.Submit(context.Background(), "hello"); !errors.Is(err, chat.ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}
	after := c.View()
	if len(after.Items) != len(before.Items) {
		t.Errorf("transcript changed: %d items, want %d", len(after.Items), len(before.Items))
	}

	close(asst.release)
	if err := <-done; err != nil {
		t.Fatalf("first Submit err: %v", err)
	}
	if diff := cmp.Diff([]string{"first", "hi"}, texts(c.View().Messages())); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmitAssistantFailure(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	c := newController(store, &fakeAssistant{err: errAssistantDown})

	if err := c.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("Submit err: %v", err)
	}

	view := c.View()
	if diff := cmp.Diff([]string{"hello", "technical difficulty"}, texts(view.Messages())); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}
	if view.State != chat.Idle {
		t.Errorf("state = %v, want idle", view.State)
	}
	if diff := cmp.Diff([]string{"hello", "technical difficulty"}, texts(transcript.Sort(store.saved()))); diff != "" {
		t.Errorf("stored mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmitUserSaveFailureKeepsOptimisticCopy(t *testing.T) {
	t.Parallel()
	store := &memStore{failSave: func(m transcript.Message) bool { return !m.IsBot }}
	c := newController(store, &fakeAssistant{resp: assistant.PlainText("ok")})

	if err := c.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("Submit err: %v", err)
	}

	view := c.View()
	if diff := cmp.Diff([]string{"hello", "ok"}, texts(view.Messages())); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}
	if view.Banner == nil || view.Banner.Kind != chat.BannerSaveFailed || view.Banner.Text != "save failed" {
		t.Errorf("expected save banner, got %+v", view.Banner)
	}

	c.DismissBanner()
	if c.View().Banner != nil {
		t.Error("banner not dismissed")
	}
}

func TestSubmitReplySaveFailureTakesFailedPath(t *testing.T) {
	t.Parallel()
	store := &memStore{failSave: func(m transcript.Message) bool { return m.IsBot }}
	c := newController(store, &fakeAssistant{resp: assistant.PlainText("ok")})

	if err := c.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("Submit err: %v", err)
	}

	if diff := cmp.Diff([]string{"hello", "technical difficulty"}, texts(c.View().Messages())); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}
	if c.State() != chat.Idle {
		t.Errorf("state = %v, want idle", c.State())
	}
}

func TestSubmitTagsReceipts(t *testing.T) {
	t.Parallel()
	resp := assistant.ParseResponse(`{"message":"Recorded the sale.","data":{"transaction_id":"TX-5"}}`)
	c := newController(&memStore{}, &fakeAssistant{resp: resp})

	if err := c.Submit(context.Background(), "sold 5 bags"); err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	msgs := c.View().Messages()
	reply := msgs[len(msgs)-1]
	if !reply.Receipt() || reply.TransactionID != "TX-5" {
		t.Errorf("expected receipt TX-5, got %+v", reply)
	}

	c2 := newController(&memStore{}, &fakeAssistant{resp: assistant.PlainText("Done. Transaction ID: TX-6")})
	if err := c2.Submit(context.Background(), "paid rent"); err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	msgs = c2.View().Messages()
	if reply := msgs[len(msgs)-1]; !reply.Receipt() || reply.TransactionID != "TX-6" {
		t.Errorf("expected text-marker receipt TX-6, got %+v", reply)
	}
}

func TestSubmitRejectsBlankText(t *testing.T) {
	t.Parallel()
	c := newController(&memStore{}, &fakeAssistant{})

	if err := c.Submit(context.Background(), "  \n"); !errors.Is(err, chat.ErrEmptyText) {
		t.Errorf("expected ErrEmptyText, got %v", err)
	}
	if len(c.View().Items) != 0 {
		t.Error("blank submit changed the transcript")
	}
}

func TestLoadMergesHistoryAndSeedsSequence(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, time.March, 9, 9, 0, 0, 0, time.UTC)
	store := &memStore{history: []transcript.Message{
		{ID: "h2", SessionID: "s1", Text: "two", Timestamp: base.Add(time.Minute), MessageOrder: 7},
		{ID: "h1", SessionID: "s1", Text: "one", Timestamp: base, MessageOrder: 3},
	}}
	c := newController(store, &fakeAssistant{resp: assistant.PlainText("ok")})

	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if err := c.Submit(context.Background(), "three"); err != nil {
		t.Fatalf("Submit err: %v", err)
	}

	msgs := c.View().Messages()
	if diff := cmp.Diff([]string{"one", "two", "three", "ok"}, texts(msgs)); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}
	if msgs[2].MessageOrder != 8 || msgs[3].MessageOrder != 9 {
		t.Errorf("orders = %d, %d; want 8, 9", msgs[2].MessageOrder, msgs[3].MessageOrder)
	}

	groups := c.Groups()
	if len(groups) != 2 || groups[0].DateLabel != "Yesterday" || groups[1].DateLabel != "Today" {
		t.Errorf("unexpected groups: %+v", groups)
	}
}

func TestSubmitBeforeLoadNeverReusesOrders(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, time.March, 9, 9, 0, 0, 0, time.UTC)
	gate := make(chan struct{})
	store := &memStore{
		queryGate: gate,
		history: []transcript.Message{
			{ID: "h0", SessionID: "s1", Text: "zero", Timestamp: base, MessageOrder: 0},
			{ID: "h1", SessionID: "s1", Text: "one", Timestamp: base.Add(time.Minute), MessageOrder: 1},
		},
	}
	asst := &fakeAssistant{resp: assistant.PlainText("ok")}
	c := newController(store, asst)

	done := make(chan error, 1)
	go func() { done <- c.Submit(context.Background(), "early") }()

	time.Sleep(20 * time.Millisecond)
	if got := c.State(); got != chat.Sending {
		t.Fatalf("state before load = %v, want Sending", got)
	}
	if len(c.View().Items) != 0 {
		t.Fatal("turn added messages before the history loaded")
	}
	if err := c.Submit(context.Background(), "again"); !errors.Is(err, chat.ErrTurnInFlight) {
		t.Errorf("second Submit err = %v, want ErrTurnInFlight", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load err: %v", err)
	}

	msgs := c.View().Messages()
	if diff := cmp.Diff([]string{"zero", "one", "early", "ok"}, texts(msgs)); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}
	seen := make(map[int]string)
	for _, m := range msgs {
		if prev, ok := seen[m.MessageOrder]; ok {
			t.Errorf("messageOrder %d used by %q and %q", m.MessageOrder, prev, m.Text)
		}
		seen[m.MessageOrder] = m.Text
	}
	if len(asst.texts) != 1 {
		t.Errorf("assistant calls = %d, want 1", len(asst.texts))
	}
}

func TestSubmitCancelledWhileLoading(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	defer close(gate)
	c := newController(&memStore{queryGate: gate}, &fakeAssistant{resp: assistant.PlainText("ok")})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Submit(ctx, "hello"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit err = %v, want DeadlineExceeded", err)
	}
	if got := c.State(); got != chat.Idle {
		t.Errorf("state = %v, want Idle", got)
	}
	if len(c.View().Items) != 0 {
		t.Error("cancelled turn changed the transcript")
	}
}

func TestLoadFailureSetsBanner(t *testing.T) {
	t.Parallel()
	store := &memStore{queryErr: errors.New("store offline")}
	c := newController(store, &fakeAssistant{})

	err := c.Load(context.Background())
	var loadErr *history.LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected *history.LoadError, got %v", err)
	}
	view := c.View()
	if !view.Loaded || len(view.Items) != 0 {
		t.Errorf("expected loaded empty transcript, got %+v", view)
	}
	if view.Banner == nil || view.Banner.Kind != chat.BannerLoadFailed {
		t.Errorf("expected load banner, got %+v", view.Banner)
	}

	if err := c.Load(context.Background()); !errors.As(err, &loadErr) {
		t.Errorf("second Load should report the first result, got %v", err)
	}
}

func TestEnsureWelcome(t *testing.T) {
	t.Parallel()

	t.Run("empty history", func(t *testing.T) {
		t.Parallel()
		store := &memStore{}
		c := newController(store, &fakeAssistant{})
		go func() { _ = c.Load(context.Background()) }()

		added, err := c.EnsureWelcome(context.Background())
		if err != nil || !added {
			t.Fatalf("EnsureWelcome = %v, %v; want true, nil", added, err)
		}
		added, err = c.EnsureWelcome(context.Background())
		if err != nil || added {
			t.Fatalf("second EnsureWelcome = %v, %v; want false, nil", added, err)
		}
		if diff := cmp.Diff([]string{"welcome"}, texts(c.View().Messages())); diff != "" {
			t.Errorf("transcript mismatch (-want +got):\n%s", diff)
		}
		if len(store.saved()) != 1 {
			t.Errorf("welcome not persisted")
		}
	})

	t.Run("existing history", func(t *testing.T) {
		t.Parallel()
		store := &memStore{history: []transcript.Message{{ID: "h", SessionID: "s1", Text: "old", Timestamp: time.Now()}}}
		c := newController(store, &fakeAssistant{})
		go func() { _ = c.Load(context.Background()) }()

		added, err := c.EnsureWelcome(context.Background())
		if err != nil || added {
			t.Fatalf("EnsureWelcome = %v, %v; want false, nil", added, err)
		}
	})

	t.Run("waits for load", func(t *testing.T) {
		t.Parallel()
		c := newController(&memStore{}, &fakeAssistant{})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		if _, err := c.EnsureWelcome(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected DeadlineExceeded before load, got %v", err)
		}
	})
}

func TestSubscribeSeesPendingIndicator(t *testing.T) {
	t.Parallel()
	c := newController(&memStore{}, &fakeAssistant{resp: assistant.PlainText("ok")})

	var mu sync.Mutex
	var states []chat.State
	sawPending := false
	unsubscribe := c.Subscribe(func(v chat.View) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, v.State)
		if v.Pending() {
			sawPending = true
		}
	})

	if err := c.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	unsubscribe()

	mu.Lock()
	defer mu.Unlock()
	if !sawPending {
		t.Error("listener never saw the pending indicator")
	}
	if len(states) == 0 || states[len(states)-1] != chat.Idle {
		t.Errorf("last notified state should be idle, got %v", states)
	}
}

func TestSnapshotGroupsMatchView(t *testing.T) {
	t.Parallel()
	asst := &fakeAssistant{
		resp:    assistant.PlainText("ok"),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	c := newController(&memStore{}, asst)

	done := make(chan error, 1)
	go func() { done <- c.Submit(context.Background(), "hello") }()
	<-asst.entered

	view, groups := c.Snapshot()
	if view.State != chat.AwaitingAssistant || !view.Pending() {
		t.Errorf("expected awaiting view with pending indicator, got %+v", view)
	}
	var grouped []transcript.Message
	for _, g := range groups {
		grouped = append(grouped, g.Messages...)
	}
	if diff := cmp.Diff(texts(view.Messages()), texts(grouped)); diff != "" {
		t.Errorf("groups disagree with view (-view +groups):\n%s", diff)
	}

	close(asst.release)
	if err := <-done; err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	view, groups = c.Snapshot()
	if len(groups) != 1 || len(groups[0].Messages) != len(view.Messages()) || view.Pending() {
		t.Errorf("settled snapshot mismatch: view %+v groups %+v", view, groups)
	}
}

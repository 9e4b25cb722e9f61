package telegram

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/go-cmp/cmp"

	"github.com/edgard/ledgerchat/internal/assistant"
	"github.com/edgard/ledgerchat/internal/chat"
	"github.com/edgard/ledgerchat/internal/config"
	"github.com/edgard/ledgerchat/internal/database"
	"github.com/edgard/ledgerchat/internal/history"
	"github.com/edgard/ledgerchat/internal/kvstore"
	"github.com/edgard/ledgerchat/internal/transcript"
)

var testMessages = config.Messages{
	Welcome:             "welcome",
	Apology:             "sorry",
	TechnicalDifficulty: "technical difficulty",
	SaveFailed:          "save failed",
	LoadFailed:          "load failed",
	TurnInFlight:        "busy",
	HistoryReset:        "history cleared",
	HistoryEmpty:        "nothing yet",
	NotAuthorized:       "not authorized",
}

type fakeSender struct {
	mu     sync.Mutex
	texts  []string
	typing chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{typing: make(chan struct{}, 16)}
}

func (s *fakeSender) SendMessage(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, params.Text)
	return &models.Message{Text: params.Text}, nil
}

func (s *fakeSender) SendChatAction(_ context.Context, params *bot.SendChatActionParams) (bool, error) {
	if params.Action == models.ChatActionTyping {
		select {
		case s.typing <- struct{}{}:
		default:
		}
	}
	return true, nil
}

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// waitingAssistant replies only after the typing indicator was shown.
type waitingAssistant struct {
	sender *fakeSender
	resp   assistant.Response
	err    error
}

func (a *waitingAssistant) Invoke(ctx context.Context, _, _ string) (assistant.Response, error) {
	select {
	case <-a.sender.typing:
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return a.resp, a.err
}

func newTestDeps(t *testing.T, client assistant.Client) HandlerDeps {
	t.Helper()
	store, err := kvstore.Open(kvstore.Options{InMemory: true, TimestampIndex: true}, nil)
	if err != nil {
		t.Fatalf("kvstore.Open err: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := chat.NewSessions(store, client, history.NewLoader(store, nil, log, nil), chat.Options{
		Messages: testMessages,
		Location: time.UTC,
		Logger:   log,
	})
	return HandlerDeps{
		Logger:   log,
		Messages: testMessages,
		Location: time.UTC,
		Sessions: sessions,
	}
}

func textUpdate(chatID, userID int64, text string) *models.Update {
	return &models.Update{Message: &models.Message{
		Text: text,
		Chat: models.Chat{ID: chatID},
		From: &models.User{ID: userID},
	}}
}

func TestSessionAndProfileIDs(t *testing.T) {
	t.Parallel()

	if got := SessionID(-100123); got != "tg--100123" {
		t.Errorf("SessionID = %q", got)
	}
	msg := textUpdate(5, 7, "hi").Message
	if got := ProfileID(msg); got != "tg-user-7" {
		t.Errorf("ProfileID = %q", got)
	}
	msg.From = nil
	if got := ProfileID(msg); got != "tg-5" {
		t.Errorf("ProfileID without sender = %q", got)
	}
}

func TestRenderHistory(t *testing.T) {
	t.Parallel()
	day := time.Date(2024, time.March, 10, 9, 30, 0, 0, time.UTC)
	groups := []transcript.Group{
		{DateLabel: "Yesterday", Messages: []transcript.Message{
			{Text: "hello", Timestamp: day.Add(-24 * time.Hour)},
		}},
		{DateLabel: "Today", Messages: []transcript.Message{
			{Text: "pay 10", Timestamp: day},
			{Text: "Paid", IsBot: true, Timestamp: day.Add(time.Minute), IsReceipt: transcript.BoolPtr(true)},
		}},
	}

	got := RenderHistory(groups, time.UTC)
	want := []string{strings.Join([]string{
		"📅 Yesterday",
		"[09:30] You: hello",
		"",
		"📅 Today",
		"[09:30] You: pay 10",
		"[09:31] Bot: 🧾 Paid",
	}, "\n")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RenderHistory mismatch (-want +got):\n%s", diff)
	}

	if got := RenderHistory(nil, nil); len(got) != 0 {
		t.Errorf("empty history rendered %q", got)
	}
}

func TestRenderHistorySplitsLongTranscripts(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 1500)
	var msgs []transcript.Message
	for i := 0; i < 6; i++ {
		msgs = append(msgs, transcript.Message{Text: long, Timestamp: time.Unix(int64(i), 0)})
	}

	chunks := RenderHistory([]transcript.Group{{DateLabel: "Today", Messages: msgs}}, time.UTC)
	if len(chunks) < 3 {
		t.Fatalf("expected the transcript to be split, got %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > maxMessageLength {
			t.Errorf("chunk %d has %d bytes", i, len(c))
		}
	}
	if !strings.HasPrefix(chunks[0], "📅 Today\n") {
		t.Errorf("first chunk lost its header: %q", chunks[0][:20])
	}
}

func TestRenderHistorySplitsOversizedMessage(t *testing.T) {
	t.Parallel()
	msgs := []transcript.Message{
		{Text: "short", Timestamp: time.Unix(0, 0)},
		{Text: strings.Repeat("q", 5000), IsBot: true, Timestamp: time.Unix(1, 0)},
	}

	chunks := RenderHistory([]transcript.Group{{DateLabel: "Today", Messages: msgs}}, time.UTC)
	if len(chunks) < 2 {
		t.Fatalf("expected the long message to be split, got %d chunks", len(chunks))
	}
	total := 0
	for i, c := range chunks {
		if len(c) > maxMessageLength {
			t.Errorf("chunk %d has %d bytes", i, len(c))
		}
		total += strings.Count(c, "q")
	}
	if total != 5000 {
		t.Errorf("split lost text: %d of 5000 bytes kept", total)
	}
	if !strings.HasPrefix(chunks[0], "📅 Today\n[00:00] You: short") {
		t.Errorf("first chunk lost its header: %q", chunks[0])
	}
}

func TestFormatReplySplitsLongText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
	}{
		{"ascii", strings.Repeat("x", 5000)},
		{"multibyte", strings.Repeat("é", 3000)},
		{"words", strings.Repeat("lorem ipsum ", 700)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			parts := FormatReply(transcript.Message{Text: tt.text, IsBot: true, IsReceipt: transcript.BoolPtr(false)})
			if len(parts) < 2 {
				t.Fatalf("expected several parts, got %d", len(parts))
			}
			for i, p := range parts {
				if len(p) > maxMessageLength || p == "" {
					t.Errorf("part %d has %d bytes", i, len(p))
				}
				if !utf8.ValidString(p) {
					t.Errorf("part %d was cut inside a rune", i)
				}
			}
			joined := strings.Join(parts, "")
			if strings.ReplaceAll(joined, " ", "") != strings.ReplaceAll(strings.TrimSpace(tt.text), " ", "") {
				t.Error("split changed the text")
			}
		})
	}
}

func TestStartHandlerWelcomesEmptySession(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t, &waitingAssistant{})
	sender := newFakeSender()

	newStartHandler(deps).handle(context.Background(), sender, textUpdate(1, 1, "/start"))
	if diff := cmp.Diff([]string{"welcome"}, sender.sent()); diff != "" {
		t.Errorf("first /start mismatch (-want +got):\n%s", diff)
	}

	sender = newFakeSender()
	newStartHandler(deps).handle(context.Background(), sender, textUpdate(1, 1, "/start"))
	got := sender.sent()
	if len(got) != 1 || !strings.Contains(got[0], "Bot: welcome") {
		t.Errorf("second /start should show the transcript, got %q", got)
	}
}

func TestMessageHandlerRunsTurn(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	client := &waitingAssistant{sender: sender, resp: assistant.Structured{Fields: map[string]any{
		"message": "Transfer sent",
		"data":    map[string]any{"transaction_id": "TX-9"},
	}}}
	deps := newTestDeps(t, client)

	newMessageHandler(deps).handle(context.Background(), sender, textUpdate(2, 3, "send 10 to bob"))

	if diff := cmp.Diff([]string{"🧾 Transfer sent"}, sender.sent()); diff != "" {
		t.Errorf("reply mismatch (-want +got):\n%s", diff)
	}

	c, ok := deps.Sessions.Get(SessionID(2))
	if !ok {
		t.Fatal("session not opened")
	}
	msgs := c.View().Messages()
	if len(msgs) != 2 || msgs[0].Text != "send 10 to bob" || msgs[1].TransactionID != "TX-9" {
		t.Errorf("unexpected transcript %+v", msgs)
	}
}

func TestMessageHandlerSendsLongReplyInParts(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	deps := newTestDeps(t, &waitingAssistant{sender: sender, resp: assistant.PlainText(strings.Repeat("z", 5000))})

	newMessageHandler(deps).handle(context.Background(), sender, textUpdate(6, 6, "tell me everything"))

	got := sender.sent()
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	for i, text := range got {
		if len(text) > maxMessageLength {
			t.Errorf("message %d has %d bytes", i, len(text))
		}
	}
	if len(got[0])+len(got[1]) != 5000 {
		t.Errorf("reply lost text: %d + %d bytes", len(got[0]), len(got[1]))
	}
}

// sweepOnLoadStore closes the session the first time its history is read,
// as the idle sweep would between Open and Submit.
type sweepOnLoadStore struct {
	database.Store
	sessions *chat.Sessions
	once     sync.Once
}

func (s *sweepOnLoadStore) Query(ctx context.Context, q database.Query) ([]transcript.Message, error) {
	s.once.Do(func() { s.sessions.Close(q.SessionID) })
	return s.Store.Query(ctx, q)
}

func TestMessageHandlerReopensSweptSession(t *testing.T) {
	t.Parallel()
	kv, err := kvstore.Open(kvstore.Options{InMemory: true, TimestampIndex: true}, nil)
	if err != nil {
		t.Fatalf("kvstore.Open err: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	sender := newFakeSender()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &sweepOnLoadStore{Store: kv}
	store.sessions = chat.NewSessions(store, &waitingAssistant{sender: sender, resp: assistant.PlainText("ok")},
		history.NewLoader(store, nil, log, nil), chat.Options{Messages: testMessages, Location: time.UTC, Logger: log})
	deps := HandlerDeps{Logger: log, Messages: testMessages, Location: time.UTC, Sessions: store.sessions}

	newMessageHandler(deps).handle(context.Background(), sender, textUpdate(8, 8, "hello"))

	if diff := cmp.Diff([]string{"ok"}, sender.sent()); diff != "" {
		t.Errorf("reply mismatch (-want +got):\n%s", diff)
	}
	c, ok := deps.Sessions.Get(SessionID(8))
	if !ok || len(c.View().Messages()) != 2 {
		t.Error("turn did not land on the reopened session")
	}
}

func TestMessageHandlerIgnoresCommandsAndBlanks(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	deps := newTestDeps(t, &waitingAssistant{sender: sender})
	h := newMessageHandler(deps)

	h.handle(context.Background(), sender, textUpdate(2, 3, "/unknown"))
	h.handle(context.Background(), sender, textUpdate(2, 3, "   "))
	h.handle(context.Background(), sender, &models.Update{})

	if got := sender.sent(); len(got) != 0 {
		t.Errorf("expected no replies, got %q", got)
	}
	if deps.Sessions.Len() != 0 {
		t.Error("no session should have been opened")
	}
}

func TestResetThenHistory(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	deps := newTestDeps(t, &waitingAssistant{sender: sender, resp: assistant.PlainText("ok")})
	ctx := context.Background()

	newMessageHandler(deps).handle(ctx, sender, textUpdate(4, 4, "hello"))

	sender = newFakeSender()
	newResetHandler(deps).handle(ctx, sender, textUpdate(4, 4, "/reset"))
	newHistoryHandler(deps).handle(ctx, sender, textUpdate(4, 4, "/history"))

	if diff := cmp.Diff([]string{"history cleared", "nothing yet"}, sender.sent()); diff != "" {
		t.Errorf("reset/history mismatch (-want +got):\n%s", diff)
	}
}

func TestRejectNonAdmin(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t, &waitingAssistant{})
	deps.AdminID = 42
	sender := newFakeSender()

	if rejectNonAdmin(context.Background(), sender, deps, textUpdate(1, 42, "hi")) {
		t.Error("admin was rejected")
	}
	if !rejectNonAdmin(context.Background(), sender, deps, textUpdate(1, 7, "hi")) {
		t.Error("stranger was let through")
	}
	if diff := cmp.Diff([]string{"not authorized"}, sender.sent()); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}
}

func TestRegisterAllCommands(t *testing.T) {
	t.Parallel()
	deps := newTestDeps(t, &waitingAssistant{})

	open := RegisterAllCommands(deps)
	for _, name := range []string{"start", "history", "reset"} {
		reg, ok := open[name]
		if !ok || reg.Handler == nil || reg.Pattern != name {
			t.Errorf("command %q not registered correctly: %+v", name, reg)
		}
		if len(reg.Middleware) != 0 {
			t.Errorf("command %q has middleware without an admin", name)
		}
	}

	deps.AdminID = 1
	for name, reg := range RegisterAllCommands(deps) {
		if len(reg.Middleware) != 1 {
			t.Errorf("command %q missing AdminOnly", name)
		}
	}
}

func TestSanitizeText(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"plain":                     "plain",
		"  padded \r\n":             "padded",
		"zero\u200Bwidth\uFEFF":     "zerowidth",
		"bell\x07 and \x1b escape":  "bell and  escape",
		"a\n\n\n\nb":                "a\n\nb",
		"line\u2028break":           "line\nbreak",
		"\u202Ereversed\u202C text": "reversed text",
	}
	for in, want := range tests {
		if got := sanitizeText(in); got != want {
			t.Errorf("sanitizeText(%q) = %q, want %q", in, got, want)
		}
	}

	reply := FormatReply(transcript.Message{Text: "Paid\u200B 10\n\n\n", IsBot: true, IsReceipt: transcript.BoolPtr(true)})
	if diff := cmp.Diff([]string{"🧾 Paid 10"}, reply); diff != "" {
		t.Errorf("FormatReply mismatch (-want +got):\n%s", diff)
	}
}

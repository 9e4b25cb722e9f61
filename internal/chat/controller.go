// Package chat drives one conversation: it owns the visible transcript of a
// session, runs each user turn through the assistant and keeps the store in
// step without ever blocking the user on persistence.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgard/ledgerchat/internal/assistant"
	"github.com/edgard/ledgerchat/internal/config"
	"github.com/edgard/ledgerchat/internal/database"
	"github.com/edgard/ledgerchat/internal/history"
	"github.com/edgard/ledgerchat/internal/metrics"
	"github.com/edgard/ledgerchat/internal/transcript"
)

// Options are the settings shared by every controller.
type Options struct {
	Messages       config.Messages
	ReceiptMarkers []string
	// Location is the timezone calendar days are bucketed in.
	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ReceiptMarkers == nil {
		o.ReceiptMarkers = transcript.DefaultReceiptMarkers
	}
	return o
}

// Controller owns the transcript of one session. All mutations happen under
// mu; the visible order is always re-derived by sorting.
type Controller struct {
	sessionID string
	profileID string

	store     database.Store
	assistant assistant.Client
	loader    *history.Loader
	opts      Options
	log       *slog.Logger

	loadOnce sync.Once
	loaded   chan struct{}
	loadErr  error

	mu         sync.Mutex
	state      State
	messages   []transcript.Message
	pending    *transcript.PendingIndicator
	banner     *Banner
	seq        *transcript.Sequence
	welcomed   bool
	closed     bool
	lastActive time.Time
	listeners  map[int]func(View)
	nextID     int
}

// NewController creates the controller of sessionID. Nothing is loaded
// until Load is called.
func NewController(sessionID, profileID string, store database.Store, client assistant.Client, loader *history.Loader, opts Options) *Controller {
	opts = opts.withDefaults()
	return &Controller{
		sessionID:  sessionID,
		profileID:  profileID,
		store:      store,
		assistant:  client,
		loader:     loader,
		opts:       opts,
		log:        opts.Logger.With("component", "chat_controller", "session_id", sessionID),
		loaded:     make(chan struct{}),
		seq:        transcript.NewSequence(nil),
		lastActive: opts.Now(),
		listeners:  make(map[int]func(View)),
	}
}

func (c *Controller) SessionID() string { return c.sessionID }

// Load reads the session history once and merges it under whatever the
// controller already shows. Later calls wait for the first load and return
// its error. A load failure leaves an empty history and sets a banner.
func (c *Controller) Load(ctx context.Context) error {
	c.loadOnce.Do(func() {
		defer close(c.loaded)

		msgs, err := c.loader.Load(ctx, c.sessionID)

		c.mu.Lock()
		c.messages = transcript.Merge(c.messages, msgs)
		c.seq.Observe(msgs...)
		if err != nil {
			c.loadErr = err
			c.banner = &Banner{Kind: BannerLoadFailed, Text: c.opts.Messages.LoadFailed}
			c.log.ErrorContext(ctx, "Failed to load session history", "error", err)
		}
		c.mu.Unlock()

		c.notify()
	})

	select {
	case <-c.loaded:
		return c.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitLoaded blocks until the history load has completed.
func (c *Controller) WaitLoaded(ctx context.Context) error {
	select {
	case <-c.loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnsureWelcome waits for the history load and then adds the welcome message
// when the transcript is still empty. It reports whether a welcome was added.
func (c *Controller) EnsureWelcome(ctx context.Context) (bool, error) {
	if err := c.WaitLoaded(ctx); err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrSessionClosed
	}
	if c.welcomed || len(c.messages) > 0 {
		c.mu.Unlock()
		return false, nil
	}
	c.welcomed = true
	welcome := c.newMessage(c.opts.Messages.Welcome, true)
	welcome.IsReceipt = transcript.BoolPtr(false)
	c.messages = transcript.Sort(append(c.messages, welcome))
	c.mu.Unlock()

	c.notify()
	c.persist(ctx, welcome, false)
	return true, nil
}

// Submit runs one conversational turn for text. It returns ErrTurnInFlight
// without touching the transcript while another turn is running. The turn
// waits for the history load before its messages are numbered. Assistant
// and persistence failures do not fail the turn: they surface as a fallback
// reply or a banner, and the controller always returns to Idle.
func (c *Controller) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if state := c.state; state != Idle {
		c.mu.Unlock()
		c.opts.Metrics.RecordTurn(metrics.OutcomeRejected)
		c.log.InfoContext(ctx, "Rejected submit while a turn is in flight", "state", state.String())
		return ErrTurnInFlight
	}
	c.state = Sending
	c.mu.Unlock()

	defer c.finishTurn()

	// Orders are only allocated once the stored history has seeded the
	// sequence. The load itself keeps running if ctx is cancelled.
	go func() { _ = c.Load(context.WithoutCancel(ctx)) }()
	if err := c.WaitLoaded(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	user := c.newMessage(text, false)
	c.messages = transcript.Sort(append(c.messages, user))
	c.lastActive = c.opts.Now()
	c.mu.Unlock()
	c.notify()

	saved := make(chan struct{})
	go func() {
		defer close(saved)
		c.persist(ctx, user, true)
	}()

	c.mu.Lock()
	c.state = AwaitingAssistant
	c.pending = &transcript.PendingIndicator{SessionID: c.sessionID, Since: c.opts.Now()}
	c.mu.Unlock()
	c.notify()

	start := time.Now()
	resp, err := c.assistant.Invoke(ctx, text, c.sessionID)
	c.opts.Metrics.ObserveAssistant(time.Since(start))

	if err != nil {
		c.log.WarnContext(ctx, "Assistant invocation failed", "error", err)
		c.fail(ctx)
	} else {
		c.resolve(ctx, resp)
	}

	<-saved
	return nil
}

func (c *Controller) resolve(ctx context.Context, resp assistant.Response) {
	c.mu.Lock()
	c.state = Resolved
	c.pending = nil
	c.mu.Unlock()

	outcome := metrics.OutcomeResolved
	text := assistant.ExtractText(resp)
	if strings.TrimSpace(text) == "" {
		c.log.WarnContext(ctx, "Assistant reply has no text, using apology", "error", assistant.ErrEmptyResponse)
		text = c.opts.Messages.Apology
		outcome = metrics.OutcomeFallback
	}

	c.mu.Lock()
	reply := c.newMessage(text, true)
	c.mu.Unlock()

	if txID := assistant.TransactionID(resp); txID != "" {
		reply.IsReceipt = transcript.BoolPtr(true)
		reply.TransactionID = txID
	} else {
		reply = transcript.ClassifyReceipt(reply, c.opts.ReceiptMarkers)
	}

	if !c.persist(ctx, reply, false) {
		c.fail(ctx)
		return
	}

	c.mu.Lock()
	c.messages = transcript.Sort(append(c.messages, reply))
	c.mu.Unlock()
	c.notify()
	c.opts.Metrics.RecordTurn(outcome)
}

// fail appends the technical-difficulty message. Its persistence is best
// effort.
func (c *Controller) fail(ctx context.Context) {
	c.mu.Lock()
	c.state = Failed
	c.pending = nil
	msg := c.newMessage(c.opts.Messages.TechnicalDifficulty, true)
	msg.IsReceipt = transcript.BoolPtr(false)
	c.mu.Unlock()

	c.persist(ctx, msg, false)

	c.mu.Lock()
	c.messages = transcript.Sort(append(c.messages, msg))
	c.mu.Unlock()
	c.notify()
	c.opts.Metrics.RecordTurn(metrics.OutcomeFailed)
}

func (c *Controller) finishTurn() {
	c.mu.Lock()
	c.state = Idle
	c.pending = nil
	c.lastActive = c.opts.Now()
	c.mu.Unlock()
	c.notify()
}

// persist writes msg and reports success. A failure is logged and counted;
// with banner set it also raises the save banner. The write outlives the
// caller's cancellation so an abandoned request still lands in the store.
func (c *Controller) persist(ctx context.Context, msg transcript.Message, banner bool) bool {
	_, err := c.store.Append(context.WithoutCancel(ctx), msg)
	if err == nil {
		return true
	}

	c.opts.Metrics.RecordSaveError()
	if errors.Is(err, database.ErrSave) {
		c.log.ErrorContext(ctx, "Failed to save message", "message_id", msg.ID, "is_bot", msg.IsBot, "error", err)
	} else {
		c.log.ErrorContext(ctx, "Unexpected error saving message", "message_id", msg.ID, "is_bot", msg.IsBot, "error", err)
	}
	if banner {
		c.mu.Lock()
		c.banner = &Banner{Kind: BannerSaveFailed, Text: c.opts.Messages.SaveFailed}
		c.mu.Unlock()
		c.notify()
	}
	return false
}

// newMessage builds a message with a client-generated ID so the optimistic
// copy and the stored copy share an identity. Callers hold mu.
func (c *Controller) newMessage(text string, isBot bool) transcript.Message {
	return transcript.Message{
		ID:           uuid.NewString(),
		SessionID:    c.sessionID,
		ProfileID:    c.profileID,
		Text:         text,
		IsBot:        isBot,
		Timestamp:    c.opts.Now(),
		MessageOrder: c.seq.Next(),
	}
}

// View returns a snapshot of the transcript.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() View {
	items := make([]transcript.Item, 0, len(c.messages)+1)
	for _, m := range c.messages {
		items = append(items, m)
	}
	if c.pending != nil {
		items = append(items, *c.pending)
	}

	var banner *Banner
	if c.banner != nil {
		b := *c.banner
		banner = &b
	}

	loaded := false
	select {
	case <-c.loaded:
		loaded = true
	default:
	}

	return View{
		SessionID: c.sessionID,
		State:     c.state,
		Loaded:    loaded,
		Items:     items,
		Banner:    banner,
	}
}

// Groups returns the transcript grouped by calendar day in the configured
// location.
func (c *Controller) Groups() []transcript.Group {
	_, groups := c.Snapshot()
	return groups
}

// Snapshot returns a View and the grouping of exactly the messages it holds.
func (c *Controller) Snapshot() (View, []transcript.Group) {
	c.mu.Lock()
	view := c.viewLocked()
	c.mu.Unlock()
	return view, transcript.GroupByDate(view.Messages(), c.opts.Now().In(c.opts.Location))
}

// State returns the current turn state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DismissBanner clears the current banner.
func (c *Controller) DismissBanner() {
	c.mu.Lock()
	c.banner = nil
	c.mu.Unlock()
	c.notify()
}

// LastActive returns when the last turn started or finished.
func (c *Controller) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Subscribe registers fn to receive a View after every change. fn runs on
// the goroutine that made the change and must not call back into the
// controller's mutating methods. The returned func unsubscribes.
func (c *Controller) Subscribe(fn func(View)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	if len(c.listeners) == 0 {
		c.mu.Unlock()
		return
	}
	view := c.viewLocked()
	fns := make([]func(View), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(view)
	}
}

// close detaches the controller: listeners are dropped and further turns
// are refused.
func (c *Controller) close() {
	c.mu.Lock()
	c.closed = true
	c.listeners = make(map[int]func(View))
	c.mu.Unlock()
}

// idle reports whether no turn is running.
func (c *Controller) idle() bool {
	return c.State() == Idle
}

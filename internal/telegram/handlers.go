package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/ledgerchat/internal/chat"
)

// commandTimeout bounds the store work of a command.
const commandTimeout = 30 * time.Second

type startHandler struct{ deps HandlerDeps }

func newStartHandler(deps HandlerDeps) startHandler { return startHandler{deps} }

func (h startHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.handle(ctx, b, update)
}

// handle opens the chat's session and greets an empty transcript, or shows
// what the session already holds.
func (h startHandler) handle(ctx context.Context, s Sender, update *models.Update) {
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID
	log := h.deps.Logger.With("handler", "start", "chat_id", chatID)

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	c, err := h.deps.Sessions.Open(ctx, SessionID(chatID), ProfileID(update.Message))
	if err != nil {
		log.ErrorContext(ctx, "Failed to open session", "error", err)
		send(ctx, s, log, chatID, h.deps.Messages.TechnicalDifficulty)
		return
	}
	welcomed, err := c.EnsureWelcome(ctx)
	if err != nil {
		log.ErrorContext(ctx, "Failed to prepare session", "error", err)
		send(ctx, s, log, chatID, h.deps.Messages.TechnicalDifficulty)
		return
	}

	if welcomed {
		send(ctx, s, log, chatID, h.deps.Messages.Welcome)
	} else {
		for _, chunk := range RenderHistory(c.Groups(), h.deps.Location) {
			send(ctx, s, log, chatID, chunk)
		}
	}
	sendBanner(ctx, s, log, chatID, c)
}

type historyHandler struct{ deps HandlerDeps }

func newHistoryHandler(deps HandlerDeps) historyHandler { return historyHandler{deps} }

func (h historyHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.handle(ctx, b, update)
}

func (h historyHandler) handle(ctx context.Context, s Sender, update *models.Update) {
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID
	log := h.deps.Logger.With("handler", "history", "chat_id", chatID)

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	c, err := h.deps.Sessions.Open(ctx, SessionID(chatID), ProfileID(update.Message))
	if err == nil {
		err = c.WaitLoaded(ctx)
	}
	if err != nil {
		log.ErrorContext(ctx, "Failed to load history", "error", err)
		send(ctx, s, log, chatID, h.deps.Messages.TechnicalDifficulty)
		return
	}

	chunks := RenderHistory(c.Groups(), h.deps.Location)
	if len(chunks) == 0 {
		send(ctx, s, log, chatID, h.deps.Messages.HistoryEmpty)
	}
	for _, chunk := range chunks {
		send(ctx, s, log, chatID, chunk)
	}
	sendBanner(ctx, s, log, chatID, c)
}

type resetHandler struct{ deps HandlerDeps }

func newResetHandler(deps HandlerDeps) resetHandler { return resetHandler{deps} }

func (h resetHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.handle(ctx, b, update)
}

func (h resetHandler) handle(ctx context.Context, s Sender, update *models.Update) {
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID
	log := h.deps.Logger.With("handler", "reset", "chat_id", chatID)

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	deleted, err := h.deps.Sessions.Reset(ctx, SessionID(chatID))
	switch {
	case errors.Is(err, chat.ErrTurnInFlight):
		send(ctx, s, log, chatID, h.deps.Messages.TurnInFlight)
	case err != nil:
		log.ErrorContext(ctx, "Failed to reset history", "error", err)
		send(ctx, s, log, chatID, h.deps.Messages.TechnicalDifficulty)
	default:
		log.InfoContext(ctx, "History reset", "deleted", deleted)
		send(ctx, s, log, chatID, h.deps.Messages.HistoryReset)
	}
}

type messageHandler struct{ deps HandlerDeps }

func newMessageHandler(deps HandlerDeps) messageHandler { return messageHandler{deps} }

func (h messageHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	h.handle(ctx, b, update)
}

// handle runs one turn for a plain text message. The typing indicator is
// shown while the assistant reply is pending; new assistant messages and any
// banner are sent once the turn settles.
func (h messageHandler) handle(ctx context.Context, s Sender, update *models.Update) {
	msg := update.Message
	if msg == nil || strings.TrimSpace(msg.Text) == "" || strings.HasPrefix(msg.Text, "/") {
		return
	}
	chatID := msg.Chat.ID
	log := h.deps.Logger.With("handler", "message", "chat_id", chatID)

	c, seen, err := h.runTurn(ctx, s, msg)
	if errors.Is(err, chat.ErrSessionClosed) {
		// The session was swept between Open and Submit; a fresh one is opened.
		log.InfoContext(ctx, "Session closed before the turn, reopening")
		c, seen, err = h.runTurn(ctx, s, msg)
	}

	switch {
	case errors.Is(err, chat.ErrTurnInFlight):
		send(ctx, s, log, chatID, h.deps.Messages.TurnInFlight)
		return
	case err != nil:
		log.ErrorContext(ctx, "Turn failed", "error", err)
		send(ctx, s, log, chatID, h.deps.Messages.TechnicalDifficulty)
		return
	}

	for _, m := range c.View().Messages() {
		if m.IsBot && !seen[m.ID] {
			for _, part := range FormatReply(m) {
				send(ctx, s, log, chatID, part)
			}
		}
	}
	sendBanner(ctx, s, log, chatID, c)
}

// runTurn opens the chat's session and submits msg to it, keeping the typing
// indicator up while the reply is pending. It returns the controller and the
// IDs of the messages it showed before the turn.
func (h messageHandler) runTurn(ctx context.Context, s Sender, msg *models.Message) (*chat.Controller, map[string]bool, error) {
	chatID := msg.Chat.ID
	c, err := h.deps.Sessions.Open(ctx, SessionID(chatID), ProfileID(msg))
	if err != nil {
		return nil, nil, err
	}
	if err := c.WaitLoaded(ctx); err != nil {
		return nil, nil, err
	}

	seen := make(map[string]bool)
	for _, m := range c.View().Messages() {
		seen[m.ID] = true
	}

	typingCtx, stopTyping := context.WithCancel(ctx)
	defer stopTyping()
	pending := make(chan struct{})
	var once sync.Once
	unsubscribe := c.Subscribe(func(v chat.View) {
		if v.Pending() {
			once.Do(func() { close(pending) })
		}
	})
	defer unsubscribe()
	go func() {
		select {
		case <-pending:
			keepTyping(typingCtx, s, chatID)
		case <-typingCtx.Done():
		}
	}()

	return c, seen, c.Submit(ctx, msg.Text)
}

// sendBanner forwards the session's banner as a notice and dismisses it.
func sendBanner(ctx context.Context, s Sender, log *slog.Logger, chatID int64, c *chat.Controller) {
	banner := c.View().Banner
	if banner == nil {
		return
	}
	send(ctx, s, log, chatID, "⚠️ "+banner.Text)
	c.DismissBanner()
}

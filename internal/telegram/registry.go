package telegram

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/ledgerchat/internal/chat"
	"github.com/edgard/ledgerchat/internal/config"
)

// Sender is the part of *bot.Bot the handlers talk to.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
}

// HandlerDeps contains the dependencies shared by every handler.
type HandlerDeps struct {
	Logger   *slog.Logger
	Messages config.Messages
	// AdminID restricts every handler to one user when non-zero.
	AdminID  int64
	Location *time.Location
	Sessions *chat.Sessions
}

// RegisteredHandler describes one handler and how it is matched.
type RegisteredHandler struct {
	HandlerType bot.HandlerType
	Pattern     string
	MatchType   bot.MatchType
	Handler     bot.HandlerFunc
	Middleware  []bot.Middleware
}

// RegisterAllCommands returns the command handlers keyed by command name.
func RegisterAllCommands(deps HandlerDeps) map[string]RegisteredHandler {
	var mw []bot.Middleware
	if deps.AdminID != 0 {
		mw = append(mw, AdminOnly(deps))
	}

	command := func(pattern string, h bot.HandlerFunc) RegisteredHandler {
		return RegisteredHandler{
			HandlerType: bot.HandlerTypeMessageText,
			Pattern:     pattern,
			MatchType:   bot.MatchTypeCommandStartOnly,
			Handler:     h,
			Middleware:  mw,
		}
	}

	return map[string]RegisteredHandler{
		"start":   command("start", newStartHandler(deps).Handle),
		"history": command("history", newHistoryHandler(deps).Handle),
		"reset":   command("reset", newResetHandler(deps).Handle),
	}
}

// DefaultHandler returns the handler for every update no command matched.
func DefaultHandler(deps HandlerDeps) bot.HandlerFunc {
	var mw []bot.Middleware
	if deps.AdminID != 0 {
		mw = append(mw, AdminOnly(deps))
	}
	return applyMiddleware(newMessageHandler(deps).Handle, mw)
}

// AdminOnly drops updates from anyone but the configured admin, answering
// them with the not-authorized message.
func AdminOnly(deps HandlerDeps) bot.Middleware {
	return func(next bot.HandlerFunc) bot.HandlerFunc {
		return func(ctx context.Context, b *bot.Bot, update *models.Update) {
			if !rejectNonAdmin(ctx, b, deps, update) {
				next(ctx, b, update)
			}
		}
	}
}

// rejectNonAdmin reports whether update came from someone other than the
// admin, in which case it has already been answered.
func rejectNonAdmin(ctx context.Context, s Sender, deps HandlerDeps, update *models.Update) bool {
	if update.Message == nil || update.Message.From == nil {
		return false
	}
	userID := update.Message.From.ID
	if userID == deps.AdminID {
		return false
	}

	chatID := update.Message.Chat.ID
	log := deps.Logger.With("middleware", "AdminOnly")
	log.WarnContext(ctx, "Unauthorized access attempt", "user_id", userID, "chat_id", chatID)
	send(ctx, s, log, chatID, deps.Messages.NotAuthorized)
	return true
}

func send(ctx context.Context, s Sender, log *slog.Logger, chatID int64, text string) {
	if text == "" {
		return
	}
	if _, err := s.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		log.ErrorContext(ctx, "Failed to send message", "error", err, "chat_id", chatID)
	}
}

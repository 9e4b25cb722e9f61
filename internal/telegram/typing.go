package telegram

import (
	"context"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// typingInterval is below the five seconds a chat action stays visible.
const typingInterval = 4 * time.Second

// keepTyping shows the typing indicator in chatID until ctx is done.
func keepTyping(ctx context.Context, s Sender, chatID int64) {
	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()

	for {
		_, _ = s.SendChatAction(ctx, &bot.SendChatActionParams{ChatID: chatID, Action: models.ChatActionTyping})
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

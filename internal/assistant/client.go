// Package assistant talks to the external assistant service that answers
// user turns. Backends return a Response, which is either plain text or a
// structured JSON object; ExtractText turns either into display text.
package assistant

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/edgard/ledgerchat/internal/config"
)

// Client is the contract the chat controller depends on.
type Client interface {
	// Invoke sends one user turn for sessionID and returns the reply.
	Invoke(ctx context.Context, text, sessionID string) (Response, error)
}

// New builds the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.AssistantConfig, log *slog.Logger) (Client, error) {
	switch cfg.Backend {
	case "gemini":
		return NewGeminiClient(ctx, cfg.Gemini, cfg.Timeout, log)
	case "ark":
		return NewArkClient(ctx, cfg.Ark, cfg.Timeout, log)
	default:
		return nil, fmt.Errorf("unknown assistant backend %q", cfg.Backend)
	}
}

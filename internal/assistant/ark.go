package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/edgard/ledgerchat/internal/config"
)

// chatGenerator is the part of an eino chat model the ark client uses.
type chatGenerator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

type arkClient struct {
	model       chatGenerator
	log         *slog.Logger
	instruction string
	timeout     time.Duration
}

// NewArkClient creates a Client on a Volcengine Ark model through eino.
func NewArkClient(ctx context.Context, cfg config.ArkConfig, timeout time.Duration, log *slog.Logger) (Client, error) {
	if cfg.APIKey == "" || cfg.Model == "" {
		return nil, fmt.Errorf("ark API key and model are required")
	}

	temperature := cfg.Temperature
	arkCfg := &ark.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		Region:      cfg.Region,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Temperature: &temperature,
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		arkCfg.MaxTokens = &maxTokens
	}
	chatModel, err := ark.NewChatModel(ctx, arkCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create ark chat model: %w", err)
	}

	c := newArkClient(chatModel, timeout, log)
	c.log.Info("Ark client initialized successfully", "model", cfg.Model)
	return c, nil
}

func newArkClient(m chatGenerator, timeout time.Duration, log *slog.Logger) *arkClient {
	if log == nil {
		log = slog.Default()
	}
	return &arkClient{
		model:       m,
		log:         log.With("component", "ark_client"),
		instruction: DefaultSystemInstruction,
		timeout:     timeout,
	}
}

func (c *arkClient) Invoke(ctx context.Context, text, sessionID string) (Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	messages := []*schema.Message{
		schema.SystemMessage(fmt.Sprintf(SessionHeader, sessionID) + c.instruction),
		schema.UserMessage(text),
	}

	c.log.DebugContext(ctx, "Invoking assistant", "session_id", sessionID, "text_length", len(text))
	reply, err := c.model.Generate(ctx, messages)
	if err != nil {
		c.log.ErrorContext(ctx, "Ark generation failed", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("ark API call failed: %w", err)
	}
	if reply == nil || strings.TrimSpace(reply.Content) == "" {
		return nil, ErrEmptyResponse
	}

	return ParseResponse(stripCodeFence(reply.Content)), nil
}

// stripCodeFence removes a surrounding ```json fence some models add despite
// the instruction.
func stripCodeFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") || !strings.HasSuffix(t, "```") || len(t) < 6 {
		return s
	}
	t = strings.TrimSuffix(strings.TrimPrefix(t, "```"), "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 && !strings.Contains(t[:nl], "{") {
		t = t[nl+1:]
	}
	return strings.TrimSpace(t)
}

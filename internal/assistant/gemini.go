package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/edgard/ledgerchat/internal/config"
)

// replySchema describes the JSON object the system instruction asks for.
var replySchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"message": {Type: genai.TypeString, Description: "Reply shown to the user."},
		"data": {
			Type:        genai.TypeObject,
			Description: "Recorded transaction, only when the message describes one.",
			Properties: map[string]*genai.Schema{
				"transaction_id": {Type: genai.TypeString},
				"type":           {Type: genai.TypeString},
				"amount":         {Type: genai.TypeNumber},
				"description":    {Type: genai.TypeString},
			},
		},
	},
	Required: []string{"message"},
}

type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

type geminiClient struct {
	generate      generateFunc
	log           *slog.Logger
	contentConfig *genai.GenerateContentConfig
	modelName     string
	maxRetries    int
	retryDelay    time.Duration
	timeout       time.Duration
}

// NewGeminiClient creates a Client on the Gemini API.
func NewGeminiClient(ctx context.Context, cfg config.GeminiConfig, timeout time.Duration, log *slog.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	c := newGeminiClient(gi.Models.GenerateContent, cfg, timeout, log)
	c.log.Info("Gemini client initialized successfully", "model", cfg.ModelName)
	return c, nil
}

func newGeminiClient(generate generateFunc, cfg config.GeminiConfig, timeout time.Duration, log *slog.Logger) *geminiClient {
	if log == nil {
		log = slog.Default()
	}

	instruction := cfg.SystemInstruction
	if instruction == "" {
		instruction = DefaultSystemInstruction
	}

	temperature := cfg.Temperature
	baseCfg := &genai.GenerateContentConfig{
		Temperature:       &temperature,
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: instruction}}},
		ResponseMIMEType:  "application/json",
		ResponseSchema:    replySchema,
	}

	return &geminiClient{
		generate:      generate,
		log:           log.With("component", "gemini_client"),
		contentConfig: baseCfg,
		modelName:     cfg.ModelName,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    time.Duration(cfg.RetryDelaySeconds) * time.Second,
		timeout:       timeout,
	}
}

// Invoke sends text as a single user turn. The session ID is carried in the
// system instruction header.
func (c *geminiClient) Invoke(ctx context.Context, text, sessionID string) (Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.log.DebugContext(ctx, "Invoking assistant", "session_id", sessionID, "text_length", len(text))

	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	resp, err := c.generateContentWithRetries(ctx, contents, c.withSessionHeader(sessionID))
	if err != nil {
		return nil, err
	}

	raw, err := c.extractText(ctx, resp)
	if err != nil {
		return nil, err
	}
	return ParseResponse(raw), nil
}

func (c *geminiClient) withSessionHeader(sessionID string) *genai.GenerateContentConfig {
	copyCfg := *c.contentConfig
	var existing string
	if c.contentConfig.SystemInstruction != nil && len(c.contentConfig.SystemInstruction.Parts) > 0 {
		existing = c.contentConfig.SystemInstruction.Parts[0].Text
	}
	copyCfg.SystemInstruction = &genai.Content{
		Parts: []*genai.Part{{Text: fmt.Sprintf(SessionHeader, sessionID) + existing}},
	}
	return &copyCfg
}

func (c *geminiClient) generateContentWithRetries(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var err error
	for i := 0; i <= c.maxRetries; i++ {
		var resp *genai.GenerateContentResponse
		resp, err = c.generate(ctx, c.modelName, contents, cfg)
		if err == nil {
			return resp, nil
		}

		c.log.WarnContext(ctx, "Gemini API call failed, checking for retry", "attempt", i+1, "max_retries", c.maxRetries, "error", err)

		code, retriable := retriableCode(err)
		if !retriable {
			c.log.ErrorContext(ctx, "Gemini API call failed with non-retriable error", "error", err)
			return nil, fmt.Errorf("gemini API call failed: %w", err)
		}
		if i == c.maxRetries {
			c.log.ErrorContext(ctx, "Gemini API call failed after max retries with APIError", "error", err, "code", code)
			return nil, fmt.Errorf("gemini API call failed after %d retries (APIError code %d): %w", c.maxRetries, code, err)
		}

		c.log.InfoContext(ctx, "Retrying Gemini API call due to retriable APIError", "delay", c.retryDelay, "code", code)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gemini API call aborted while waiting to retry: %w", ctx.Err())
		case <-time.After(c.retryDelay):
		}
	}
	return nil, err
}

// retriableCode reports whether err is a Gemini APIError with a 500 or 503
// status.
func retriableCode(err error) (int, bool) {
	var ptr *genai.APIError
	if errors.As(err, &ptr) {
		return ptr.Code, ptr.Code == 500 || ptr.Code == 503
	}
	var val genai.APIError
	if errors.As(err, &val) {
		return val.Code, val.Code == 500 || val.Code == 503
	}
	return 0, false
}

func (c *geminiClient) extractText(ctx context.Context, resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", ErrEmptyResponse
	}

	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" && fb.BlockReason != genai.BlockedReasonUnspecified {
		reasonMsg := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reasonMsg = resp.PromptFeedback.BlockReasonMessage
		}
		c.log.ErrorContext(ctx, "Gemini request blocked", "reason", reasonMsg)
		return "", fmt.Errorf("gemini request blocked by safety filter: %s", reasonMsg)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finishReason := "unknown"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
			finishReason = fmt.Sprintf("%v", resp.Candidates[0].FinishReason)
		}
		c.log.WarnContext(ctx, "Gemini response missing candidates or content", "finish_reason", finishReason)
		return "", fmt.Errorf("%w: finish reason %s", ErrEmptyResponse, finishReason)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

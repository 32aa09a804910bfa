// internal/llmclient/openai_client.go
package llmclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/internal/config"
)

// OpenAIClient generates completions with an OpenAI-compatible chat API.
type OpenAIClient struct {
	client openai.Client
	model  string
	cfg    config.DecisionConfig
	logger *zap.Logger
}

// NewOpenAIClient initializes the client. Endpoint, when set, points at any
// OpenAI-compatible server.
func NewOpenAIClient(cfg config.DecisionConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries are owned by the Limited wrapper.
		option.WithMaxRetries(0),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}))
	}

	return &OpenAIClient{
		client: openai.NewClient(opts...),
		model:  model,
		cfg:    cfg,
		logger: logger.Named("llm_client.openai"),
	}, nil
}

// Name identifies the provider and model.
func (c *OpenAIClient) Name() string { return "openai/" + c.model }

// Generate sends one chat completion request.
func (c *OpenAIClient) Generate(ctx context.Context, p Prompt) (string, error) {
	user := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(p.User)}
	if len(p.Image) > 0 {
		user = append(user, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(p.Image),
		}))
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(p.System),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(float64(c.cfg.Temperature)),
	}
	if c.cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.cfg.MaxTokens))
	}
	if p.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", c.classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai API returned no choices")
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return "", backoff.Permanent(fmt.Errorf("openai API refused: %s", choice.Message.Refusal))
	}
	if choice.Message.Content == "" {
		return "", fmt.Errorf("openai API returned empty content (finish reason: %s)", choice.FinishReason)
	}

	c.logger.Debug("LLM generation complete (OpenAI)",
		zap.Duration("duration", time.Since(start)),
		zap.Int64("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int64("completion_tokens", resp.Usage.CompletionTokens),
		zap.Int64("total_tokens", resp.Usage.TotalTokens),
	)
	return choice.Message.Content, nil
}

func (c *OpenAIClient) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		c.logger.Warn("OpenAI API returned error status", zap.Int("status", apiErr.StatusCode), zap.Error(err))
		wrapped := fmt.Errorf("openai API error: status %d: %w", apiErr.StatusCode, err)
		if retryableStatus(apiErr.StatusCode) {
			return wrapped
		}
		return backoff.Permanent(wrapped)
	}
	if errors.Is(err, context.Canceled) {
		return backoff.Permanent(err)
	}
	c.logger.Warn("Network error during LLM request", zap.Error(err))
	return fmt.Errorf("openai request failed: %w", err)
}

// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/config"
	"github.com/xkilldash9x/wayfinder/internal/observability"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// NewGenerator creates the model client for the configured provider.
func NewGenerator(ctx context.Context, cfg config.DecisionConfig, logger *zap.Logger) (Generator, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderGemini, "google":
		return NewGeminiClient(ctx, cfg, logger)
	case ProviderOpenAI:
		return NewOpenAIClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]", cfg.Provider, ProviderGemini, ProviderOpenAI)
	}
}

// NewDecisionService builds the full decision stack: provider client,
// response parsing, rate limiting and retries.
func NewDecisionService(ctx context.Context, cfg config.DecisionConfig, guidance string, metrics *observability.Metrics, logger *zap.Logger) (schemas.DecisionService, error) {
	gen, err := NewGenerator(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewLimited(NewDecisionClient(gen, guidance, logger), LimitedOptions{
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		MaxRetries:        cfg.MaxRetries,
		CallTimeout:       cfg.RequestTimeout,
	}, metrics, logger), nil
}

package llmclient

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/wayfinder/internal/config"
)

// fakeGenerator replays canned responses and records prompts.
type fakeGenerator struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	prompts   []Prompt
}

func (f *fakeGenerator) Name() string { return "fake/model" }

func (f *fakeGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.prompts)
	f.prompts = append(f.prompts, p)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	resp := ""
	if i < len(f.responses) {
		resp = f.responses[i]
	}
	return resp, err
}

// setupTestLogger is a helper to create a zap logger for testing with an observer.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// getValidDecisionConfig returns a valid DecisionConfig for testing purposes.
func getValidDecisionConfig() config.DecisionConfig {
	return config.DecisionConfig{
		Provider:    ProviderGemini,
		APIKey:      "test-api-key",
		Model:       "test-model",
		Temperature: 0.2,
		MaxTokens:   512,
	}
}

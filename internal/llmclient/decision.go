// internal/llmclient/decision.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/llmutil"
)

// DecisionClient implements schemas.DecisionService on top of a Generator.
type DecisionClient struct {
	gen      Generator
	guidance string
	logger   *zap.Logger
}

var _ schemas.DecisionService = (*DecisionClient)(nil)

// NewDecisionClient creates a decision service. guidance is appended to the
// system prompt when non-empty.
func NewDecisionClient(gen Generator, guidance string, logger *zap.Logger) *DecisionClient {
	return &DecisionClient{
		gen:      gen,
		guidance: guidance,
		logger:   logger.Named("decision").With(zap.String("model", gen.Name())),
	}
}

// Decide renders the request, calls the model and parses its answer.
func (c *DecisionClient) Decide(ctx context.Context, req schemas.DecisionRequest) (*schemas.DecisionResponse, error) {
	prompt, err := renderPrompt(req, c.guidance)
	if err != nil {
		return nil, err
	}
	raw, err := c.gen.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	d, err := llmutil.ParseDecision(raw)
	if err != nil {
		c.logger.Warn("Unparseable decision", zap.Int("step", req.StepNumber), zap.Error(err))
		return nil, fmt.Errorf("invalid decision response: %w", err)
	}
	c.logger.Debug("Decision received",
		zap.Int("step", req.StepNumber),
		zap.String("tool", string(d.Tool)),
		zap.String("reasoning", d.Reasoning))
	return d, nil
}

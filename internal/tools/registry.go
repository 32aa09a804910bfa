// internal/tools/registry.go
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/observability"
	"github.com/xkilldash9x/wayfinder/internal/session"
)

// Call is one tool invocation. Driver is the automation driver the caller
// currently holds exclusive access to; it may be nil for tools that never
// touch the browser.
type Call struct {
	PageHash string
	PageURL  string
	Step     int
	Decision *schemas.DecisionResponse
	Driver   schemas.AutomationDriver
}

// Outcome is the result of a tool invocation, ready to be recorded.
type Outcome struct {
	Step schemas.ExecutedStep
	// Counted is false for steps that do not consume the page's step budget.
	Counted bool
	// CurrentURL is the page URL after the tool ran, when known.
	CurrentURL string
}

// Handler executes one tool.
type Handler func(ctx context.Context, call Call) (*Outcome, error)

// DiscoveryHook is notified when an act registers a brand-new page.
type DiscoveryHook func(d session.Discovery)

// Config tunes tool behavior.
type Config struct {
	DefaultPriority int
	InputTimeout    time.Duration
	DefaultStandby  float64
	MaxStandby      float64
	// UserName is echoed in input requests so the UI can address the human.
	UserName string
}

// Registry dispatches decisions to tool handlers.
type Registry struct {
	logger     *zap.Logger
	state      *session.State
	inputs     schemas.InputTransport
	formatter  schemas.SummaryFormatter
	metrics    *observability.Metrics
	cfg        Config
	onDiscover DiscoveryHook
	handlers   map[schemas.ToolName]Handler
}

// NewRegistry creates a registry with the four exploration tools.
func NewRegistry(logger *zap.Logger, state *session.State, inputs schemas.InputTransport, formatter schemas.SummaryFormatter, metrics *observability.Metrics, cfg Config) *Registry {
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = schemas.PriorityDefault
	}
	if cfg.InputTimeout <= 0 {
		cfg.InputTimeout = 5 * time.Minute
	}
	if cfg.DefaultStandby <= 0 {
		cfg.DefaultStandby = 3
	}
	if cfg.MaxStandby <= 0 {
		cfg.MaxStandby = 60
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	r := &Registry{
		logger:    logger.Named("tools"),
		state:     state,
		inputs:    inputs,
		formatter: formatter,
		metrics:   metrics,
		cfg:       cfg,
		handlers:  make(map[schemas.ToolName]Handler),
	}
	r.register(schemas.ToolPageAct, r.act)
	r.register(schemas.ToolPageExtract, r.extract)
	r.register(schemas.ToolUserInput, r.requestUserInput)
	r.register(schemas.ToolStandby, r.standby)
	return r
}

// SetDiscoveryHook installs the callback for newly queued pages.
func (r *Registry) SetDiscoveryHook(hook DiscoveryHook) {
	r.onDiscover = hook
}

func (r *Registry) register(name schemas.ToolName, h Handler) {
	r.handlers[name] = h
}

// Execute runs the tool selected by call.Decision. Tool failures are
// reported in the outcome, never as an error; an error means the call could
// not be attempted at all.
func (r *Registry) Execute(ctx context.Context, call Call) (outcome *Outcome, err error) {
	if call.Decision == nil {
		return nil, fmt.Errorf("tool call for step %d has no decision", call.Step)
	}
	tool := call.Decision.Tool

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Tool handler panicked",
				zap.String("tool", string(tool)),
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())))
			outcome = failed(call, ErrCodeExecutorPanic, fmt.Sprintf("panic: %v", rec))
			err = nil
		}
		if outcome != nil {
			r.metrics.ObserveStep(string(tool), outcome.Step.Success)
		}
	}()

	handler, ok := r.handlers[tool]
	if !ok {
		return failed(call, ErrCodeUnknownTool, fmt.Sprintf("no handler registered for tool %q", tool)), nil
	}
	if !call.Decision.Valid() {
		return failed(call, ErrCodeInvalidParameters, fmt.Sprintf("tool %q is missing required parameters", tool)), nil
	}
	return handler(ctx, call)
}

// failed builds a counted, unsuccessful step.
func failed(call Call, code ErrorCode, details string) *Outcome {
	step := baseStep(call)
	step.Success = false
	step.ErrorCode = string(code)
	step.ErrorDetails = details
	return &Outcome{Step: step, Counted: true, CurrentURL: call.PageURL}
}

func baseStep(call Call) schemas.ExecutedStep {
	step := schemas.ExecutedStep{Step: call.Step, Timestamp: time.Now()}
	if call.Decision != nil {
		step.ToolUsed = call.Decision.Tool
		step.Instruction = call.Decision.Parameters.Instruction
	}
	return step
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return b
}

// capture takes a screenshot and attaches it to the page. Failures are
// logged; a missing screenshot never fails the step.
func (r *Registry) capture(ctx context.Context, call Call, kind schemas.ScreenshotKind) {
	if call.Driver == nil {
		return
	}
	data, err := call.Driver.Screenshot(ctx)
	if err != nil {
		r.logger.Warn("Screenshot failed", zap.String("kind", string(kind)), zap.Int("step", call.Step), zap.Error(err))
		return
	}
	shot := schemas.Screenshot{Step: call.Step, Kind: kind, Data: data, URL: call.PageURL}
	if u, err := call.Driver.CurrentURL(ctx); err == nil {
		shot.URL = u
	}
	if st, err := call.Driver.PageState(ctx); err == nil {
		shot.State = st
	}
	if err := r.state.AddScreenshot(call.PageHash, shot); err != nil {
		r.logger.Warn("Could not attach screenshot", zap.Error(err))
	}
}

package tools

import (
	"context"
	"errors"
	"regexp"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/discovery"
	"github.com/xkilldash9x/wayfinder/internal/session"
)

// placeholderPattern matches {{input_key}} references to human-provided values.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// expandPlaceholders substitutes stored user inputs into an instruction. The
// recorded instruction keeps the placeholders so secrets never reach history.
func (r *Registry) expandPlaceholders(instruction string) string {
	return placeholderPattern.ReplaceAllStringFunc(instruction, func(m string) string {
		key := placeholderPattern.FindStringSubmatch(m)[1]
		if v, ok := r.state.Input(key); ok {
			return v.Value
		}
		return m
	})
}

// act performs an instruction on the page and registers the destination if
// the URL changed.
func (r *Registry) act(ctx context.Context, call Call) (*Outcome, error) {
	if call.Driver == nil {
		return failed(call, ErrCodeExecutionFailure, "no automation driver available"), nil
	}
	instruction := call.Decision.Parameters.Instruction
	log := r.logger.With(zap.Int("step", call.Step), zap.String("instruction", instruction))

	before := call.PageURL
	if u, err := call.Driver.CurrentURL(ctx); err == nil && u != "" {
		before = u
	}

	actErr := call.Driver.Act(ctx, r.expandPlaceholders(instruction))
	r.capture(ctx, call, schemas.ScreenshotAfterAct)

	after := before
	if u, err := call.Driver.CurrentURL(ctx); err == nil && u != "" {
		after = u
	}

	result := schemas.ActResult{PreviousURL: before, CurrentURL: after}
	result.URLChanged = !sameURL(before, after)

	step := baseStep(call)
	step.Success = actErr == nil
	step.URLChanged = result.URLChanged
	if actErr != nil {
		code, details := ParseDriverError(actErr)
		step.ErrorCode = string(code)
		step.ErrorDetails = details
		log.Warn("Act failed", zap.String("error_code", string(code)), zap.Error(actErr))
	}

	if result.URLChanged {
		step.NewURL = after
		r.registerDestination(after, before, &result, log)
		step.NewURLsDiscovered = result.NewURLsDiscovered
	}

	entry := schemas.ActionHistoryEntry{
		Instruction: instruction,
		SourceURL:   before,
		URLChanged:  result.URLChanged,
		StepNumber:  call.Step,
		Success:     actErr == nil,
	}
	if result.URLChanged {
		entry.TargetURL = after
	}
	r.state.RecordAction(entry)

	step.Result = mustMarshal(result)
	return &Outcome{Step: step, Counted: true, CurrentURL: after}, nil
}

func (r *Registry) registerDestination(after, before string, result *schemas.ActResult, log *zap.Logger) {
	if r.state.ShouldSuppressQueuing() {
		result.Suppressed = true
		log.Debug("Discovery suppressed inside sensitive flow", zap.String("url", after))
		return
	}
	d, err := r.state.RegisterDiscovery(after, r.cfg.DefaultPriority, before)
	switch {
	case errors.Is(err, session.ErrOutOfScope):
		result.OutOfScope = true
		log.Debug("Destination out of scope", zap.String("url", after))
		return
	case err != nil:
		log.Warn("Could not register destination", zap.String("url", after), zap.Error(err))
		return
	}
	if !d.Inserted {
		return
	}
	result.Queued = true
	result.NewURLsDiscovered = []string{d.URL}
	r.metrics.PageDiscovered()
	if r.onDiscover != nil {
		r.onDiscover(d)
	}
}

// sameURL compares two URLs by page identity, falling back to string equality.
func sameURL(a, b string) bool {
	ca, _, errA := discovery.Canonicalize(a, "")
	cb, _, errB := discovery.Canonicalize(b, "")
	if errA != nil || errB != nil {
		return a == b
	}
	return ca == cb
}

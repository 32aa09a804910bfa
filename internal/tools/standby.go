package tools

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

// standbyDuration clamps the requested wait to [1s, max], using the default
// when nothing usable was requested.
func (r *Registry) standbyDuration(requested float64) float64 {
	secs := requested
	if secs <= 0 {
		secs = r.cfg.DefaultStandby
	}
	if secs < 1 {
		secs = 1
	}
	if secs > r.cfg.MaxStandby {
		secs = r.cfg.MaxStandby
	}
	return secs
}

// standby waits for the page to settle. It brackets the wait with screenshots
// and never consumes step budget.
func (r *Registry) standby(ctx context.Context, call Call) (*Outcome, error) {
	secs := r.standbyDuration(call.Decision.Parameters.WaitSeconds)
	result := schemas.StandbyResult{URLBefore: call.PageURL, URLAfter: call.PageURL}

	step := baseStep(call)
	step.WaitTime = secs
	if step.Instruction == "" {
		step.Instruction = fmt.Sprintf("wait %.1fs", secs)
	}

	if call.Driver == nil {
		o := failed(call, ErrCodeExecutionFailure, "no automation driver available")
		o.Counted = false
		return o, nil
	}

	if u, err := call.Driver.CurrentURL(ctx); err == nil && u != "" {
		result.URLBefore = u
	}
	r.capture(ctx, call, schemas.ScreenshotStandbyBefore)

	start := time.Now()
	waitErr := call.Driver.WaitForTimeout(ctx, time.Duration(secs*float64(time.Second)))
	result.WaitedSeconds = time.Since(start).Seconds()

	r.capture(ctx, call, schemas.ScreenshotStandbyAfter)
	result.URLAfter = result.URLBefore
	if u, err := call.Driver.CurrentURL(ctx); err == nil && u != "" {
		result.URLAfter = u
	}

	step.Success = waitErr == nil
	if waitErr != nil {
		code, details := ParseDriverError(waitErr)
		step.ErrorCode = string(code)
		step.ErrorDetails = details
		r.logger.Debug("Standby interrupted", zap.Int("step", call.Step), zap.Error(waitErr))
	}
	if !sameURL(result.URLBefore, result.URLAfter) {
		step.URLChanged = true
		step.NewURL = result.URLAfter
	}
	step.Result = mustMarshal(result)
	return &Outcome{Step: step, Counted: false, CurrentURL: result.URLAfter}, nil
}

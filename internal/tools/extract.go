package tools

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

// extract pulls structured data from the page and folds it into the page's
// versioned extraction history.
func (r *Registry) extract(ctx context.Context, call Call) (*Outcome, error) {
	if call.Driver == nil {
		return failed(call, ErrCodeExecutionFailure, "no automation driver available"), nil
	}
	instruction := call.Decision.Parameters.Instruction

	data, err := call.Driver.Extract(ctx, instruction)
	if err != nil {
		code, details := ParseDriverError(err)
		if code == ErrCodeExecutionFailure {
			code = ErrCodeExtractionFailed
		}
		r.logger.Warn("Extraction failed", zap.Int("step", call.Step), zap.String("error_code", string(code)), zap.Error(err))
		return failed(call, code, details), nil
	}
	if !json.Valid(data) {
		// Free-form text is kept, wrapped as a JSON string.
		data = mustMarshal(string(data))
	}

	res, summary, err := r.state.AddExtraction(call.PageHash, instruction, data, call.Step, r.formatter)
	if err != nil {
		return failed(call, ErrCodeExtractionFailed, err.Error()), nil
	}

	step := baseStep(call)
	step.Success = true
	step.Result = mustMarshal(schemas.ExtractResult{
		Version:           res.Version,
		Data:              res.Data,
		CumulativeSummary: summary,
	})
	return &Outcome{Step: step, Counted: true, CurrentURL: call.PageURL}, nil
}

package tools

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

// secretInputTypes are masked wherever values would be recorded.
var secretInputTypes = map[string]bool{
	"password": true, "otp": true, "pin": true, "secret": true, "token": true,
}

const maskedValue = "********"

func maskFor(inputType, value string) string {
	if secretInputTypes[strings.ToLower(inputType)] {
		return maskedValue
	}
	return value
}

// requestUserInput collects values from the human. Values already in the
// session are reused; the rest are requested in one batch and stored as they
// arrive, so a timeout keeps whatever was received.
func (r *Registry) requestUserInput(ctx context.Context, call Call) (*Outcome, error) {
	requests := call.Decision.Parameters.InputRequests
	log := r.logger.With(zap.Int("step", call.Step))

	types := make(map[string]string, len(requests))
	received := make(map[string]string, len(requests))
	var missing []schemas.InputRequest
	for _, req := range requests {
		types[req.InputKey] = req.InputType
		if v, ok := r.state.Input(req.InputKey); ok {
			received[req.InputKey] = v.Value
			continue
		}
		if containsKey(missing, req.InputKey) {
			continue
		}
		missing = append(missing, req)
	}

	var errCode ErrorCode
	if len(missing) > 0 {
		errCode = r.collect(ctx, call, missing, received, log)
	}

	pending := make(map[string]bool)
	for _, req := range missing {
		if _, ok := received[req.InputKey]; !ok {
			pending[req.InputKey] = true
		}
	}

	result := schemas.UserInputResult{
		AllInputsCollected: len(pending) == 0,
		InputsReceived:     make(map[string]string, len(received)),
	}
	for k, v := range received {
		result.InputsReceived[k] = maskFor(types[k], v)
	}
	for k := range pending {
		result.MissingKeys = append(result.MissingKeys, k)
	}
	sort.Strings(result.MissingKeys)

	step := baseStep(call)
	step.Instruction = describeRequests(requests)
	step.Success = result.AllInputsCollected
	step.InputValues = result.InputsReceived
	for _, req := range requests {
		step.InputKeys = append(step.InputKeys, req.InputKey)
	}
	if !result.AllInputsCollected {
		if errCode == "" {
			errCode = ErrCodeInputTimeout
		}
		step.ErrorCode = string(errCode)
		step.ErrorDetails = "missing inputs: " + strings.Join(result.MissingKeys, ", ")
	}
	step.Result = mustMarshal(result)
	return &Outcome{Step: step, Counted: true, CurrentURL: call.PageURL}, nil
}

// collect sends one request for the missing keys and waits for answers until
// all arrive or the input timeout elapses. It stores each answer immediately.
func (r *Registry) collect(ctx context.Context, call Call, missing []schemas.InputRequest, received map[string]string, log *zap.Logger) ErrorCode {
	if r.inputs == nil {
		log.Warn("User input requested but no input transport is configured")
		return ErrCodeInputUnavailable
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.InputTimeout)
	defer cancel()

	req := schemas.UserInputRequest{
		RequestID:  uuid.NewString(),
		SessionID:  r.state.ID(),
		UserName:   r.cfg.UserName,
		URLHash:    call.PageHash,
		URL:        call.PageURL,
		StepNumber: call.Step,
		Inputs:     missing,
		Timestamp:  time.Now(),
	}
	answers, err := r.inputs.RequestInput(waitCtx, req)
	if err != nil {
		log.Warn("Failed to deliver input request", zap.Error(err))
		return ErrCodeInputUnavailable
	}

	wanted := make(map[string]string, len(missing))
	for _, m := range missing {
		wanted[m.InputKey] = m.InputType
	}
	log.Info("Waiting for user input", zap.String("request_id", req.RequestID), zap.Int("keys", len(wanted)))

	for len(wanted) > 0 {
		select {
		case ans, ok := <-answers:
			if !ok {
				if waitCtx.Err() != nil {
					r.metrics.InputTimedOut()
					log.Warn("Timed out waiting for user input", zap.Int("missing", len(wanted)))
					return ErrCodeInputTimeout
				}
				log.Warn("Input transport closed before all inputs arrived", zap.Int("missing", len(wanted)))
				return ErrCodeInputUnavailable
			}
			inputType, expected := wanted[ans.InputKey]
			if !expected {
				continue
			}
			r.state.StoreInput(ans.InputKey, ans.Value, inputType)
			received[ans.InputKey] = ans.Value
			delete(wanted, ans.InputKey)
		case <-waitCtx.Done():
			r.metrics.InputTimedOut()
			log.Warn("Timed out waiting for user input", zap.Int("missing", len(wanted)))
			return ErrCodeInputTimeout
		}
	}
	return ""
}

func containsKey(reqs []schemas.InputRequest, key string) bool {
	for _, r := range reqs {
		if r.InputKey == key {
			return true
		}
	}
	return false
}

func describeRequests(reqs []schemas.InputRequest) string {
	keys := make([]string, 0, len(reqs))
	for _, r := range reqs {
		keys = append(keys, r.InputKey)
	}
	return "request user input: " + strings.Join(keys, ", ")
}

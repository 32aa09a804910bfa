package session

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

// EnterFlow marks the start of a sensitive flow opened by the loop of page
// pageHash while the browser showed atURL. Entering while already in a flow
// keeps the original flow and returns false.
func (st *State) EnterFlow(flowType schemas.FlowType, pageHash, atURL string, atStep int) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.s.FlowContext.IsInSensitiveFlow {
		return false
	}
	if flowType == "" {
		flowType = schemas.FlowFormSubmission
	}
	st.s.FlowContext = schemas.FlowContext{
		IsInSensitiveFlow: true,
		FlowType:          flowType,
		StartURL:          atURL,
		PageHash:          pageHash,
		FlowStartStep:     atStep,
	}
	st.s.FlowHistory = append(st.s.FlowHistory, schemas.FlowSpan{
		ID:        fmt.Sprintf("flow_%d_%s", len(st.s.FlowHistory)+1, flowType),
		FlowType:  flowType,
		StartURL:  atURL,
		PageHash:  pageHash,
		StartStep: atStep,
	})
	st.logger.Info("Entered sensitive flow", zap.String("flow_type", string(flowType)), zap.String("page", pageHash), zap.Int("step", atStep))
	return true
}

// ExitFlow clears the flow context and closes the open span. It returns
// false when no flow was active.
func (st *State) ExitFlow(atStep int) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.exitFlowLocked(atStep)
}

// ExitFlowIfStartedOn exits the active flow when the loop of page pageHash
// opened it, wherever the browser has navigated since.
func (st *State) ExitFlowIfStartedOn(pageHash string, atStep int) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if pageHash == "" || st.s.FlowContext.PageHash != pageHash {
		return false
	}
	return st.exitFlowLocked(atStep)
}

func (st *State) exitFlowLocked(atStep int) bool {
	if !st.s.FlowContext.IsInSensitiveFlow {
		return false
	}
	if n := len(st.s.FlowHistory); n > 0 && st.s.FlowHistory[n-1].EndStep == 0 {
		st.s.FlowHistory[n-1].EndStep = atStep
	}
	st.logger.Info("Exited sensitive flow",
		zap.String("flow_type", string(st.s.FlowContext.FlowType)),
		zap.Int("started", st.s.FlowContext.FlowStartStep),
		zap.Int("step", atStep))
	st.s.FlowContext = schemas.FlowContext{}
	return true
}

// ShouldSuppressQueuing reports whether discoveries must not be queued.
func (st *State) ShouldSuppressQueuing() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.FlowContext.IsInSensitiveFlow
}

// FlowContext returns the current flow context.
func (st *State) FlowContext() schemas.FlowContext {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.FlowContext
}

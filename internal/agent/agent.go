package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser"
	"github.com/xkilldash9x/wayfinder/internal/observability"
	"github.com/xkilldash9x/wayfinder/internal/session"
	"github.com/xkilldash9x/wayfinder/internal/tools"
)

// PrimaryOwner is the lease owner name used by the page loop.
const PrimaryOwner = "primary"

// StopReason explains why a page run ended.
type StopReason string

const (
	StopCompleted      StopReason = "completed"
	StopBudget         StopReason = "budget_exhausted"
	StopDecisionFailed StopReason = "decision_failed"
	StopNavigation     StopReason = "navigation_failed"
	StopDisconnected   StopReason = "disconnected"
	StopCanceled       StopReason = "canceled"
)

// Terminal reports whether the page was marked completed.
func (r StopReason) Terminal() bool {
	switch r {
	case StopCompleted, StopBudget, StopDecisionFailed, StopNavigation:
		return true
	default:
		return false
	}
}

// PageResult summarizes one page run.
type PageResult struct {
	URLHash           string
	URL               string
	Reason            StopReason
	Steps             int
	ObjectiveAchieved bool
}

// Config tunes the loop.
type Config struct {
	// MaxStepsPerPage is the counted-step budget per page. Standby is free.
	MaxStepsPerPage int
	// MaxPages is the page ceiling reported to the decision service.
	MaxPages int
	// HistoryWindow bounds the conversation turns sent with each request;
	// zero sends the whole page history.
	HistoryWindow int
	Exploratory   bool
}

// Agent runs the decide, execute, record cycle for one page at a time.
type Agent struct {
	state     *session.State
	decisions schemas.DecisionService
	tools     *tools.Registry
	exclusive *browser.Exclusive
	publisher schemas.ProgressPublisher
	liveness  schemas.Liveness
	metrics   *observability.Metrics
	cfg       Config
	logger    *zap.Logger

	lease      *browser.Lease
	currentURL string
}

// Dependencies groups the collaborators of an Agent. Publisher and Liveness
// are optional.
type Dependencies struct {
	State     *session.State
	Decisions schemas.DecisionService
	Tools     *tools.Registry
	Exclusive *browser.Exclusive
	Publisher schemas.ProgressPublisher
	Liveness  schemas.Liveness
	Metrics   *observability.Metrics
}

// New creates a page loop.
func New(deps Dependencies, cfg Config, logger *zap.Logger) *Agent {
	if cfg.MaxStepsPerPage <= 0 {
		cfg.MaxStepsPerPage = 20
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NopMetrics()
	}
	return &Agent{
		state:     deps.State,
		decisions: deps.Decisions,
		tools:     deps.Tools,
		exclusive: deps.Exclusive,
		publisher: deps.Publisher,
		liveness:  deps.Liveness,
		metrics:   deps.Metrics,
		cfg:       cfg,
		logger:    logger.Named("agent").With(zap.String("session_id", deps.State.ID())),
	}
}

// RunPage navigates to page and drives the decision loop until the page is
// complete, the human disconnects or ctx ends. Only context and lease
// failures are returned as errors; every other failure is recorded on the
// page.
func (a *Agent) RunPage(ctx context.Context, page *schemas.PageData) (PageResult, error) {
	res := PageResult{URLHash: page.URLHash, URL: page.URL}
	log := a.logger.With(zap.String("url", page.URL), zap.String("url_hash", page.URLHash))
	log.Info("Exploring page", zap.Int("priority", page.Priority))

	if err := a.enter(ctx, page); err != nil {
		if ctx.Err() != nil {
			res.Reason = StopCanceled
			return res, ctx.Err()
		}
		log.Warn("Could not load page", zap.Error(err))
		_ = a.state.SetFailureNote(page.URLHash, "navigation failed: "+err.Error())
		res.Reason = StopNavigation
		return res, a.finish(ctx, &res, false)
	}

	history := make([]schemas.ConversationTurn, 0, a.cfg.MaxStepsPerPage)
	for {
		if ctx.Err() != nil {
			a.releaseUnlessInFlow()
			res.Reason = StopCanceled
			return res, ctx.Err()
		}
		if a.liveness != nil && !a.liveness.Alive() {
			log.Warn("Human disconnected; leaving page unfinished")
			a.releaseUnlessInFlow()
			res.Reason = StopDisconnected
			return res, nil
		}

		req, err := a.buildRequest(ctx, page.URLHash, history)
		if err != nil {
			a.releaseUnlessInFlow()
			res.Reason = StopCanceled
			return res, err
		}
		a.releaseUnlessInFlow()

		decision, err := a.decisions.Decide(ctx, req)
		if err != nil || !decision.Valid() {
			if ctx.Err() != nil {
				res.Reason = StopCanceled
				return res, ctx.Err()
			}
			log.Warn("No usable decision; abandoning page", zap.Int("step", req.StepNumber), zap.Error(err))
			res.Reason = StopDecisionFailed
			return res, a.finish(ctx, &res, false)
		}

		step := a.state.NextStep()
		a.applyFlowSignals(decision, page, step)

		out, err := a.execute(ctx, page, decision, step)
		if err != nil {
			res.Reason = StopCanceled
			return res, err
		}
		out.Step.ObjectiveAchieved = decision.ObjectiveAchieved
		if err := a.state.AppendStep(page.URLHash, out.Step, out.Counted); err != nil {
			log.Error("Could not record step", zap.Int("step", step), zap.Error(err))
		}
		if out.Counted {
			res.Steps++
		}
		if out.CurrentURL != "" {
			a.currentURL = out.CurrentURL
		}
		history = append(history, turnFrom(decision, out.Step))
		a.publishStep(ctx, page, out.Step)

		if decision.ObjectiveAchieved {
			a.state.MarkObjectiveAchieved()
			a.state.ExitFlowIfStartedOn(page.URLHash, step)
			log.Info("Session objective achieved", zap.Int("step", step))
		}
		if !a.state.FlowContext().IsInSensitiveFlow {
			a.releaseLease()
		}

		switch {
		case decision.IsCurrentPageExecutionCompleted:
			res.Reason = StopCompleted
			return res, a.finish(ctx, &res, true)
		case a.countedSteps(page.URLHash) >= a.cfg.MaxStepsPerPage:
			log.Info("Step budget exhausted", zap.Int("budget", a.cfg.MaxStepsPerPage))
			res.Reason = StopBudget
			return res, a.finish(ctx, &res, decision.ObjectiveAchieved)
		}
	}
}

// Release gives up any lease the loop still holds, e.g. one kept open by a
// sensitive flow that outlived its page.
func (a *Agent) Release() {
	a.releaseLease()
}

// enter loads the page and records the initial screenshot.
func (a *Agent) enter(ctx context.Context, page *schemas.PageData) error {
	lease, err := a.acquire(ctx)
	if err != nil {
		return err
	}
	driver := lease.Driver()
	if err := driver.Navigate(ctx, page.URL); err != nil {
		return err
	}
	a.currentURL = page.URL
	if u, err := driver.CurrentURL(ctx); err == nil && u != "" {
		a.currentURL = u
	}

	shot, err := driver.Screenshot(ctx)
	if err != nil {
		a.logger.Warn("Initial screenshot failed", zap.String("url", page.URL), zap.Error(err))
		return nil
	}
	s := schemas.Screenshot{Step: a.state.StepCounter(), Kind: schemas.ScreenshotInitial, URL: a.currentURL, Data: shot}
	if st, err := driver.PageState(ctx); err == nil {
		s.State = st
	}
	if err := a.state.AddScreenshot(page.URLHash, s); err != nil {
		a.logger.Warn("Could not attach initial screenshot", zap.Error(err))
	}
	return nil
}

// execute runs the decided tool, holding the driver for tools that use it.
func (a *Agent) execute(ctx context.Context, page *schemas.PageData, decision *schemas.DecisionResponse, step int) (*tools.Outcome, error) {
	call := tools.Call{
		PageHash: page.URLHash,
		PageURL:  a.currentURL,
		Step:     step,
		Decision: decision,
	}
	if decision.Tool != schemas.ToolUserInput || a.lease != nil {
		lease, err := a.acquire(ctx)
		if err != nil {
			return nil, err
		}
		call.Driver = lease.Driver()
	}
	out, err := a.tools.Execute(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("executing step %d: %w", step, err)
	}
	return out, nil
}

// applyFlowSignals enters or exits the sensitive flow as the decision says.
func (a *Agent) applyFlowSignals(d *schemas.DecisionResponse, page *schemas.PageData, step int) {
	if d.IsInSensitiveFlow == nil {
		return
	}
	if *d.IsInSensitiveFlow {
		at := a.currentURL
		if at == "" {
			at = page.URL
		}
		if a.state.EnterFlow(d.FlowType, page.URLHash, at, step) {
			a.logger.Info("Entered sensitive flow", zap.String("flow_type", string(d.FlowType)), zap.Int("step", step))
		}
		return
	}
	if a.state.ExitFlow(step) {
		a.logger.Info("Left sensitive flow", zap.Int("step", step))
	}
}

// acquire returns the held lease or takes a new one, restoring the page when
// another owner moved the browser in between.
func (a *Agent) acquire(ctx context.Context) (*browser.Lease, error) {
	if a.lease != nil {
		return a.lease, nil
	}
	lease, err := a.exclusive.Acquire(ctx, PrimaryOwner)
	if err != nil {
		return nil, err
	}
	a.lease = lease
	if lease.Interleaved && a.currentURL != "" {
		a.logger.Debug("Restoring page after background use", zap.String("url", a.currentURL))
		if err := lease.Driver().Navigate(ctx, a.currentURL); err != nil {
			a.logger.Warn("Could not restore page", zap.String("url", a.currentURL), zap.Error(err))
		}
	}
	return lease, nil
}

func (a *Agent) releaseLease() {
	if a.lease != nil {
		a.lease.Release()
		a.lease = nil
	}
}

func (a *Agent) releaseUnlessInFlow() {
	if !a.state.FlowContext().IsInSensitiveFlow {
		a.releaseLease()
	}
}

// finish marks the page completed and announces it.
func (a *Agent) finish(ctx context.Context, res *PageResult, objectiveAchieved bool) error {
	res.ObjectiveAchieved = objectiveAchieved
	if err := a.state.Complete(res.URLHash, objectiveAchieved); err != nil && !errors.Is(err, session.ErrUnknownPage) {
		return fmt.Errorf("completing page %s: %w", res.URLHash, err)
	}
	a.publish(ctx, schemas.ProgressEvent{
		Type:    schemas.EventPageCompleted,
		URLHash: res.URLHash,
		URL:     res.URL,
		Payload: marshal(map[string]interface{}{
			"reason":            res.Reason,
			"steps":             res.Steps,
			"objectiveAchieved": objectiveAchieved,
		}),
	})
	a.logger.Info("Page finished",
		zap.String("url", res.URL),
		zap.String("reason", string(res.Reason)),
		zap.Int("steps", res.Steps))
	return nil
}

func (a *Agent) countedSteps(hash string) int {
	p, ok := a.state.Page(hash)
	if !ok {
		return 0
	}
	return p.CountedSteps
}

func (a *Agent) publishStep(ctx context.Context, page *schemas.PageData, step schemas.ExecutedStep) {
	step.InputValues = nil
	if step.ToolUsed == schemas.ToolUserInput {
		step.Result = nil
	}
	a.publish(ctx, schemas.ProgressEvent{
		Type:    schemas.EventStepCompleted,
		URLHash: page.URLHash,
		URL:     page.URL,
		Step:    step.Step,
		Payload: marshal(step),
	})
}

func (a *Agent) publish(ctx context.Context, ev schemas.ProgressEvent) {
	if a.publisher == nil {
		return
	}
	ev.SessionID = a.state.ID()
	ev.Timestamp = time.Now()
	if err := a.publisher.Publish(ctx, ev); err != nil {
		a.logger.Debug("Progress event dropped", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func marshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// File: internal/orchestrator/orchestrator.go
// Description: Drives an exploration session across the page queue. Pages are
// explored one at a time by the agent; in background mode newly discovered
// pages are extracted concurrently while the primary loop keeps going.

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/agent"
	"github.com/xkilldash9x/wayfinder/internal/browser"
	"github.com/xkilldash9x/wayfinder/internal/graph"
	"github.com/xkilldash9x/wayfinder/internal/observability"
	"github.com/xkilldash9x/wayfinder/internal/session"
	"github.com/xkilldash9x/wayfinder/internal/tools"
)

// persistTimeout bounds the final writes made after the run context ends.
const persistTimeout = 30 * time.Second

// StopReason explains why the exploration ended.
type StopReason string

const (
	StopQueueEmpty   StopReason = "queue_empty"
	StopMaxPages     StopReason = "max_pages"
	StopObjective    StopReason = "objective_achieved"
	StopDisconnected StopReason = "disconnected"
	StopCanceled     StopReason = "canceled"
)

// Config tunes the driver.
type Config struct {
	Mode     schemas.ExplorationMode
	MaxPages int
	// Exploratory keeps exploring after the session objective is met.
	Exploratory           bool
	BackgroundConcurrency int
	ExtractionPrompt      string
}

// Dependencies groups the orchestrator's collaborators. Store, Publisher and
// Liveness are optional.
type Dependencies struct {
	State     *session.State
	Agent     *agent.Agent
	Tools     *tools.Registry
	Exclusive *browser.Exclusive
	Graphs    *graph.Store
	Store     schemas.SessionStore
	Publisher schemas.ProgressPublisher
	Liveness  schemas.Liveness
	Metrics   *observability.Metrics
}

// Result is the outcome of a run.
type Result struct {
	Session *schemas.ExplorationSession
	Reason  StopReason
	Pages   []agent.PageResult
}

// Orchestrator manages the lifecycle of one exploration session.
type Orchestrator struct {
	state     *session.State
	agent     *agent.Agent
	tools     *tools.Registry
	exclusive *browser.Exclusive
	graphs    *graph.Store
	store     schemas.SessionStore
	publisher schemas.ProgressPublisher
	liveness  schemas.Liveness
	metrics   *observability.Metrics
	cfg       Config
	logger    *zap.Logger

	mu        sync.Mutex
	group     *errgroup.Group
	groupCtx  context.Context
	sem       *semaphore.Weighted
	requeued  map[string]bool
	persistMu sync.Mutex
}

// New creates an orchestrator with its dependencies provided as interfaces
// and fully configured components.
func New(deps Dependencies, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if deps.State == nil || deps.Agent == nil || deps.Exclusive == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if cfg.Mode == "" {
		cfg.Mode = schemas.ModeSequential
	}
	if cfg.Mode == schemas.ModeBackground && deps.Tools == nil {
		return nil, fmt.Errorf("background mode requires a tool registry")
	}
	if cfg.BackgroundConcurrency <= 0 {
		cfg.BackgroundConcurrency = 1
	}
	if cfg.ExtractionPrompt == "" {
		cfg.ExtractionPrompt = "Summarize the purpose of this page and list its main content, links and forms."
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NopMetrics()
	}
	if deps.Graphs == nil {
		deps.Graphs = graph.NewStore(graph.Builder{}, logger)
	}
	return &Orchestrator{
		state:     deps.State,
		agent:     deps.Agent,
		tools:     deps.Tools,
		exclusive: deps.Exclusive,
		graphs:    deps.Graphs,
		store:     deps.Store,
		publisher: deps.Publisher,
		liveness:  deps.Liveness,
		metrics:   deps.Metrics,
		cfg:       cfg,
		logger:    logger.Named("orchestrator").With(zap.String("session_id", deps.State.ID())),
		requeued:  make(map[string]bool),
	}, nil
}

// Run explores until a stop condition holds, then finalizes the session. The
// returned error is non-nil only when ctx ended the run.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	o.logger.Info("Exploration starting",
		zap.String("mode", string(o.cfg.Mode)),
		zap.Int("max_pages", o.cfg.MaxPages),
		zap.Int("queued", o.state.QueueLen()))

	if o.cfg.Mode == schemas.ModeBackground {
		o.startBackground(ctx)
	}

	res := &Result{}
	for {
		res.Reason = o.drive(ctx, res)
		o.agent.Release()

		if o.cfg.Mode != schemas.ModeBackground {
			break
		}
		o.Join()
		if res.Reason != StopQueueEmpty && res.Reason != StopMaxPages {
			break
		}
		if o.requeueFailed() == 0 {
			break
		}
		o.logger.Info("Retrying pages left unfinished by background tasks", zap.Int("queued", o.state.QueueLen()))
		o.startBackground(ctx)
	}

	res.Session = o.finalize(ctx, res.Reason)
	o.logger.Info("Exploration finished",
		zap.String("reason", string(res.Reason)),
		zap.Int("pages_completed", res.Session.Metadata.Counts.PagesCompleted),
		zap.Int("steps", res.Session.Metadata.Counts.StepsExecuted))

	if res.Reason == StopCanceled {
		return res, ctx.Err()
	}
	return res, nil
}

// drive is the primary loop over the queue.
func (o *Orchestrator) drive(ctx context.Context, res *Result) StopReason {
	for {
		if ctx.Err() != nil {
			return StopCanceled
		}
		if o.liveness != nil && !o.liveness.Alive() {
			o.logger.Warn("Human disconnected; stopping exploration")
			return StopDisconnected
		}
		if o.state.ObjectiveAchieved() && !o.cfg.Exploratory {
			return StopObjective
		}
		if o.pageCeilingReached() {
			o.logger.Info("Page ceiling reached", zap.Int("max_pages", o.cfg.MaxPages))
			return StopMaxPages
		}

		page, ok := o.state.Dequeue()
		if !ok {
			return StopQueueEmpty
		}

		pr, err := o.agent.RunPage(ctx, page)
		res.Pages = append(res.Pages, pr)
		if ctx.Err() != nil {
			return StopCanceled
		}
		if err != nil {
			o.logger.Error("Page run failed", zap.String("url", page.URL), zap.Error(err))
		}
		if pr.Reason.Terminal() {
			o.metrics.PageCompleted(string(schemas.ModeSequential))
		}
		o.afterPage(ctx, page.URLHash)

		if pr.Reason == agent.StopDisconnected {
			return StopDisconnected
		}
	}
}

func (o *Orchestrator) pageCeilingReached() bool {
	return o.cfg.MaxPages > 0 && o.state.StartedCount() >= o.cfg.MaxPages
}

// afterPage persists a snapshot and refreshes the page's graph.
func (o *Orchestrator) afterPage(ctx context.Context, hash string) {
	o.persistSnapshot(ctx, o.state.Snapshot())
	o.rebuildGraph(ctx, hash)
}

// rebuildGraph regenerates one page's graph and announces it. A rebuild that
// is already running keeps the previous graph.
func (o *Orchestrator) rebuildGraph(ctx context.Context, hash string) {
	snap := o.state.Snapshot()
	page, ok := snap.Pages[hash]
	if !ok {
		return
	}
	o.publish(ctx, schemas.ProgressEvent{Type: schemas.EventGraphUpdating, URLHash: hash, URL: page.URL})

	g, err := o.graphs.Rebuild(page, snap.ActionHistory, snap.FlowHistory)
	if err != nil {
		if errors.Is(err, graph.ErrRebuildInProgress) {
			o.logger.Debug("Graph rebuild skipped", zap.String("url_hash", hash))
			return
		}
		o.logger.Warn("Graph rebuild failed", zap.String("url_hash", hash), zap.Error(err))
		return
	}
	if o.store != nil {
		if err := o.store.SaveGraph(ctx, snap.Metadata.SessionID, g); err != nil {
			o.metrics.PersistenceFailed()
			o.logger.Warn("Failed to persist graph", zap.String("url_hash", hash), zap.Error(err))
		}
	}
	o.publish(ctx, schemas.ProgressEvent{
		Type:    schemas.EventGraphUpdated,
		URLHash: hash,
		URL:     page.URL,
		Payload: marshal(map[string]int{"nodes": len(g.Nodes), "edges": len(g.Edges), "flows": len(g.Flows)}),
	})
}

// persistSnapshot appends a snapshot. Failures are logged; the in-memory
// session stays authoritative.
func (o *Orchestrator) persistSnapshot(ctx context.Context, snap *schemas.ExplorationSession) {
	if o.store == nil {
		return
	}
	o.persistMu.Lock()
	defer o.persistMu.Unlock()
	if err := o.store.AppendSnapshot(ctx, snap); err != nil {
		o.metrics.PersistenceFailed()
		o.logger.Warn("Failed to persist session snapshot", zap.Error(err))
	}
}

// finalize closes the session and writes the final snapshot and graphs.
func (o *Orchestrator) finalize(ctx context.Context, reason StopReason) *schemas.ExplorationSession {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	final := o.state.Finalize()
	o.persistSnapshot(pctx, final)
	for hash, page := range final.Pages {
		if len(page.Screenshots) == 0 {
			continue
		}
		o.rebuildGraph(pctx, hash)
	}
	o.publish(pctx, schemas.ProgressEvent{
		Type: schemas.EventSessionFinalized,
		Payload: marshal(map[string]interface{}{
			"reason":            reason,
			"counts":            final.Metadata.Counts,
			"objectiveAchieved": final.Metadata.ObjectiveAchieved,
		}),
	})
	return final
}

func marshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func (o *Orchestrator) publish(ctx context.Context, ev schemas.ProgressEvent) {
	if o.publisher == nil {
		return
	}
	ev.SessionID = o.state.ID()
	ev.Timestamp = time.Now()
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.Debug("Progress event dropped", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/session"
	"github.com/xkilldash9x/wayfinder/internal/tools"
)

// BackgroundOwnerPrefix prefixes the lease owner name of background tasks.
const BackgroundOwnerPrefix = "background-"

// startBackground opens a task group and routes new discoveries into it.
func (o *Orchestrator) startBackground(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	o.mu.Lock()
	o.group = g
	o.groupCtx = gctx
	if o.sem == nil {
		o.sem = semaphore.NewWeighted(int64(o.cfg.BackgroundConcurrency))
	}
	o.mu.Unlock()
	o.tools.SetDiscoveryHook(o.onDiscover)
}

// onDiscover claims a newly queued page for extraction. It runs inside the
// primary loop's act, so it must never wait on the driver.
func (o *Orchestrator) onDiscover(d session.Discovery) {
	if !d.Inserted {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.group == nil || o.pageCeilingReached() {
		return
	}
	page, ok := o.state.Claim(d.URLHash)
	if !ok {
		return
	}
	ctx := o.groupCtx
	o.logger.Debug("Page handed to background extraction", zap.String("url", page.URL))
	o.group.Go(func() error {
		o.extract(ctx, page)
		// Failures are recorded on the page; they never cancel siblings.
		return nil
	})
}

// Join waits for every background task started so far. Discoveries made
// after Join stay on the queue for the primary loop.
func (o *Orchestrator) Join() {
	o.mu.Lock()
	g := o.group
	o.group = nil
	o.mu.Unlock()
	if g == nil {
		return
	}
	_ = g.Wait()
	o.logger.Debug("Background tasks joined", zap.Bool("ready", o.Ready()))
}

// Ready reports whether every known page is completed.
func (o *Orchestrator) Ready() bool {
	return o.state.AllCompleted()
}

// extract is the body of a background task: navigate, screenshot, extract,
// complete.
func (o *Orchestrator) extract(ctx context.Context, page *schemas.PageData) {
	log := o.logger.With(zap.String("url", page.URL), zap.String("url_hash", page.URLHash))
	defer func() {
		if r := recover(); r != nil {
			log.Error("Background task panicked", zap.Any("panic", r), zap.String("stack", string(debug.Stack())))
			o.fail(page.URLHash, fmt.Sprintf("panic: %v", r), log)
		}
	}()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer o.sem.Release(1)

	lease, err := o.exclusive.Acquire(ctx, BackgroundOwnerPrefix+page.URLHash)
	if err != nil {
		return
	}
	defer lease.Release()
	driver := lease.Driver()

	if err := driver.Navigate(ctx, page.URL); err != nil {
		if ctx.Err() == nil {
			o.fail(page.URLHash, "navigation failed: "+err.Error(), log)
		}
		return
	}

	step := o.state.NextStep()
	if data, err := driver.Screenshot(ctx); err == nil {
		shot := schemas.Screenshot{Step: step, Kind: schemas.ScreenshotExtract, URL: page.URL, Data: data}
		if u, err := driver.CurrentURL(ctx); err == nil && u != "" {
			shot.URL = u
		}
		if err := o.state.AddScreenshot(page.URLHash, shot); err != nil {
			log.Warn("Could not attach screenshot", zap.Error(err))
		}
	} else {
		log.Warn("Background screenshot failed", zap.Error(err))
	}

	out, err := o.tools.Execute(ctx, tools.Call{
		PageHash: page.URLHash,
		PageURL:  page.URL,
		Step:     step,
		Decision: &schemas.DecisionResponse{
			Tool:       schemas.ToolPageExtract,
			Reasoning:  "background extraction",
			Parameters: schemas.ToolParameters{Instruction: o.cfg.ExtractionPrompt},
		},
		Driver: driver,
	})
	lease.Release()
	if err != nil {
		o.fail(page.URLHash, err.Error(), log)
		return
	}
	if err := o.state.AppendStep(page.URLHash, out.Step, out.Counted); err != nil {
		log.Warn("Could not record background step", zap.Error(err))
	}
	if !out.Step.Success {
		if ctx.Err() == nil {
			o.fail(page.URLHash, fmt.Sprintf("extraction failed: %s: %s", out.Step.ErrorCode, out.Step.ErrorDetails), log)
		}
		return
	}

	if err := o.state.Complete(page.URLHash, false); err != nil {
		log.Warn("Could not complete page", zap.Error(err))
		return
	}
	o.metrics.PageCompleted(string(schemas.ModeBackground))
	o.publish(ctx, schemas.ProgressEvent{
		Type:    schemas.EventPageCompleted,
		URLHash: page.URLHash,
		URL:     page.URL,
		Payload: marshal(map[string]interface{}{"reason": "extracted", "steps": 1, "objectiveAchieved": false}),
	})
	log.Info("Background extraction completed")
	o.afterPage(ctx, page.URLHash)
}

// fail records a background failure on the page. The page stays unfinished
// so it can be retried after the join.
func (o *Orchestrator) fail(hash, note string, log *zap.Logger) {
	o.metrics.BackgroundFailed()
	if err := o.state.SetFailureNote(hash, note); err != nil {
		log.Warn("Could not record failure note", zap.Error(err))
	}
	log.Warn("Background extraction failed", zap.String("note", note))
}

// requeueFailed puts pages left in progress back on the queue. Each page is
// retried at most once per run.
func (o *Orchestrator) requeueFailed() int {
	n := 0
	for _, p := range o.state.Unfinished() {
		if p.Status != schemas.PageInProgress || o.requeued[p.URLHash] {
			continue
		}
		if err := o.state.Requeue(p.URLHash); err != nil {
			o.logger.Warn("Could not requeue page", zap.String("url", p.URL), zap.Error(err))
			continue
		}
		o.requeued[p.URLHash] = true
		n++
	}
	return n
}

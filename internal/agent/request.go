package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

// summaryLimit caps the per-page summary sent with each request.
const summaryLimit = 600

// buildRequest snapshots the session and captures the current screen.
func (a *Agent) buildRequest(ctx context.Context, hash string, history []schemas.ConversationTurn) (schemas.DecisionRequest, error) {
	lease, err := a.acquire(ctx)
	if err != nil {
		return schemas.DecisionRequest{}, err
	}
	shot, err := lease.Driver().Screenshot(ctx)
	if err != nil {
		a.logger.Debug("Decision screenshot failed; using the last stored one", zap.Error(err))
		shot = nil
	}

	snap := a.state.Snapshot()
	page := snap.Pages[hash]
	if shot == nil && page != nil && len(page.Screenshots) > 0 {
		shot = page.Screenshots[len(page.Screenshots)-1].Data
	}

	remaining := a.cfg.MaxStepsPerPage
	if page != nil {
		remaining -= page.CountedSteps
	}

	return schemas.DecisionRequest{
		SessionID:           snap.Metadata.SessionID,
		Screenshot:          shot,
		URL:                 a.currentURL,
		Objective:           snap.Metadata.Objective,
		StepNumber:          snap.GlobalStepCounter + 1,
		ConversationHistory: window(history, a.cfg.HistoryWindow),
		PageQueue:           queueView(snap),
		Pages:               pageSummaries(snap),
		IsExploratory:       a.cfg.Exploratory,
		MaxPagesReached:     a.cfg.MaxPages > 0 && a.state.StartedCount() >= a.cfg.MaxPages,
		UserInputKeys:       inputKeys(snap.UserInputs),
		FlowContext:         snap.FlowContext,
		ActionHistory:       snap.ActionHistory,
		RemainingSteps:      remaining,
	}, nil
}

func window(history []schemas.ConversationTurn, n int) []schemas.ConversationTurn {
	if n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	out := make([]schemas.ConversationTurn, len(history))
	copy(out, history)
	return out
}

func queueView(snap *schemas.ExplorationSession) []schemas.QueueEntry {
	out := make([]schemas.QueueEntry, 0, len(snap.PageQueue))
	for _, h := range snap.PageQueue {
		p, ok := snap.Pages[h]
		if !ok {
			continue
		}
		out = append(out, schemas.QueueEntry{URLHash: h, URL: p.URL, Priority: p.Priority, Status: p.Status})
	}
	return out
}

func pageSummaries(snap *schemas.ExplorationSession) []schemas.PageSummary {
	pages := make([]*schemas.PageData, 0, len(snap.Pages))
	for _, p := range snap.Pages {
		pages = append(pages, p)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].DiscoveryOrder < pages[j].DiscoveryOrder })

	out := make([]schemas.PageSummary, 0, len(pages))
	for _, p := range pages {
		out = append(out, schemas.PageSummary{
			URLHash:           p.URLHash,
			URL:               p.URL,
			Status:            p.Status,
			Priority:          p.Priority,
			StepsExecuted:     len(p.ExecutedSteps),
			ObjectiveAchieved: p.ObjectiveAchieved,
			Summary:           clip(p.CumulativeSummary, summaryLimit),
		})
	}
	return out
}

// inputKeys lists stored input keys. Values never leave the session.
func inputKeys(inputs map[string]schemas.UserInput) []string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// turnFrom condenses an executed step into a conversation turn.
func turnFrom(d *schemas.DecisionResponse, step schemas.ExecutedStep) schemas.ConversationTurn {
	return schemas.ConversationTurn{
		Step:        step.Step,
		Reasoning:   d.Reasoning,
		Tool:        step.ToolUsed,
		Instruction: step.Instruction,
		Success:     step.Success,
		Outcome:     describeOutcome(step),
		NextPlan:    d.NextPlan,
	}
}

func describeOutcome(step schemas.ExecutedStep) string {
	if !step.Success {
		if step.ErrorDetails != "" {
			return fmt.Sprintf("%s: %s", step.ErrorCode, step.ErrorDetails)
		}
		return step.ErrorCode
	}
	switch step.ToolUsed {
	case schemas.ToolPageAct:
		if !step.URLChanged {
			return "done, url unchanged"
		}
		if len(step.NewURLsDiscovered) > 0 {
			return "navigated to " + step.NewURL + " (queued)"
		}
		return "navigated to " + step.NewURL
	case schemas.ToolPageExtract:
		return "extracted"
	case schemas.ToolUserInput:
		return "received " + strings.Join(step.InputKeys, ", ")
	case schemas.ToolStandby:
		return fmt.Sprintf("waited %gs", step.WaitTime)
	}
	return "ok"
}

// clip shortens s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

package schemas

import (
	"context"
	"time"
)

// -- Collaborator Interfaces --

// DecisionService picks the next tool for the current page. A nil response
// or a non-nil error is treated as a decision failure by the caller.
type DecisionService interface {
	Decide(ctx context.Context, req DecisionRequest) (*DecisionResponse, error)
}

// AutomationDriver is the browser automation boundary. A single driver is
// shared by the whole session; callers serialize access.
type AutomationDriver interface {
	// Navigate loads url in the active page.
	Navigate(ctx context.Context, url string) error
	// Act performs a natural-language or selector-based action on the page.
	Act(ctx context.Context, instruction string) error
	// Extract returns structured data described by instruction as JSON.
	Extract(ctx context.Context, instruction string) ([]byte, error)
	// Screenshot captures the full page as a PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// CurrentURL reports the URL of the active page.
	CurrentURL(ctx context.Context) (string, error)
	// WaitForTimeout blocks for d or until ctx is done.
	WaitForTimeout(ctx context.Context, d time.Duration) error
	// PageState summarizes interactable elements on the page.
	PageState(ctx context.Context) (*PageState, error)
	// Close releases the browser.
	Close() error
}

// InputTransport delivers input requests to the human. Answers arrive on the
// returned channel as they are provided; the channel is closed when the
// transport can deliver no more answers for the request.
type InputTransport interface {
	RequestInput(ctx context.Context, req UserInputRequest) (<-chan UserInputAnswer, error)
}

// ProgressPublisher broadcasts progress events. Publishing is best effort.
type ProgressPublisher interface {
	Publish(ctx context.Context, event ProgressEvent) error
}

// Liveness reports whether the human driving the session is still connected.
type Liveness interface {
	Alive() bool
}

// SessionStore persists session snapshots and interaction graphs. Snapshots
// are append-only: every save adds a new record.
type SessionStore interface {
	AppendSnapshot(ctx context.Context, session *ExplorationSession) error
	SaveGraph(ctx context.Context, sessionID string, graph *InteractionGraph) error
	LoadLatest(ctx context.Context, sessionID string) (*ExplorationSession, error)
	LoadGraphs(ctx context.Context, sessionID string) ([]*InteractionGraph, error)
	Close() error
}

// SummaryFormatter renders extraction results into a cumulative page summary.
// Merge(Format(a), b) must equal Format(append(a, b)).
type SummaryFormatter interface {
	Format(url string, results []ExtractionResult) (string, error)
	Merge(url, summary string, next ExtractionResult) (string, error)
}

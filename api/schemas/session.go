package schemas

import (
	"encoding/json"
	"time"
)

// -- Enumerations --

// PageStatus is the lifecycle state of a discovered page: queued ->
// in_progress -> completed. A page may be requeued after a failed attempt,
// but never regresses from completed.
type PageStatus string

const (
	PageQueued     PageStatus = "queued"
	PageInProgress PageStatus = "in_progress"
	PageCompleted  PageStatus = "completed"
)

// rank orders statuses so that regressions can be detected.
func (s PageStatus) rank() int {
	switch s {
	case PageQueued:
		return 0
	case PageInProgress:
		return 1
	case PageCompleted:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next keeps the status
// monotonic. A completed page never leaves the completed state.
func (s PageStatus) CanTransitionTo(next PageStatus) bool {
	if s == PageCompleted {
		return next == PageCompleted
	}
	return next.rank() >= 0
}

// SessionPhase tracks whether exploration is still running.
type SessionPhase string

const (
	PhaseActive    SessionPhase = "active"
	PhaseCompleted SessionPhase = "completed"
)

// ExplorationMode selects the driver strategy.
type ExplorationMode string

const (
	ModeSequential ExplorationMode = "sequential"
	ModeBackground ExplorationMode = "background"
)

// ToolName identifies one of the four tools the decision service may invoke.
type ToolName string

const (
	ToolPageAct     ToolName = "page_act"
	ToolPageExtract ToolName = "page_extract"
	ToolUserInput   ToolName = "user_input"
	ToolStandby     ToolName = "standby"
)

// ScreenshotKind tags why a screenshot was taken.
type ScreenshotKind string

const (
	ScreenshotInitial       ScreenshotKind = "initial"
	ScreenshotAfterAct      ScreenshotKind = "after_act"
	ScreenshotStandbyBefore ScreenshotKind = "standby_before"
	ScreenshotStandbyAfter  ScreenshotKind = "standby_after"
	ScreenshotExtract       ScreenshotKind = "extract"
)

// FlowType names the kinds of sensitive multi-step flows during which
// discovery queuing is suppressed.
type FlowType string

const (
	FlowLogin          FlowType = "login"
	FlowSignup         FlowType = "signup"
	FlowVerification   FlowType = "verification"
	FlowCheckout       FlowType = "checkout"
	FlowFormSubmission FlowType = "form_submission"
)

// Priority bounds. Lower numbers are more urgent.
const (
	PriorityHighest = 1
	PriorityDefault = 3
	PriorityLowest  = 5
)

// ClampPriority forces p into the supported 1..5 range. Zero maps to the default.
func ClampPriority(p int) int {
	switch {
	case p == 0:
		return PriorityDefault
	case p < PriorityHighest:
		return PriorityHighest
	case p > PriorityLowest:
		return PriorityLowest
	default:
		return p
	}
}

// -- Session Model --

// SessionCounts summarizes progress for reporting.
type SessionCounts struct {
	PagesDiscovered int `json:"pagesDiscovered" yaml:"pagesDiscovered"`
	PagesCompleted  int `json:"pagesCompleted" yaml:"pagesCompleted"`
	StepsExecuted   int `json:"stepsExecuted" yaml:"stepsExecuted"`
}

// SessionMetadata describes the session as a whole.
type SessionMetadata struct {
	SessionID         string          `json:"sessionId" yaml:"sessionId"`
	StartTime         time.Time       `json:"startTime" yaml:"startTime"`
	EndTime           *time.Time      `json:"endTime,omitempty" yaml:"endTime,omitempty"`
	Objective         string          `json:"objective" yaml:"objective"`
	StartURL          string          `json:"startUrl" yaml:"startUrl"`
	Counts            SessionCounts   `json:"counts" yaml:"counts"`
	ObjectiveAchieved bool            `json:"objectiveAchieved" yaml:"objectiveAchieved"`
	Phase             SessionPhase    `json:"phase" yaml:"phase"`
	Mode              ExplorationMode `json:"mode" yaml:"mode"`
}

// ExplorationSession is the single source of truth for one exploration run.
// Values of this type handed out by the session owner are deep copies.
type ExplorationSession struct {
	Metadata          SessionMetadata      `json:"metadata" yaml:"metadata"`
	Pages             map[string]*PageData `json:"pages" yaml:"pages"`
	PageQueue         []string             `json:"pageQueue" yaml:"pageQueue"`
	CurrentPage       string               `json:"currentPage,omitempty" yaml:"currentPage,omitempty"`
	GlobalStepCounter int                  `json:"globalStepCounter" yaml:"globalStepCounter"`
	UserInputs        map[string]UserInput `json:"userInputs" yaml:"userInputs"`
	FlowContext       FlowContext          `json:"flowContext" yaml:"flowContext"`
	FlowHistory       []FlowSpan           `json:"flowHistory" yaml:"flowHistory"`
	ActionHistory     []ActionHistoryEntry `json:"actionHistory" yaml:"actionHistory"`
}

// PageData is everything known about one discovered page.
type PageData struct {
	URLHash                  string             `json:"urlHash" yaml:"urlHash"`
	URL                      string             `json:"url" yaml:"url"`
	SourceURL                string             `json:"sourceUrl,omitempty" yaml:"sourceUrl,omitempty"`
	Discovered               time.Time          `json:"discovered" yaml:"discovered"`
	DiscoveryOrder           int                `json:"discoveryOrder" yaml:"discoveryOrder"`
	Status                   PageStatus         `json:"status" yaml:"status"`
	Priority                 int                `json:"priority" yaml:"priority"`
	ExecutedSteps            []ExecutedStep     `json:"executedSteps" yaml:"executedSteps"`
	CountedSteps             int                `json:"countedSteps" yaml:"countedSteps"`
	ObjectiveAchieved        bool               `json:"objectiveAchieved" yaml:"objectiveAchieved"`
	ExtractionResults        []ExtractionResult `json:"extractionResults" yaml:"extractionResults"`
	CurrentExtractionVersion int                `json:"currentExtractionVersion" yaml:"currentExtractionVersion"`
	CumulativeSummary        string             `json:"cumulativeSummary,omitempty" yaml:"cumulativeSummary,omitempty"`
	Screenshots              []Screenshot       `json:"screenshots" yaml:"-"`
	FailureNote              string             `json:"failureNote,omitempty" yaml:"failureNote,omitempty"`
}

// ExecutedStep records a single tool invocation. Steps are never modified
// after being appended to a page.
type ExecutedStep struct {
	Step              int               `json:"step" yaml:"step"`
	Timestamp         time.Time         `json:"timestamp" yaml:"timestamp"`
	ToolUsed          ToolName          `json:"tool_used" yaml:"tool_used"`
	Instruction       string            `json:"instruction" yaml:"instruction"`
	Success           bool              `json:"success" yaml:"success"`
	Result            json.RawMessage   `json:"result,omitempty" yaml:"-"`
	ErrorCode         string            `json:"errorCode,omitempty" yaml:"errorCode,omitempty"`
	ErrorDetails      string            `json:"errorDetails,omitempty" yaml:"errorDetails,omitempty"`
	URLChanged        bool              `json:"urlChanged,omitempty" yaml:"urlChanged,omitempty"`
	NewURL            string            `json:"newUrl,omitempty" yaml:"newUrl,omitempty"`
	NewURLsDiscovered []string          `json:"newUrlsDiscovered,omitempty" yaml:"newUrlsDiscovered,omitempty"`
	ObjectiveAchieved bool              `json:"objectiveAchieved,omitempty" yaml:"objectiveAchieved,omitempty"`
	InputKeys         []string          `json:"inputKeys,omitempty" yaml:"inputKeys,omitempty"`
	InputValues       map[string]string `json:"inputValues,omitempty" yaml:"-"`
	WaitTime          float64           `json:"waitTime,omitempty" yaml:"waitTime,omitempty"`
}

// ExtractionResult is one immutable, versioned extraction for a page.
type ExtractionResult struct {
	Version     int             `json:"version" yaml:"version"`
	Instruction string          `json:"instruction" yaml:"instruction"`
	Data        json.RawMessage `json:"data" yaml:"-"`
	Timestamp   time.Time       `json:"timestamp" yaml:"timestamp"`
	StepNumber  int             `json:"stepNumber" yaml:"stepNumber"`
	// Screenshots lists the page's screenshots taken since the previous
	// extraction, up to and including this one's step.
	Screenshots []ScreenshotRef `json:"screenshots,omitempty" yaml:"screenshots,omitempty"`
}

// ScreenshotRef identifies a stored screenshot without its image bytes.
type ScreenshotRef struct {
	Step int            `json:"step" yaml:"step"`
	Kind ScreenshotKind `json:"kind" yaml:"kind"`
	URL  string         `json:"url" yaml:"url"`
}

// Screenshot is a captured image of the page tagged with the step it belongs to.
type Screenshot struct {
	Step      int            `json:"step"`
	Kind      ScreenshotKind `json:"kind"`
	URL       string         `json:"url"`
	Data      []byte         `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	State     *PageState     `json:"state,omitempty"`
}

// PageState is a lightweight description of what was interactable when a
// screenshot was taken.
type PageState struct {
	VisibleElements   []string `json:"visibleElements,omitempty" yaml:"visibleElements,omitempty"`
	ClickableElements []string `json:"clickableElements,omitempty" yaml:"clickableElements,omitempty"`
	OpenDialogs       []string `json:"openDialogs,omitempty" yaml:"openDialogs,omitempty"`
}

// UserInput is a value supplied by the human, shared across pages.
type UserInput struct {
	Value     string    `json:"value" yaml:"-"`
	Type      string    `json:"type" yaml:"type"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// FlowContext marks that the agent is inside a multi-step sensitive flow.
type FlowContext struct {
	IsInSensitiveFlow bool     `json:"isInSensitiveFlow" yaml:"isInSensitiveFlow"`
	FlowType          FlowType `json:"flowType,omitempty" yaml:"flowType,omitempty"`
	StartURL          string   `json:"startUrl,omitempty" yaml:"startUrl,omitempty"`
	// PageHash is the identity of the page whose loop opened the flow.
	PageHash          string   `json:"pageHash,omitempty" yaml:"pageHash,omitempty"`
	FlowStartStep     int      `json:"flowStartStep,omitempty" yaml:"flowStartStep,omitempty"`
}

// FlowSpan is the historical record of one sensitive flow. EndStep is zero
// while the flow is still open.
type FlowSpan struct {
	ID        string   `json:"id" yaml:"id"`
	FlowType  FlowType `json:"flowType" yaml:"flowType"`
	StartURL  string   `json:"startUrl" yaml:"startUrl"`
	PageHash  string   `json:"pageHash,omitempty" yaml:"pageHash,omitempty"`
	StartStep int      `json:"startStep" yaml:"startStep"`
	EndStep   int      `json:"endStep,omitempty" yaml:"endStep,omitempty"`
}

// Contains reports whether step falls inside the span.
func (f FlowSpan) Contains(step int) bool {
	if step < f.StartStep {
		return false
	}
	return f.EndStep == 0 || step <= f.EndStep
}

// ActionHistoryEntry is a session-wide, append-only record of an act.
type ActionHistoryEntry struct {
	Instruction string    `json:"instruction" yaml:"instruction"`
	SourceURL   string    `json:"sourceUrl" yaml:"sourceUrl"`
	TargetURL   string    `json:"targetUrl,omitempty" yaml:"targetUrl,omitempty"`
	URLChanged  bool      `json:"urlChanged" yaml:"urlChanged"`
	StepNumber  int       `json:"stepNumber" yaml:"stepNumber"`
	Timestamp   time.Time `json:"timestamp" yaml:"timestamp"`
	Success     bool      `json:"success" yaml:"success"`
}

package schemas

import "encoding/json"

// QueueEntry is a read-only view of one queued page handed to the decision service.
type QueueEntry struct {
	URLHash  string     `json:"urlHash"`
	URL      string     `json:"url"`
	Priority int        `json:"priority"`
	Status   PageStatus `json:"status"`
}

// PageSummary is a compact view of a known page.
type PageSummary struct {
	URLHash           string     `json:"urlHash"`
	URL               string     `json:"url"`
	Status            PageStatus `json:"status"`
	Priority          int        `json:"priority"`
	StepsExecuted     int        `json:"stepsExecuted"`
	ObjectiveAchieved bool       `json:"objectiveAchieved"`
	Summary           string     `json:"summary,omitempty"`
}

// ConversationTurn is one prior exchange on the current page.
type ConversationTurn struct {
	Step        int      `json:"step"`
	Reasoning   string   `json:"reasoning,omitempty"`
	Tool        ToolName `json:"tool"`
	Instruction string   `json:"instruction,omitempty"`
	Success     bool     `json:"success"`
	Outcome     string   `json:"outcome,omitempty"`
	NextPlan    string   `json:"nextPlan,omitempty"`
}

// DecisionRequest is everything the decision service needs to pick the next tool.
type DecisionRequest struct {
	SessionID           string               `json:"sessionId"`
	Screenshot          []byte               `json:"-"`
	URL                 string               `json:"url"`
	Objective           string               `json:"objective"`
	StepNumber          int                  `json:"stepNumber"`
	ConversationHistory []ConversationTurn   `json:"conversationHistory"`
	PageQueue           []QueueEntry         `json:"pageQueue"`
	Pages               []PageSummary        `json:"pages"`
	IsExploratory       bool                 `json:"isExploratory"`
	MaxPagesReached     bool                 `json:"maxPagesReached"`
	UserInputKeys       []string             `json:"userInputKeys"`
	FlowContext         FlowContext          `json:"flowContext"`
	ActionHistory       []ActionHistoryEntry `json:"actionHistory"`
	RemainingSteps      int                  `json:"remainingSteps"`
}

// InputRequest describes one value the agent needs from the human.
type InputRequest struct {
	InputKey    string `json:"inputKey"`
	InputType   string `json:"inputType"`
	InputPrompt string `json:"inputPrompt"`
}

// ToolParameters carries the arguments for the selected tool. Only the fields
// relevant to the tool are populated.
type ToolParameters struct {
	Instruction   string         `json:"instruction,omitempty"`
	InputRequests []InputRequest `json:"inputRequests,omitempty"`
	WaitSeconds   float64        `json:"waitSeconds,omitempty"`
}

// DecisionResponse is the decision service's answer for one step.
// IsInSensitiveFlow is tri-state: nil leaves the flow context unchanged.
type DecisionResponse struct {
	Tool                            ToolName       `json:"tool"`
	Parameters                      ToolParameters `json:"parameters"`
	Reasoning                       string         `json:"reasoning"`
	IsCurrentPageExecutionCompleted bool           `json:"isCurrentPageExecutionCompleted"`
	IsInSensitiveFlow               *bool          `json:"isInSensitiveFlow,omitempty"`
	FlowType                        FlowType       `json:"flowType,omitempty"`
	ObjectiveAchieved               bool           `json:"objectiveAchieved,omitempty"`
	// NextPlan is what the service intends to do next; it is replayed in
	// the conversation history of later requests.
	NextPlan string `json:"nextPlan,omitempty"`
}

// Valid reports whether the response names a known tool with the parameters it needs.
func (d *DecisionResponse) Valid() bool {
	if d == nil {
		return false
	}
	switch d.Tool {
	case ToolPageAct, ToolPageExtract:
		return d.Parameters.Instruction != ""
	case ToolUserInput:
		return len(d.Parameters.InputRequests) > 0
	case ToolStandby:
		return true
	default:
		return false
	}
}

// -- Tool Results --

// ActResult is the result payload of a page_act step.
type ActResult struct {
	PreviousURL       string   `json:"previousUrl"`
	CurrentURL        string   `json:"currentUrl"`
	URLChanged        bool     `json:"urlChanged"`
	Queued            bool     `json:"queued"`
	Suppressed        bool     `json:"suppressed,omitempty"`
	OutOfScope        bool     `json:"outOfScope,omitempty"`
	NewURLsDiscovered []string `json:"newUrlsDiscovered,omitempty"`
}

// ExtractResult is the result payload of a page_extract step.
type ExtractResult struct {
	Version           int             `json:"version"`
	Data              json.RawMessage `json:"data"`
	CumulativeSummary string          `json:"cumulativeSummary"`
}

// UserInputResult is the result payload of a user_input step.
type UserInputResult struct {
	AllInputsCollected bool              `json:"allInputsCollected"`
	InputsReceived     map[string]string `json:"inputsReceived"`
	MissingKeys        []string          `json:"missingKeys,omitempty"`
}

// StandbyResult is the result payload of a standby step.
type StandbyResult struct {
	WaitedSeconds float64 `json:"waitedSeconds"`
	URLBefore     string  `json:"urlBefore"`
	URLAfter      string  `json:"urlAfter"`
}

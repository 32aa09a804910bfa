package schemas

import (
	"encoding/json"
	"time"
)

// EventType names a progress notification sent to the human-facing transport.
type EventType string

const (
	EventStepCompleted    EventType = "step-completed"
	EventPageCompleted    EventType = "page-completed"
	EventPageDiscovered   EventType = "page-discovered"
	EventGraphUpdating    EventType = "graph-updating"
	EventGraphUpdated     EventType = "graph-updated"
	EventSessionFinalized EventType = "session-finalized"
	EventInputRequested   EventType = "input-requested"
)

// ProgressEvent is an outbound notification about session progress.
type ProgressEvent struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId"`
	URLHash   string          `json:"urlHash,omitempty"`
	URL       string          `json:"url,omitempty"`
	Step      int             `json:"step,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// UserInputRequest is sent to the human when the agent needs values.
type UserInputRequest struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
	// UserName addresses the human; empty when none is configured.
	UserName   string         `json:"userName,omitempty"`
	URLHash    string         `json:"urlHash"`
	URL        string         `json:"url"`
	StepNumber int            `json:"stepNumber"`
	Inputs     []InputRequest `json:"inputs"`
	Timestamp  time.Time      `json:"timestamp"`
}

// UserInputAnswer carries one value back from the human.
type UserInputAnswer struct {
	RequestID string `json:"requestId"`
	InputKey  string `json:"inputKey"`
	Value     string `json:"value"`
}

package schemas

import "time"

// FlowPattern classifies the shape of a flow in the interaction graph.
type FlowPattern string

const (
	PatternLinear    FlowPattern = "linear"
	PatternBranching FlowPattern = "branching"
	PatternCircular  FlowPattern = "circular"
)

// GraphNodeMetadata describes what was on screen for a node.
type GraphNodeMetadata struct {
	VisibleElements   []string       `json:"visibleElements" yaml:"visibleElements"`
	ClickableElements []string       `json:"clickableElements" yaml:"clickableElements"`
	OpenDialogs       []string       `json:"openDialogs" yaml:"openDialogs"`
	FlowIDs           []string       `json:"flowIds" yaml:"flowIds"`
	ScreenshotKind    ScreenshotKind `json:"screenshotKind" yaml:"screenshotKind"`
}

// GraphNode is one observed UI state.
type GraphNode struct {
	ID          string            `json:"id" yaml:"id"`
	Image       string            `json:"image,omitempty" yaml:"-"`
	Instruction string            `json:"instruction" yaml:"instruction"`
	Step        int               `json:"step" yaml:"step"`
	URL         string            `json:"url" yaml:"url"`
	Metadata    GraphNodeMetadata `json:"metadata" yaml:"metadata"`
}

// GraphEdge is a transition between two UI states.
type GraphEdge struct {
	From        string `json:"from" yaml:"from"`
	To          string `json:"to" yaml:"to"`
	Action      string `json:"action" yaml:"action"`
	Description string `json:"description" yaml:"description"`
	FlowID      string `json:"flowId,omitempty" yaml:"flowId,omitempty"`
}

// GraphFlow is a named sequence of nodes, such as a login.
type GraphFlow struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	StartNode   string      `json:"startNode" yaml:"startNode"`
	EndNodes    []string    `json:"endNodes" yaml:"endNodes"`
	MemberNodes []string    `json:"memberNodes" yaml:"memberNodes"`
	Pattern     FlowPattern `json:"pattern" yaml:"pattern"`
}

// InteractionGraph is the per-page graph of UI states and transitions.
type InteractionGraph struct {
	URLHash     string      `json:"urlHash" yaml:"urlHash"`
	URL         string      `json:"url" yaml:"url"`
	Nodes       []GraphNode `json:"nodes" yaml:"nodes"`
	Edges       []GraphEdge `json:"edges" yaml:"edges"`
	Flows       []GraphFlow `json:"flows" yaml:"flows"`
	InProgress  bool        `json:"inProgress" yaml:"inProgress"`
	GeneratedAt time.Time   `json:"generatedAt" yaml:"generatedAt"`
}

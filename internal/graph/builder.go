// Package graph derives per-page interaction graphs from a page's
// screenshots, the session action history and the recorded sensitive flows.
package graph

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/discovery"
)

// PageFlowID names the flow that spans every node of a page.
const PageFlowID = "page"

// Builder turns recorded page data into an InteractionGraph.
type Builder struct {
	// IncludeImages embeds screenshots as data URLs on the nodes.
	IncludeImages bool
	Now           func() time.Time
}

// NodeID returns the identity of a screenshot node. The step number keeps
// visually identical screens at different steps apart.
func NodeID(step int, data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("step_%d_%s", step, hex.EncodeToString(sum[:4]))
}

type node struct {
	schemas.GraphNode
	kind schemas.ScreenshotKind
}

// Build constructs the graph. It is pure: the same inputs always yield the
// same nodes, edges and flows.
func (b Builder) Build(page *schemas.PageData, history []schemas.ActionHistoryEntry, spans []schemas.FlowSpan) *schemas.InteractionGraph {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	g := &schemas.InteractionGraph{
		URLHash:     page.URLHash,
		URL:         page.URL,
		Nodes:       []schemas.GraphNode{},
		Edges:       []schemas.GraphEdge{},
		Flows:       []schemas.GraphFlow{},
		GeneratedAt: now(),
	}

	steps := make(map[int]schemas.ExecutedStep, len(page.ExecutedSteps))
	for _, s := range page.ExecutedSteps {
		steps[s.Step] = s
	}
	actions := make(map[int]schemas.ActionHistoryEntry)
	for _, a := range history {
		actions[a.StepNumber] = a
	}

	nodes := b.nodes(page, steps)
	if len(nodes) == 0 {
		return g
	}

	edges := newEdgeSet()
	for i := 1; i < len(nodes); i++ {
		n := nodes[i]
		from := nodes[i-1].ID
		if a, ok := actions[n.Step]; ok && n.kind == schemas.ScreenshotAfterAct {
			if !sameURL(nodes[i-1].URL, a.SourceURL) {
				if src := firstWithURL(nodes[:i], a.SourceURL); src != "" {
					from = src
				}
			}
		}
		s := steps[n.Step]
		edges.add(schemas.GraphEdge{
			From:        from,
			To:          n.ID,
			Action:      actionName(s, n.kind),
			Description: s.Instruction,
			FlowID:      spanFor(spans, n.Step),
		})
	}

	flows := []schemas.GraphFlow{{ID: PageFlowID, Name: PageFlowID}}
	members := [][]string{ids(nodes)}
	for _, span := range spans {
		m := spanMembers(nodes, span)
		if len(m) == 0 {
			continue
		}
		start := m[0]
		for _, n := range nodes {
			if n.ID == start.ID || !span.Contains(n.Step) || n.kind != schemas.ScreenshotAfterAct {
				continue
			}
			if sameURL(n.URL, span.StartURL) {
				edges.add(schemas.GraphEdge{From: n.ID, To: start.ID, Action: "return", Description: "back to flow start", FlowID: span.ID})
			}
		}
		flows = append(flows, schemas.GraphFlow{ID: span.ID, Name: string(span.FlowType)})
		members = append(members, ids(m))
	}

	for i := range flows {
		classify(&flows[i], members[i], edges.list)
	}

	flowIDs := make(map[string][]string)
	for _, f := range flows[1:] {
		for _, id := range f.MemberNodes {
			flowIDs[id] = append(flowIDs[id], f.ID)
		}
	}
	for _, n := range nodes {
		n.Metadata.FlowIDs = flowIDs[n.ID]
		if n.Metadata.FlowIDs == nil {
			n.Metadata.FlowIDs = []string{}
		}
		g.Nodes = append(g.Nodes, n.GraphNode)
	}
	g.Edges = edges.list
	g.Flows = flows
	return g
}

// nodes creates one node per screenshot, skipping exact repeats.
func (b Builder) nodes(page *schemas.PageData, steps map[int]schemas.ExecutedStep) []node {
	seen := make(map[string]bool, len(page.Screenshots))
	out := make([]node, 0, len(page.Screenshots))
	for _, shot := range page.Screenshots {
		id := NodeID(shot.Step, shot.Data)
		if seen[id] {
			continue
		}
		seen[id] = true

		n := node{kind: shot.Kind}
		n.ID = id
		n.Step = shot.Step
		n.URL = shot.URL
		if shot.Kind != schemas.ScreenshotInitial {
			n.Instruction = steps[shot.Step].Instruction
		}
		if b.IncludeImages {
			n.Image = "data:image/png;base64," + base64.StdEncoding.EncodeToString(shot.Data)
		}
		n.Metadata = schemas.GraphNodeMetadata{
			VisibleElements:   []string{},
			ClickableElements: []string{},
			OpenDialogs:       []string{},
			ScreenshotKind:    shot.Kind,
		}
		if st := shot.State; st != nil {
			n.Metadata.VisibleElements = orEmpty(st.VisibleElements)
			n.Metadata.ClickableElements = orEmpty(st.ClickableElements)
			n.Metadata.OpenDialogs = orEmpty(st.OpenDialogs)
		}
		out = append(out, n)
	}
	return out
}

// spanMembers returns the nodes of a flow: the screen the flow started from,
// followed by every node recorded while the flow was open. Spans that
// recorded nothing on this page have no members.
func spanMembers(nodes []node, span schemas.FlowSpan) []node {
	var inside []node
	anchor := -1
	for i, n := range nodes {
		if n.Step < span.StartStep {
			anchor = i
		}
		if span.Contains(n.Step) {
			inside = append(inside, n)
		}
	}
	if len(inside) == 0 {
		return nil
	}
	if anchor < 0 {
		return inside
	}
	return append([]node{nodes[anchor]}, inside...)
}

// classify fills start, members, end nodes and pattern from the edges that
// stay inside the flow.
func classify(f *schemas.GraphFlow, members []string, edges []schemas.GraphEdge) {
	f.MemberNodes = members
	f.EndNodes = []string{}
	f.Pattern = schemas.PatternLinear
	if len(members) == 0 {
		return
	}
	f.StartNode = members[0]

	in := make(map[string]bool, len(members))
	for _, id := range members {
		in[id] = true
	}
	out := make(map[string]int, len(members))
	startTargeted := false
	for _, e := range edges {
		if !in[e.From] || !in[e.To] {
			continue
		}
		out[e.From]++
		if e.To == f.StartNode {
			startTargeted = true
		}
	}

	branching := false
	for _, id := range members {
		if out[id] == 0 {
			f.EndNodes = append(f.EndNodes, id)
		}
		if out[id] > 1 {
			branching = true
		}
	}
	if startTargeted && !contains(f.EndNodes, f.StartNode) {
		f.EndNodes = append(f.EndNodes, f.StartNode)
	}

	switch {
	case contains(f.EndNodes, f.StartNode):
		f.Pattern = schemas.PatternCircular
	case branching:
		f.Pattern = schemas.PatternBranching
	}
}

type edgeSet struct {
	seen map[string]bool
	list []schemas.GraphEdge
}

func newEdgeSet() *edgeSet {
	return &edgeSet{seen: make(map[string]bool), list: []schemas.GraphEdge{}}
}

func (s *edgeSet) add(e schemas.GraphEdge) {
	key := e.From + "->" + e.To
	if e.From == e.To || s.seen[key] {
		return
	}
	s.seen[key] = true
	s.list = append(s.list, e)
}

func actionName(s schemas.ExecutedStep, kind schemas.ScreenshotKind) string {
	if s.ToolUsed != "" {
		return string(s.ToolUsed)
	}
	return string(kind)
}

func spanFor(spans []schemas.FlowSpan, step int) string {
	for _, s := range spans {
		if s.Contains(step) {
			return s.ID
		}
	}
	return ""
}

func firstWithURL(nodes []node, u string) string {
	for _, n := range nodes {
		if sameURL(n.URL, u) {
			return n.ID
		}
	}
	return ""
}

func sameURL(a, b string) bool {
	if a == b {
		return true
	}
	_, ha, errA := discovery.Canonicalize(a, "")
	_, hb, errB := discovery.Canonicalize(b, "")
	return errA == nil && errB == nil && ha == hb
}

func ids(nodes []node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

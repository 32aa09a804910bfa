package schemas

import "slices"

// Clone returns a deep copy of the page. Screenshot bytes and raw results are
// shared since they are never mutated after capture.
func (p *PageData) Clone() *PageData {
	if p == nil {
		return nil
	}
	c := *p
	c.ExecutedSteps = slices.Clone(p.ExecutedSteps)
	c.ExtractionResults = slices.Clone(p.ExtractionResults)
	c.Screenshots = slices.Clone(p.Screenshots)
	return &c
}

// Clone returns a deep copy of the session.
func (s *ExplorationSession) Clone() *ExplorationSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.Metadata.EndTime != nil {
		t := *s.Metadata.EndTime
		c.Metadata.EndTime = &t
	}
	c.Pages = make(map[string]*PageData, len(s.Pages))
	for k, p := range s.Pages {
		c.Pages[k] = p.Clone()
	}
	c.PageQueue = slices.Clone(s.PageQueue)
	c.UserInputs = make(map[string]UserInput, len(s.UserInputs))
	for k, v := range s.UserInputs {
		c.UserInputs[k] = v
	}
	c.FlowHistory = slices.Clone(s.FlowHistory)
	c.ActionHistory = slices.Clone(s.ActionHistory)
	return &c
}

// ApplyDefaults fills fields that older snapshots may lack and repairs the
// queue so it only references known, unfinished pages.
func (s *ExplorationSession) ApplyDefaults() {
	if s.Metadata.Phase == "" {
		s.Metadata.Phase = PhaseActive
	}
	if s.Metadata.Mode == "" {
		s.Metadata.Mode = ModeSequential
	}
	if s.Pages == nil {
		s.Pages = make(map[string]*PageData)
	}
	if s.UserInputs == nil {
		s.UserInputs = make(map[string]UserInput)
	}
	for hash, p := range s.Pages {
		if p == nil {
			delete(s.Pages, hash)
			continue
		}
		if p.URLHash == "" {
			p.URLHash = hash
		}
		if p.Status == "" {
			p.Status = PageQueued
		}
		p.Priority = ClampPriority(p.Priority)
		for _, r := range p.ExtractionResults {
			if r.Version > p.CurrentExtractionVersion {
				p.CurrentExtractionVersion = r.Version
			}
		}
		for _, st := range p.ExecutedSteps {
			if st.Step > s.GlobalStepCounter {
				s.GlobalStepCounter = st.Step
			}
		}
	}
	// Drop queue entries that no longer satisfy the queue invariant.
	queue := s.PageQueue[:0]
	seen := make(map[string]bool, len(s.PageQueue))
	for _, hash := range s.PageQueue {
		p, ok := s.Pages[hash]
		if !ok || seen[hash] || p.Status == PageCompleted {
			continue
		}
		seen[hash] = true
		queue = append(queue, hash)
	}
	s.PageQueue = queue
}

// ApplyDefaults fills fields that older graph documents may lack.
func (g *InteractionGraph) ApplyDefaults() {
	if g.Nodes == nil {
		g.Nodes = []GraphNode{}
	}
	if g.Edges == nil {
		g.Edges = []GraphEdge{}
	}
	if g.Flows == nil {
		g.Flows = []GraphFlow{}
	}
	for i := range g.Flows {
		if g.Flows[i].Pattern == "" {
			g.Flows[i].Pattern = PatternLinear
		}
	}
}

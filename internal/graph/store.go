package graph

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

// ErrRebuildInProgress is returned when a page's graph is already being
// rebuilt. The previous graph stays available.
var ErrRebuildInProgress = errors.New("graph rebuild already in progress")

// Store keeps the latest interaction graph of every page.
type Store struct {
	builder Builder
	logger  *zap.Logger

	mu       sync.RWMutex
	graphs   map[string]*schemas.InteractionGraph
	building map[string]bool
}

// NewStore creates an empty store.
func NewStore(builder Builder, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		builder:  builder,
		logger:   logger.Named("graph_store"),
		graphs:   make(map[string]*schemas.InteractionGraph),
		building: make(map[string]bool),
	}
}

// Rebuild regenerates the graph of page. Concurrent rebuilds of the same page
// are refused with ErrRebuildInProgress.
func (s *Store) Rebuild(page *schemas.PageData, history []schemas.ActionHistoryEntry, flows []schemas.FlowSpan) (*schemas.InteractionGraph, error) {
	if !s.begin(page.URLHash) {
		return nil, ErrRebuildInProgress
	}
	defer s.end(page.URLHash)

	g := s.builder.Build(page, history, flows)

	s.mu.Lock()
	s.graphs[page.URLHash] = g
	s.mu.Unlock()

	s.logger.Debug("Graph rebuilt",
		zap.String("url_hash", page.URLHash),
		zap.Int("nodes", len(g.Nodes)),
		zap.Int("edges", len(g.Edges)),
		zap.Int("flows", len(g.Flows)))
	return cloneGraph(g), nil
}

func (s *Store) begin(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.building[hash] {
		return false
	}
	s.building[hash] = true
	if g, ok := s.graphs[hash]; ok {
		g.InProgress = true
	}
	return true
}

func (s *Store) end(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.building, hash)
	if g, ok := s.graphs[hash]; ok {
		g.InProgress = false
	}
}

// InProgress reports whether the page's graph is being rebuilt.
func (s *Store) InProgress(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.building[hash]
}

// Get returns a copy of the page's latest graph.
func (s *Store) Get(hash string) (*schemas.InteractionGraph, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.graphs[hash]
	if !ok {
		return nil, false
	}
	return cloneGraph(g), true
}

// All returns copies of every graph ordered by URL.
func (s *Store) All() []*schemas.InteractionGraph {
	s.mu.RLock()
	out := make([]*schemas.InteractionGraph, 0, len(s.graphs))
	for _, g := range s.graphs {
		out = append(out, cloneGraph(g))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func cloneGraph(g *schemas.InteractionGraph) *schemas.InteractionGraph {
	c := *g
	c.Nodes = append([]schemas.GraphNode(nil), g.Nodes...)
	c.Edges = append([]schemas.GraphEdge(nil), g.Edges...)
	c.Flows = make([]schemas.GraphFlow, len(g.Flows))
	for i, f := range g.Flows {
		f.EndNodes = append([]string(nil), f.EndNodes...)
		f.MemberNodes = append([]string(nil), f.MemberNodes...)
		c.Flows[i] = f
	}
	return &c
}

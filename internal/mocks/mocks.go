// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

// -- Decision Service Mock --

// MockDecisionService mocks the schemas.DecisionService interface.
type MockDecisionService struct {
	mock.Mock
}

func (m *MockDecisionService) Decide(ctx context.Context, req schemas.DecisionRequest) (*schemas.DecisionResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.DecisionResponse), args.Error(1)
}

// -- Automation Driver Mock --

// MockAutomationDriver mocks the schemas.AutomationDriver interface.
type MockAutomationDriver struct {
	mock.Mock
}

func (m *MockAutomationDriver) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockAutomationDriver) Act(ctx context.Context, instruction string) error {
	return m.Called(ctx, instruction).Error(0)
}

func (m *MockAutomationDriver) Extract(ctx context.Context, instruction string) ([]byte, error) {
	args := m.Called(ctx, instruction)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockAutomationDriver) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockAutomationDriver) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockAutomationDriver) WaitForTimeout(ctx context.Context, d time.Duration) error {
	return m.Called(ctx, d).Error(0)
}

func (m *MockAutomationDriver) PageState(ctx context.Context) (*schemas.PageState, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.PageState), args.Error(1)
}

func (m *MockAutomationDriver) Close() error {
	return m.Called().Error(0)
}

// ScriptedDecisions replays a fixed list of decisions, then returns nil.
type ScriptedDecisions struct {
	mu        sync.Mutex
	Decisions []*schemas.DecisionResponse
	Requests  []schemas.DecisionRequest
}

func (s *ScriptedDecisions) Decide(ctx context.Context, req schemas.DecisionRequest) (*schemas.DecisionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.Requests)
	s.Requests = append(s.Requests, req)
	if i >= len(s.Decisions) {
		return nil, nil
	}
	return s.Decisions[i], nil
}

// Seen returns a copy of the received requests.
func (s *ScriptedDecisions) Seen() []schemas.DecisionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schemas.DecisionRequest(nil), s.Requests...)
}

// -- Fake Automation Driver --

// FakeDriver is a scripted, concurrency-safe AutomationDriver. Navigate and
// Act move the current URL; Act consults Routes to decide where an
// instruction leads.
type FakeDriver struct {
	mu     sync.Mutex
	url    string
	Routes map[string]string
	Data   map[string][]byte
	ActErr error
	// ExtractErrs fails extraction on the listed URLs.
	ExtractErrs map[string]error
	Visits      []string
	Actions     []string
	Extracts    []string
	Closed      bool
}

// NewFakeDriver returns a driver with empty routes.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{Routes: map[string]string{}, Data: map[string][]byte{}}
}

func (f *FakeDriver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = url
	f.Visits = append(f.Visits, url)
	return nil
}

func (f *FakeDriver) Act(ctx context.Context, instruction string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Actions = append(f.Actions, instruction)
	if f.ActErr != nil {
		return f.ActErr
	}
	if next, ok := f.Routes[instruction]; ok {
		f.url = next
	}
	return nil
}

func (f *FakeDriver) Extract(ctx context.Context, instruction string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Extracts = append(f.Extracts, f.url)
	if err := f.ExtractErrs[f.url]; err != nil {
		return nil, err
	}
	if d, ok := f.Data[f.url]; ok {
		return d, nil
	}
	return []byte(`{"url":"` + f.url + `"}`), nil
}

func (f *FakeDriver) Screenshot(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []byte("png:" + f.url), nil
}

func (f *FakeDriver) CurrentURL(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

func (f *FakeDriver) WaitForTimeout(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func (f *FakeDriver) PageState(ctx context.Context) (*schemas.PageState, error) {
	return &schemas.PageState{VisibleElements: []string{"body"}}, nil
}

func (f *FakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// VisitedURLs returns a copy of every navigated URL in order.
func (f *FakeDriver) VisitedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Visits...)
}

// -- Input Transport Fake --

// FakeInputTransport answers input requests from a fixed table. Keys absent
// from Answers are never answered, which lets tests exercise timeouts.
type FakeInputTransport struct {
	mu       sync.Mutex
	Answers  map[string]string
	Err      error
	Requests []schemas.UserInputRequest
}

func (f *FakeInputTransport) RequestInput(ctx context.Context, req schemas.UserInputRequest) (<-chan schemas.UserInputAnswer, error) {
	f.mu.Lock()
	f.Requests = append(f.Requests, req)
	err := f.Err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ch := make(chan schemas.UserInputAnswer, len(req.Inputs))
	for _, in := range req.Inputs {
		if v, ok := f.Answers[in.InputKey]; ok {
			ch <- schemas.UserInputAnswer{RequestID: req.RequestID, InputKey: in.InputKey, Value: v}
		}
	}
	return ch, nil
}

// RequestCount reports how many requests were delivered.
func (f *FakeInputTransport) RequestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

// -- Progress Publisher Fake --

// RecordingPublisher keeps every published event.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []schemas.ProgressEvent
}

func (p *RecordingPublisher) Publish(ctx context.Context, e schemas.ProgressEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

// Events returns published events, optionally filtered by type.
func (p *RecordingPublisher) Events(types ...schemas.EventType) []schemas.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(types) == 0 {
		return append([]schemas.ProgressEvent(nil), p.events...)
	}
	var out []schemas.ProgressEvent
	for _, e := range p.events {
		for _, t := range types {
			if e.Type == t {
				out = append(out, e)
			}
		}
	}
	return out
}

// -- Session Store Mock --

// MockSessionStore mocks the schemas.SessionStore interface.
type MockSessionStore struct {
	mock.Mock
}

func (m *MockSessionStore) AppendSnapshot(ctx context.Context, s *schemas.ExplorationSession) error {
	return m.Called(ctx, s).Error(0)
}

func (m *MockSessionStore) SaveGraph(ctx context.Context, sessionID string, g *schemas.InteractionGraph) error {
	return m.Called(ctx, sessionID, g).Error(0)
}

func (m *MockSessionStore) LoadLatest(ctx context.Context, sessionID string) (*schemas.ExplorationSession, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.ExplorationSession), args.Error(1)
}

func (m *MockSessionStore) LoadGraphs(ctx context.Context, sessionID string) ([]*schemas.InteractionGraph, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*schemas.InteractionGraph), args.Error(1)
}

func (m *MockSessionStore) Close() error {
	return m.Called().Error(0)
}

// -- Liveness Fake --

// StaticLiveness reports a fixed connection state.
type StaticLiveness struct {
	mu    sync.Mutex
	alive bool
}

func NewStaticLiveness(alive bool) *StaticLiveness { return &StaticLiveness{alive: alive} }

func (l *StaticLiveness) Alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alive
}

func (l *StaticLiveness) Set(alive bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alive = alive
}

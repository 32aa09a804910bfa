// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/agent"
	"github.com/xkilldash9x/wayfinder/internal/browser"
	"github.com/xkilldash9x/wayfinder/internal/discovery"
	"github.com/xkilldash9x/wayfinder/internal/graph"
	"github.com/xkilldash9x/wayfinder/internal/mocks"
	"github.com/xkilldash9x/wayfinder/internal/observability"
	"github.com/xkilldash9x/wayfinder/internal/session"
	"github.com/xkilldash9x/wayfinder/internal/store"
	"github.com/xkilldash9x/wayfinder/internal/summary"
	"github.com/xkilldash9x/wayfinder/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	sessionID  = "sess-orch"
	startURL   = "https://shop.example.com/"
	contactURL = "https://shop.example.com/contact"
	productURL = "https://shop.example.com/products"
	aboutURL   = "https://shop.example.com/about"
)

// -- Test Harness --

type harness struct {
	state     *session.State
	driver    schemas.AutomationDriver
	fake      *mocks.FakeDriver
	exclusive *browser.Exclusive
	registry  *tools.Registry
	store     schemas.SessionStore
	memory    *store.MemoryStore
	publisher *mocks.RecordingPublisher
	liveness  *mocks.StaticLiveness
	metrics   *observability.Metrics
}

func newHarness(t *testing.T, mode schemas.ExplorationMode) *harness {
	t.Helper()
	scope, err := discovery.NewBasicScopeManager(startURL, false)
	require.NoError(t, err)
	st := session.New(session.Options{
		SessionID: sessionID,
		StartURL:  startURL,
		Objective: "find the contact page",
		Mode:      mode,
		Scope:     scope,
	})
	_, err = st.RegisterDiscovery(startURL, schemas.PriorityHighest, "")
	require.NoError(t, err)

	fake := mocks.NewFakeDriver()
	mem := store.NewMemoryStore()
	return &harness{
		state:     st,
		driver:    fake,
		fake:      fake,
		store:     mem,
		memory:    mem,
		publisher: &mocks.RecordingPublisher{},
		liveness:  mocks.NewStaticLiveness(true),
		metrics:   observability.NewMetrics("wayfinder_orch"),
	}
}

func (h *harness) orchestrator(t *testing.T, decisions schemas.DecisionService, cfg Config) *Orchestrator {
	t.Helper()
	h.exclusive = browser.NewExclusive(h.driver, zap.NewNop())
	h.registry = tools.NewRegistry(zap.NewNop(), h.state, &mocks.FakeInputTransport{}, summary.NewMarkdownFormatter(), h.metrics, tools.Config{
		InputTimeout: 50 * time.Millisecond,
	})
	ag := agent.New(agent.Dependencies{
		State:     h.state,
		Decisions: decisions,
		Tools:     h.registry,
		Exclusive: h.exclusive,
		Publisher: h.publisher,
		Liveness:  h.liveness,
		Metrics:   h.metrics,
	}, agent.Config{MaxStepsPerPage: 10, MaxPages: cfg.MaxPages, Exploratory: cfg.Exploratory}, zap.NewNop())

	o, err := New(Dependencies{
		State:     h.state,
		Agent:     ag,
		Tools:     h.registry,
		Exclusive: h.exclusive,
		Graphs:    graph.NewStore(graph.Builder{}, zap.NewNop()),
		Store:     h.store,
		Publisher: h.publisher,
		Liveness:  h.liveness,
		Metrics:   h.metrics,
	}, cfg, zap.NewNop())
	require.NoError(t, err)
	return o
}

func hashOf(t *testing.T, raw string) string {
	t.Helper()
	_, h, err := discovery.Canonicalize(raw, "")
	require.NoError(t, err)
	return h
}

func act(instr string) *schemas.DecisionResponse {
	return &schemas.DecisionResponse{Tool: schemas.ToolPageAct, Parameters: schemas.ToolParameters{Instruction: instr}}
}

func extractDone(instr string, objective bool) *schemas.DecisionResponse {
	return &schemas.DecisionResponse{
		Tool:                            schemas.ToolPageExtract,
		Parameters:                      schemas.ToolParameters{Instruction: instr},
		IsCurrentPageExecutionCompleted: true,
		ObjectiveAchieved:               objective,
	}
}

// -- Sequential Mode --

func TestRun_SequentialContactScenario(t *testing.T) {
	h := newHarness(t, schemas.ModeSequential)
	h.fake.Routes["click Contact link"] = contactURL
	decisions := &mocks.ScriptedDecisions{Decisions: []*schemas.DecisionResponse{
		act("click Contact link"),
		extractDone("navigation links", false),
		extractDone("contact details", true),
	}}
	o := h.orchestrator(t, decisions, Config{Mode: schemas.ModeSequential, MaxPages: 10})

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopObjective, res.Reason)
	require.Len(t, res.Pages, 2)
	assert.Equal(t, agent.StopCompleted, res.Pages[0].Reason)
	assert.Equal(t, agent.StopCompleted, res.Pages[1].Reason)

	final := res.Session
	assert.Equal(t, schemas.PhaseCompleted, final.Metadata.Phase)
	require.NotNil(t, final.Metadata.EndTime)
	assert.True(t, final.Metadata.ObjectiveAchieved)
	assert.Equal(t, 2, final.Metadata.Counts.PagesCompleted)
	assert.Equal(t, 3, final.Metadata.Counts.StepsExecuted)
	assert.True(t, final.Pages[hashOf(t, contactURL)].ObjectiveAchieved)
	assert.Empty(t, final.PageQueue)

	// One snapshot per page plus the final one.
	assert.Equal(t, 3, h.memory.SnapshotCount(sessionID))
	latest, err := h.store.LoadLatest(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, schemas.PhaseCompleted, latest.Metadata.Phase)

	graphs, err := h.store.LoadGraphs(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Len(t, graphs, 2)

	assert.Len(t, h.publisher.Events(schemas.EventSessionFinalized), 1)
	assert.GreaterOrEqual(t, len(h.publisher.Events(schemas.EventGraphUpdated)), 2)
	assert.Len(t, h.publisher.Events(schemas.EventGraphUpdating), len(h.publisher.Events(schemas.EventGraphUpdated)))
	assert.Equal(t, "", h.exclusive.Holder())
}

func TestRun_StopsAtPageCeiling(t *testing.T) {
	h := newHarness(t, schemas.ModeSequential)
	h.fake.Routes["click Contact link"] = contactURL
	decisions := &mocks.ScriptedDecisions{Decisions: []*schemas.DecisionResponse{
		act("click Contact link"),
		extractDone("navigation links", false),
	}}
	o := h.orchestrator(t, decisions, Config{Mode: schemas.ModeSequential, MaxPages: 1})

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopMaxPages, res.Reason)
	assert.Len(t, res.Pages, 1)
	assert.Equal(t, []string{hashOf(t, contactURL)}, res.Session.PageQueue)
	assert.Equal(t, schemas.PageQueued, res.Session.Pages[hashOf(t, contactURL)].Status)

	seen := decisions.Seen()
	require.NotEmpty(t, seen)
	assert.True(t, seen[len(seen)-1].MaxPagesReached)
}

func TestRun_ExploratoryContinuesAfterObjective(t *testing.T) {
	h := newHarness(t, schemas.ModeSequential)
	h.fake.Routes["click Contact link"] = contactURL
	decisions := &mocks.ScriptedDecisions{Decisions: []*schemas.DecisionResponse{
		act("click Contact link"),
		extractDone("everything", true),
		// The contact page then gets no usable decision.
	}}
	o := h.orchestrator(t, decisions, Config{Mode: schemas.ModeSequential, MaxPages: 10, Exploratory: true})

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopQueueEmpty, res.Reason)
	require.Len(t, res.Pages, 2)
	assert.Equal(t, agent.StopDecisionFailed, res.Pages[1].Reason)
	assert.True(t, res.Session.Metadata.ObjectiveAchieved)
	assert.Equal(t, 2, res.Session.Metadata.Counts.PagesCompleted)
}

func TestRun_StopsWhenHumanDisconnects(t *testing.T) {
	h := newHarness(t, schemas.ModeSequential)
	h.liveness.Set(false)
	decisions := &mocks.ScriptedDecisions{}
	o := h.orchestrator(t, decisions, Config{Mode: schemas.ModeSequential})

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopDisconnected, res.Reason)
	assert.Empty(t, decisions.Seen())
	assert.Equal(t, schemas.PhaseCompleted, res.Session.Metadata.Phase)
	assert.Equal(t, 1, h.memory.SnapshotCount(sessionID))
	assert.Len(t, h.publisher.Events(schemas.EventSessionFinalized), 1)
}

func TestRun_CanceledContextStillFinalizes(t *testing.T) {
	h := newHarness(t, schemas.ModeSequential)
	o := h.orchestrator(t, &mocks.ScriptedDecisions{}, Config{Mode: schemas.ModeSequential})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := o.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, StopCanceled, res.Reason)
	assert.Equal(t, schemas.PhaseCompleted, res.Session.Metadata.Phase)
	assert.Equal(t, 1, h.memory.SnapshotCount(sessionID))
}

func TestRun_PersistenceFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, schemas.ModeSequential)
	failing := new(mocks.MockSessionStore)
	failing.On("AppendSnapshot", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	failing.On("SaveGraph", mock.Anything, sessionID, mock.Anything).Return(errors.New("disk full"))
	h.store = failing

	decisions := &mocks.ScriptedDecisions{Decisions: []*schemas.DecisionResponse{extractDone("summary", false)}}
	o := h.orchestrator(t, decisions, Config{Mode: schemas.ModeSequential})

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Session.Metadata.Counts.PagesCompleted)
	failing.AssertCalled(t, "AppendSnapshot", mock.Anything, mock.Anything)
	failing.AssertCalled(t, "SaveGraph", mock.Anything, sessionID, mock.Anything)
}

// -- Background Mode --

func TestRun_BackgroundExtractionAndRetry(t *testing.T) {
	h := newHarness(t, schemas.ModeBackground)
	h.fake.Routes["open Products"] = productURL
	h.fake.Routes["open About"] = aboutURL
	h.fake.ExtractErrs = map[string]error{aboutURL: errors.New("extractor crashed")}
	decisions := &mocks.ScriptedDecisions{Decisions: []*schemas.DecisionResponse{
		act("open Products"),
		act("open About"),
		extractDone("home overview", false),
		// The retried about page gets no usable decision and is closed.
	}}
	o := h.orchestrator(t, decisions, Config{Mode: schemas.ModeBackground, BackgroundConcurrency: 2})

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopQueueEmpty, res.Reason)
	assert.True(t, o.Ready())

	final := res.Session
	assert.Equal(t, 3, final.Metadata.Counts.PagesCompleted)

	products := final.Pages[hashOf(t, productURL)]
	require.NotNil(t, products)
	assert.Equal(t, schemas.PageCompleted, products.Status)
	require.Len(t, products.ExtractionResults, 1)
	assert.NotEmpty(t, products.CumulativeSummary)
	require.Len(t, products.ExecutedSteps, 1)
	assert.Equal(t, schemas.ToolPageExtract, products.ExecutedSteps[0].ToolUsed)
	require.NotEmpty(t, products.Screenshots)
	assert.Equal(t, schemas.ScreenshotExtract, products.Screenshots[0].Kind)
	assert.Empty(t, products.FailureNote)

	about := final.Pages[hashOf(t, aboutURL)]
	require.NotNil(t, about)
	assert.Equal(t, schemas.PageCompleted, about.Status)
	assert.Contains(t, about.FailureNote, "extraction failed")
	assert.False(t, about.ObjectiveAchieved)

	// Only the about page came back to the primary loop.
	require.Len(t, res.Pages, 2)
	assert.Equal(t, hashOf(t, aboutURL), res.Pages[1].URLHash)

	expected := `
# HELP wayfinder_orch_background_failures_total Background extraction tasks that failed.
# TYPE wayfinder_orch_background_failures_total counter
wayfinder_orch_background_failures_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(h.metrics.Registry(), strings.NewReader(expected), "wayfinder_orch_background_failures_total"))
	assert.Equal(t, "", h.exclusive.Holder())
}

// panicOnce panics the first time Navigate targets url.
type panicOnce struct {
	*mocks.FakeDriver
	url  string
	once sync.Once
}

func (p *panicOnce) Navigate(ctx context.Context, url string) error {
	if url == p.url {
		p.once.Do(func() { panic("renderer gone") })
	}
	return p.FakeDriver.Navigate(ctx, url)
}

func TestRun_BackgroundPanicBecomesFailureNote(t *testing.T) {
	h := newHarness(t, schemas.ModeBackground)
	h.fake.Routes["open Products"] = productURL
	h.driver = &panicOnce{FakeDriver: h.fake, url: productURL}
	decisions := &mocks.ScriptedDecisions{Decisions: []*schemas.DecisionResponse{
		act("open Products"),
		extractDone("home overview", false),
	}}
	o := h.orchestrator(t, decisions, Config{Mode: schemas.ModeBackground})

	res, err := o.Run(context.Background())
	require.NoError(t, err)

	products := res.Session.Pages[hashOf(t, productURL)]
	require.NotNil(t, products)
	assert.Contains(t, products.FailureNote, "panic: renderer gone")
	assert.Equal(t, schemas.PageCompleted, products.Status)
	assert.True(t, o.Ready())
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{}, Config{}, zap.NewNop())
	assert.Error(t, err)

	h := newHarness(t, schemas.ModeBackground)
	exclusive := browser.NewExclusive(h.driver, zap.NewNop())
	ag := agent.New(agent.Dependencies{State: h.state, Exclusive: exclusive}, agent.Config{}, zap.NewNop())
	_, err = New(Dependencies{State: h.state, Agent: ag, Exclusive: exclusive}, Config{Mode: schemas.ModeBackground}, zap.NewNop())
	assert.ErrorContains(t, err, "tool registry")
}

package agent

import (
	"context"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser"
	"github.com/xkilldash9x/wayfinder/internal/discovery"
	"github.com/xkilldash9x/wayfinder/internal/mocks"
	"github.com/xkilldash9x/wayfinder/internal/session"
	"github.com/xkilldash9x/wayfinder/internal/summary"
	"github.com/xkilldash9x/wayfinder/internal/tools"
)

const startURL = "https://shop.example.com/"

type fixture struct {
	state     *session.State
	driver    *mocks.FakeDriver
	exclusive *browser.Exclusive
	inputs    *mocks.FakeInputTransport
	publisher *mocks.RecordingPublisher
	liveness  *mocks.StaticLiveness
	page      *schemas.PageData
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	scope, err := discovery.NewBasicScopeManager(startURL, false)
	require.NoError(t, err)
	st := session.New(session.Options{
		SessionID: "sess-agent",
		StartURL:  startURL,
		Objective: "find the contact page",
		Mode:      schemas.ModeSequential,
		Scope:     scope,
	})
	_, err = st.RegisterDiscovery(startURL, schemas.PriorityHighest, "")
	require.NoError(t, err)
	page, ok := st.Dequeue()
	require.True(t, ok)

	driver := mocks.NewFakeDriver()
	return &fixture{
		state:     st,
		driver:    driver,
		exclusive: browser.NewExclusive(driver, zap.NewNop()),
		inputs:    &mocks.FakeInputTransport{Answers: map[string]string{}},
		publisher: &mocks.RecordingPublisher{},
		liveness:  mocks.NewStaticLiveness(true),
		page:      page,
	}
}

func (f *fixture) agent(decisions schemas.DecisionService, cfg Config) *Agent {
	reg := tools.NewRegistry(zap.NewNop(), f.state, f.inputs, summary.NewMarkdownFormatter(), nil, tools.Config{
		InputTimeout: 50 * time.Millisecond,
	})
	return New(Dependencies{
		State:     f.state,
		Decisions: decisions,
		Tools:     reg,
		Exclusive: f.exclusive,
		Publisher: f.publisher,
		Liveness:  f.liveness,
	}, cfg, zap.NewNop())
}

func act(instr string) *schemas.DecisionResponse {
	return &schemas.DecisionResponse{Tool: schemas.ToolPageAct, Parameters: schemas.ToolParameters{Instruction: instr}}
}

func flowSignal(d *schemas.DecisionResponse, in bool, ft schemas.FlowType) *schemas.DecisionResponse {
	d.IsInSensitiveFlow = &in
	d.FlowType = ft
	return d
}

func done(d *schemas.DecisionResponse) *schemas.DecisionResponse {
	d.IsCurrentPageExecutionCompleted = true
	return d
}

// decideFunc adapts a function to schemas.DecisionService.
type decideFunc func(ctx context.Context, req schemas.DecisionRequest) (*schemas.DecisionResponse, error)

func (f decideFunc) Decide(ctx context.Context, req schemas.DecisionRequest) (*schemas.DecisionResponse, error) {
	return f(ctx, req)
}

func TestRunPage_ContactScenario(t *testing.T) {
	f := newFixture(t)
	f.driver.Routes["click Contact link"] = "https://shop.example.com/contact"
	decisions := &mocks.ScriptedDecisions{Decisions: []*schemas.DecisionResponse{
		act("click Contact link"),
		done(&schemas.DecisionResponse{Tool: schemas.ToolPageExtract, Parameters: schemas.ToolParameters{Instruction: "contact details"}}),
	}}

	res, err := f.agent(decisions, Config{MaxStepsPerPage: 10}).RunPage(context.Background(), f.page)
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, res.Reason)
	assert.True(t, res.ObjectiveAchieved)
	assert.Equal(t, 2, res.Steps)

	snap := f.state.Snapshot()
	require.Len(t, snap.Pages, 2)
	assert.Equal(t, schemas.PageCompleted, snap.Pages[f.page.URLHash].Status)

	_, contactHash, err := discovery.Canonicalize("https://shop.example.com/contact", "")
	require.NoError(t, err)
	contact := snap.Pages[contactHash]
	require.NotNil(t, contact)
	assert.Equal(t, schemas.PageQueued, contact.Status)
	assert.Equal(t, schemas.PriorityDefault, contact.Priority)
	assert.Equal(t, []string{contactHash}, snap.PageQueue)

	require.Len(t, snap.ActionHistory, 1)
	entry := snap.ActionHistory[0]
	assert.Equal(t, startURL, entry.SourceURL)
	assert.Equal(t, "https://shop.example.com/contact", entry.TargetURL)
	assert.True(t, entry.URLChanged)

	steps := snap.Pages[f.page.URLHash].ExecutedSteps
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].Step)
	assert.Equal(t, 2, steps[1].Step)

	assert.Len(t, f.publisher.Events(schemas.EventStepCompleted), 2)
	assert.Len(t, f.publisher.Events(schemas.EventPageCompleted), 1)
	assert.Equal(t, "", f.exclusive.Holder())
	assert.Equal(t, []string{startURL}, f.driver.VisitedURLs())

	seen := decisions.Seen()
	require.Len(t, seen, 2)
	assert.Equal(t, 1, seen[0].StepNumber)
	assert.Equal(t, []byte("png:"+startURL), seen[0].Screenshot)
	require.Len(t, seen[1].ConversationHistory, 1)
	assert.Contains(t, seen[1].ConversationHistory[0].Outcome, "navigated to https://shop.example.com/contact")
	assert.Len(t, seen[1].PageQueue, 1)
	assert.Equal(t, 9, seen[1].RemainingSteps)
}

func TestRunPage_LoginFlowSuppressesQueuing(t *testing.T) {
	f := newFixture(t)
	f.driver.Routes["click Sign in"] = "https://shop.example.com/login"
	f.driver.Routes["submit credentials"] = "https://shop.example.com/login/otp?session=abc"
	f.driver.Routes["submit code"] = "https://shop.example.com/login/verify"
	f.driver.Routes["open orders"] = "https://shop.example.com/orders"

	decisions := &mocks.ScriptedDecisions{Decisions: []*schemas.DecisionResponse{
		act("scroll down"),
		act("scroll up"),
		act("click Sign in"),
		act("wait for form"),
		flowSignal(act("submit credentials"), true, schemas.FlowLogin), // step 5
		act("submit code"),
		act("dismiss banner"),
		flowSignal(act("close dialog"), false, ""), // step 8
		done(act("open orders")),
	}}

	res, err := f.agent(decisions, Config{MaxStepsPerPage: 20}).RunPage(context.Background(), f.page)
	require.NoError(t, err)
	assert.Equal(t, StopCompleted, res.Reason)

	snap := f.state.Snapshot()
	var queued []string
	for _, h := range snap.PageQueue {
		queued = append(queued, snap.Pages[h].URL)
	}
	assert.Equal(t, []string{"https://shop.example.com/login", "https://shop.example.com/orders"}, queued)

	require.Len(t, snap.FlowHistory, 1)
	assert.Equal(t, 5, snap.FlowHistory[0].StartStep)
	assert.Equal(t, 8, snap.FlowHistory[0].EndStep)
	assert.False(t, snap.FlowContext.IsInSensitiveFlow)
	assert.Len(t, snap.ActionHistory, 9)
}

func TestRunPage_BudgetExcludesStandby(t *testing.T) {
	f := newFixture(t)
	standby := &schemas.DecisionResponse{Tool: schemas.ToolStandby, Parameters: schemas.ToolParameters{WaitSeconds: 1}}
	decisions := &mocks.ScriptedDecisions{Decisions: []*schemas.DecisionResponse{
		standby, act("scroll down"), standby, act("scroll down"), act("never runs"),
	}}

	res, err := f.agent(decisions, Config{MaxStepsPerPage: 2}).RunPage(context.Background(), f.page)
	require.NoError(t, err)
	assert.Equal(t, StopBudget, res.Reason)
	assert.False(t, res.ObjectiveAchieved)

	p, ok := f.state.Page(f.page.URLHash)
	require.True(t, ok)
	assert.Len(t, p.ExecutedSteps, 4)
	assert.Equal(t, 2, p.CountedSteps)
	assert.Equal(t, schemas.PageCompleted, p.Status)
	assert.Len(t, decisions.Seen(), 4)
}

func TestRunPage_DecisionFailureCompletesPage(t *testing.T) {
	f := newFixture(t)
	decisions := &mocks.ScriptedDecisions{Decisions: []*schemas.DecisionResponse{
		{Tool: schemas.ToolPageAct}, // no instruction
	}}

	res, err := f.agent(decisions, Config{}).RunPage(context.Background(), f.page)
	require.NoError(t, err)
	assert.Equal(t, StopDecisionFailed, res.Reason)

	p, _ := f.state.Page(f.page.URLHash)
	assert.Equal(t, schemas.PageCompleted, p.Status)
	assert.False(t, p.ObjectiveAchieved)
	assert.Empty(t, p.ExecutedSteps)
	assert.Equal(t, 0, f.state.StepCounter())
}

func TestRunPage_StopsWhenHumanDisconnects(t *testing.T) {
	f := newFixture(t)
	f.liveness.Set(false)
	decisions := &mocks.ScriptedDecisions{}

	res, err := f.agent(decisions, Config{}).RunPage(context.Background(), f.page)
	require.NoError(t, err)
	assert.Equal(t, StopDisconnected, res.Reason)
	assert.False(t, res.Reason.Terminal())
	assert.Empty(t, decisions.Seen())

	p, _ := f.state.Page(f.page.URLHash)
	assert.Equal(t, schemas.PageInProgress, p.Status)
}

func TestRunPage_CanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	decisions := decideFunc(func(ctx context.Context, req schemas.DecisionRequest) (*schemas.DecisionResponse, error) {
		cancel()
		return nil, ctx.Err()
	})

	res, err := f.agent(decisions, Config{}).RunPage(ctx, f.page)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StopCanceled, res.Reason)
	p, _ := f.state.Page(f.page.URLHash)
	assert.Equal(t, schemas.PageInProgress, p.Status)
}

func TestRunPage_RestoresPageAfterInterleavedUse(t *testing.T) {
	f := newFixture(t)
	var once sync.Once
	decisions := decideFunc(func(ctx context.Context, req schemas.DecisionRequest) (*schemas.DecisionResponse, error) {
		interfered := false
		once.Do(func() {
			lease, err := f.exclusive.Acquire(ctx, "background")
			require.NoError(t, err)
			require.NoError(t, lease.Driver().Navigate(ctx, "https://shop.example.com/elsewhere"))
			lease.Release()
			interfered = true
		})
		if interfered {
			return act("scroll down"), nil
		}
		return done(&schemas.DecisionResponse{Tool: schemas.ToolStandby}), nil
	})

	_, err := f.agent(decisions, Config{}).RunPage(context.Background(), f.page)
	require.NoError(t, err)
	assert.Equal(t, []string{startURL, "https://shop.example.com/elsewhere", startURL}, f.driver.VisitedURLs())

	p, _ := f.state.Page(f.page.URLHash)
	require.NotEmpty(t, p.ExecutedSteps)
	assert.False(t, p.ExecutedSteps[0].URLChanged)
}

func TestRunPage_HoldsDriverDuringSensitiveFlow(t *testing.T) {
	f := newFixture(t)
	var holders []string
	calls := 0
	decisions := decideFunc(func(ctx context.Context, req schemas.DecisionRequest) (*schemas.DecisionResponse, error) {
		holders = append(holders, f.exclusive.Holder())
		calls++
		switch calls {
		case 1:
			return flowSignal(act("focus email field"), true, schemas.FlowSignup), nil
		case 2:
			return act("type hello into email"), nil
		default:
			return done(flowSignal(act("press Enter"), false, "")), nil
		}
	})

	a := f.agent(decisions, Config{})
	_, err := a.RunPage(context.Background(), f.page)
	require.NoError(t, err)
	assert.Equal(t, []string{"", PrimaryOwner, PrimaryOwner}, holders)
	assert.Equal(t, "", f.exclusive.Holder())
}

func TestRunPage_ObjectiveAchievedClosesFlowStartedHere(t *testing.T) {
	f := newFixture(t)
	first := flowSignal(act("open checkout"), true, schemas.FlowCheckout)
	second := done(act("confirm order"))
	second.ObjectiveAchieved = true
	decisions := &mocks.ScriptedDecisions{Decisions: []*schemas.DecisionResponse{first, second}}

	a := f.agent(decisions, Config{})
	res, err := a.RunPage(context.Background(), f.page)
	require.NoError(t, err)
	assert.True(t, res.ObjectiveAchieved)
	assert.True(t, f.state.ObjectiveAchieved())
	assert.False(t, f.state.FlowContext().IsInSensitiveFlow)

	p, _ := f.state.Page(f.page.URLHash)
	assert.True(t, p.ExecutedSteps[1].ObjectiveAchieved)
	assert.Equal(t, "", f.exclusive.Holder())
}

func TestRunPage_ObjectiveAfterRedirectClosesFlow(t *testing.T) {
	f := newFixture(t)
	f.driver.Routes["click Sign in"] = "https://shop.example.com/login"
	f.driver.Routes["submit credentials"] = "https://shop.example.com/account"
	last := done(act("submit credentials"))
	last.ObjectiveAchieved = true
	decisions := &mocks.ScriptedDecisions{Decisions: []*schemas.DecisionResponse{
		act("click Sign in"),
		flowSignal(act("type email into Email"), true, schemas.FlowLogin),
		last,
	}}

	res, err := f.agent(decisions, Config{MaxStepsPerPage: 10}).RunPage(context.Background(), f.page)
	require.NoError(t, err)
	assert.True(t, res.ObjectiveAchieved)

	fc := f.state.FlowContext()
	assert.False(t, fc.IsInSensitiveFlow, "flow opened by this page must close when its objective is achieved")
	assert.False(t, f.state.ShouldSuppressQueuing())
	assert.Equal(t, "", f.exclusive.Holder())

	snap := f.state.Snapshot()
	require.Len(t, snap.FlowHistory, 1)
	span := snap.FlowHistory[0]
	assert.Equal(t, f.page.URLHash, span.PageHash)
	assert.Equal(t, "https://shop.example.com/login", span.StartURL)
	assert.Equal(t, 3, span.EndStep)
}

func TestRunPage_RequestCarriesSessionContext(t *testing.T) {
	f := newFixture(t)
	f.state.StoreInput("password", "hunter2", "password")
	f.state.StoreInput("email", "a@b.c", "email")
	_, err := f.state.RegisterDiscovery("https://shop.example.com/about", 4, startURL)
	require.NoError(t, err)

	decisions := &mocks.ScriptedDecisions{Decisions: []*schemas.DecisionResponse{
		act("scroll down"), act("scroll down"), done(act("scroll down")),
	}}
	_, err = f.agent(decisions, Config{MaxStepsPerPage: 5, MaxPages: 1, HistoryWindow: 1, Exploratory: true}).RunPage(context.Background(), f.page)
	require.NoError(t, err)

	seen := decisions.Seen()
	require.Len(t, seen, 3)
	req := seen[2]
	assert.Equal(t, []string{"email", "password"}, req.UserInputKeys)
	assert.True(t, req.MaxPagesReached)
	assert.True(t, req.IsExploratory)
	assert.Len(t, req.ConversationHistory, 1)
	assert.Equal(t, 2, req.ConversationHistory[0].Step)
	assert.Equal(t, 3, req.RemainingSteps)
	assert.Equal(t, "find the contact page", req.Objective)
	require.Len(t, req.Pages, 2)
	assert.Equal(t, startURL, req.Pages[0].URL)
	require.Len(t, req.PageQueue, 1)
	assert.Equal(t, 4, req.PageQueue[0].Priority)
}

func TestRunPage_UserInputWithoutDriver(t *testing.T) {
	f := newFixture(t)
	f.inputs.Answers["email"] = "me@example.com"
	f.inputs.Answers["password"] = "s3cret"
	decisions := &mocks.ScriptedDecisions{Decisions: []*schemas.DecisionResponse{
		{Tool: schemas.ToolUserInput, Parameters: schemas.ToolParameters{InputRequests: []schemas.InputRequest{
			{InputKey: "email", InputType: "email", InputPrompt: "Email?"},
			{InputKey: "password", InputType: "password", InputPrompt: "Password?"},
		}}},
		done(act("type {{email}} into Email")),
	}}

	_, err := f.agent(decisions, Config{}).RunPage(context.Background(), f.page)
	require.NoError(t, err)

	p, _ := f.state.Page(f.page.URLHash)
	require.Len(t, p.ExecutedSteps, 2)
	assert.True(t, p.ExecutedSteps[0].Success)
	assert.Equal(t, "********", p.ExecutedSteps[0].InputValues["password"])
	assert.Equal(t, "type {{email}} into Email", p.ExecutedSteps[1].Instruction)
	assert.Contains(t, f.driver.Actions, "type me@example.com into Email")

	for _, ev := range f.publisher.Events(schemas.EventStepCompleted) {
		assert.NotContains(t, string(ev.Payload), "me@example.com")
	}
}

func TestRunPage_HistoryCarriesNextPlan(t *testing.T) {
	f := newFixture(t)
	first := act("scroll down")
	first.Reasoning = "the footer usually links to contact"
	first.NextPlan = "click the contact link in the footer"
	decisions := &mocks.ScriptedDecisions{Decisions: []*schemas.DecisionResponse{first, done(act("scroll down"))}}

	_, err := f.agent(decisions, Config{}).RunPage(context.Background(), f.page)
	require.NoError(t, err)

	seen := decisions.Seen()
	require.Len(t, seen, 2)
	require.Len(t, seen[1].ConversationHistory, 1)
	turn := seen[1].ConversationHistory[0]
	assert.Equal(t, "click the contact link in the footer", turn.NextPlan)
	assert.Equal(t, "the footer usually links to contact", turn.Reasoning)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "abc...", clip("abcdef", 3))
	// "ü" spans bytes 3 and 4.
	got := clip("Grüße aus Köln", 3)
	assert.Equal(t, "Gr...", got)
	assert.True(t, utf8.ValidString(clip("日本語のページ", 4)))
}

func TestDescribeOutcome(t *testing.T) {
	tests := []struct {
		name string
		step schemas.ExecutedStep
		want string
	}{
		{"failure", schemas.ExecutedStep{ErrorCode: "TIMEOUT_ERROR", ErrorDetails: "slow"}, "TIMEOUT_ERROR: slow"},
		{"act in place", schemas.ExecutedStep{Success: true, ToolUsed: schemas.ToolPageAct}, "done, url unchanged"},
		{"act queued", schemas.ExecutedStep{Success: true, ToolUsed: schemas.ToolPageAct, URLChanged: true, NewURL: "u", NewURLsDiscovered: []string{"u"}}, "navigated to u (queued)"},
		{"standby", schemas.ExecutedStep{Success: true, ToolUsed: schemas.ToolStandby, WaitTime: 2.5}, "waited 2.5s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, describeOutcome(tt.step))
		})
	}
}

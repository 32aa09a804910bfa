package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/discovery"
	"github.com/xkilldash9x/wayfinder/internal/summary"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	scope, err := discovery.NewBasicScopeManager("https://example.com", true)
	require.NoError(t, err)
	return New(Options{
		SessionID: "sess-test",
		StartURL:  "https://example.com",
		Objective: "find the contact page",
		Mode:      schemas.ModeSequential,
		Scope:     scope,
	})
}

func TestRegisterDiscovery_Dedup(t *testing.T) {
	st := newTestState(t)

	first, err := st.RegisterDiscovery("https://example.com/contact", 3, "")
	require.NoError(t, err)
	assert.True(t, first.Inserted)

	// Variants of the same logical page collapse onto one identity.
	again, err := st.RegisterDiscovery("https://EXAMPLE.com/contact/#team?", 3, "")
	require.NoError(t, err)
	assert.False(t, again.Inserted)
	assert.Equal(t, first.URLHash, again.URLHash)

	snap := st.Snapshot()
	assert.Len(t, snap.Pages, 1)
	assert.Equal(t, []string{first.URLHash}, snap.PageQueue)
}

func TestRegisterDiscovery_PriorityUpgradeOnly(t *testing.T) {
	st := newTestState(t)
	a, _ := st.RegisterDiscovery("https://example.com/a", 2, "")
	b, _ := st.RegisterDiscovery("https://example.com/b", 4, "")

	// Worse priority is ignored.
	d, err := st.RegisterDiscovery("https://example.com/a", 5, "")
	require.NoError(t, err)
	assert.False(t, d.Upgraded)
	assert.Equal(t, 2, d.Priority)

	// Strictly better priority reorders the queue.
	d, err = st.RegisterDiscovery("https://example.com/b", 1, "")
	require.NoError(t, err)
	assert.True(t, d.Upgraded)
	assert.Equal(t, []string{b.URLHash, a.URLHash}, st.Snapshot().PageQueue)

	// Equal priority is not an upgrade.
	d, _ = st.RegisterDiscovery("https://example.com/b", 1, "")
	assert.False(t, d.Upgraded)
}

func TestRegisterDiscovery_TiesByDiscoveryOrder(t *testing.T) {
	st := newTestState(t)
	x, _ := st.RegisterDiscovery("https://example.com/x", 3, "")
	y, _ := st.RegisterDiscovery("https://example.com/y", 3, "")
	urgent, _ := st.RegisterDiscovery("https://example.com/urgent", 1, "")
	z, _ := st.RegisterDiscovery("https://example.com/z", 3, "")

	assert.Equal(t, []string{urgent.URLHash, x.URLHash, y.URLHash, z.URLHash}, st.Snapshot().PageQueue)

	p, ok := st.Dequeue()
	require.True(t, ok)
	assert.Equal(t, urgent.URLHash, p.URLHash)
	assert.Equal(t, schemas.PageInProgress, p.Status)
}

func TestRegisterDiscovery_ScopeAndScheme(t *testing.T) {
	st := newTestState(t)
	_, err := st.RegisterDiscovery("https://elsewhere.org/", 3, "")
	assert.ErrorIs(t, err, ErrOutOfScope)

	_, err = st.RegisterDiscovery("mailto:hi@example.com", 3, "")
	assert.ErrorIs(t, err, discovery.ErrUnsupportedScheme)

	d, err := st.RegisterDiscovery("/pricing", 3, "https://example.com/docs/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/pricing", d.URL)
}

func TestPageLifecycle_NoRegression(t *testing.T) {
	st := newTestState(t)
	d, _ := st.RegisterDiscovery("https://example.com/", 1, "")

	_, ok := st.Dequeue()
	require.True(t, ok)
	require.NoError(t, st.Complete(d.URLHash, true))

	assert.ErrorIs(t, st.Requeue(d.URLHash), ErrStatusRegression)
	assert.ErrorIs(t, st.SetStatus(d.URLHash, schemas.PageInProgress), ErrStatusRegression)

	// Re-discovering a completed page never re-queues it.
	_, err := st.RegisterDiscovery("https://example.com/", 1, "")
	require.NoError(t, err)
	assert.Empty(t, st.Snapshot().PageQueue)
	assert.True(t, st.AllCompleted())
}

func TestClaimAndRequeue(t *testing.T) {
	st := newTestState(t)
	d, _ := st.RegisterDiscovery("https://example.com/b", 3, "")

	p, ok := st.Claim(d.URLHash)
	require.True(t, ok)
	assert.Equal(t, schemas.PageInProgress, p.Status)
	assert.Equal(t, 0, st.QueueLen())

	_, ok = st.Claim(d.URLHash)
	assert.False(t, ok, "a page can only be claimed once")

	require.NoError(t, st.Requeue(d.URLHash))
	assert.Equal(t, 1, st.QueueLen())
	assert.Equal(t, 0, st.StartedCount())
}

func TestAppendStep_Ordering(t *testing.T) {
	st := newTestState(t)
	d, _ := st.RegisterDiscovery("https://example.com/", 1, "")

	s1 := st.NextStep()
	s2 := st.NextStep()
	require.NoError(t, st.AppendStep(d.URLHash, schemas.ExecutedStep{Step: s1, ToolUsed: schemas.ToolPageAct}, true))
	require.NoError(t, st.AppendStep(d.URLHash, schemas.ExecutedStep{Step: s2, ToolUsed: schemas.ToolStandby}, false))

	assert.ErrorIs(t, st.AppendStep(d.URLHash, schemas.ExecutedStep{Step: s1}, true), ErrStepOrder)
	assert.ErrorIs(t, st.AppendStep(d.URLHash, schemas.ExecutedStep{Step: 99}, true), ErrStepOrder, "unallocated steps are refused")
	assert.ErrorIs(t, st.AppendStep("nope", schemas.ExecutedStep{Step: s2}, true), ErrUnknownPage)

	p, _ := st.Page(d.URLHash)
	assert.Len(t, p.ExecutedSteps, 2)
	assert.Equal(t, 1, p.CountedSteps, "standby is not charged to the budget")
}

func TestNextStep_ConcurrentUnique(t *testing.T) {
	st := newTestState(t)
	const workers, perWorker = 8, 50

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int]bool)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				n := st.NextStep()
				mu.Lock()
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, workers*perWorker, st.StepCounter())
}

func TestAddExtraction_Versioning(t *testing.T) {
	st := newTestState(t)
	d, _ := st.RegisterDiscovery("https://example.com/", 1, "")
	f := summary.NewMarkdownFormatter()

	r1, sum1, err := st.AddExtraction(d.URLHash, "get title", []byte(`{"title":"Home"}`), st.NextStep(), f)
	require.NoError(t, err)
	r2, sum2, err := st.AddExtraction(d.URLHash, "get links", []byte(`{"links":["/a"]}`), st.NextStep(), f)
	require.NoError(t, err)

	assert.Equal(t, 1, r1.Version)
	assert.Equal(t, 2, r2.Version)
	assert.Contains(t, sum2, sum1, "summary is cumulative")

	p, _ := st.Page(d.URLHash)
	assert.Equal(t, 2, p.CurrentExtractionVersion)
	assert.JSONEq(t, `{"title":"Home"}`, string(p.ExtractionResults[0].Data), "earlier versions are untouched")
	expected, err := f.Format(p.URL, p.ExtractionResults)
	require.NoError(t, err)
	assert.Equal(t, expected, p.CumulativeSummary)
}

func TestAddExtraction_ReferencesScreenshotsSincePreviousExtraction(t *testing.T) {
	st := newTestState(t)
	d, _ := st.RegisterDiscovery("https://example.com/", 1, "")
	f := summary.NewMarkdownFormatter()

	require.NoError(t, st.AddScreenshot(d.URLHash, schemas.Screenshot{Step: 0, Kind: schemas.ScreenshotInitial, URL: "https://example.com/", Data: []byte("a")}))
	step1 := st.NextStep()
	require.NoError(t, st.AddScreenshot(d.URLHash, schemas.Screenshot{Step: step1, Kind: schemas.ScreenshotAfterAct, URL: "https://example.com/?tab=2", Data: []byte("b")}))
	r1, _, err := st.AddExtraction(d.URLHash, "get title", []byte(`{}`), st.NextStep(), f)
	require.NoError(t, err)

	step3 := st.NextStep()
	require.NoError(t, st.AddScreenshot(d.URLHash, schemas.Screenshot{Step: step3, Kind: schemas.ScreenshotAfterAct, URL: "https://example.com/?tab=3", Data: []byte("c")}))
	r2, sum, err := st.AddExtraction(d.URLHash, "get links", []byte(`{}`), st.NextStep(), f)
	require.NoError(t, err)

	assert.Equal(t, []schemas.ScreenshotRef{
		{Step: 0, Kind: schemas.ScreenshotInitial, URL: "https://example.com/"},
		{Step: step1, Kind: schemas.ScreenshotAfterAct, URL: "https://example.com/?tab=2"},
	}, r1.Screenshots)
	assert.Equal(t, []schemas.ScreenshotRef{
		{Step: step3, Kind: schemas.ScreenshotAfterAct, URL: "https://example.com/?tab=3"},
	}, r2.Screenshots)
	assert.Contains(t, sum, "- initial at step 0: https://example.com/")
	assert.Contains(t, sum, fmt.Sprintf("- after_act at step %d: https://example.com/?tab=3", step3))
}

func TestInputsAndHistory(t *testing.T) {
	st := newTestState(t)
	st.StoreInput("email", "a@example.com", "email")
	v, ok := st.Input("email")
	require.True(t, ok)
	assert.Equal(t, "a@example.com", v.Value)

	st.RecordAction(schemas.ActionHistoryEntry{Instruction: "click", SourceURL: "https://example.com/", URLChanged: false, StepNumber: 1})
	snap := st.Snapshot()
	require.Len(t, snap.ActionHistory, 1)
	assert.False(t, snap.ActionHistory[0].Timestamp.IsZero())
}

func TestSnapshotIsolation(t *testing.T) {
	st := newTestState(t)
	d, _ := st.RegisterDiscovery("https://example.com/", 1, "")
	snap := st.Snapshot()
	snap.Pages[d.URLHash].Status = schemas.PageCompleted
	snap.PageQueue = nil

	p, _ := st.Page(d.URLHash)
	assert.Equal(t, schemas.PageQueued, p.Status)
	assert.Equal(t, 1, st.QueueLen())
}

func TestFinalizeAndRestore(t *testing.T) {
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st := New(Options{SessionID: "s", StartURL: "https://example.com", Now: func() time.Time { return clock }})
	a, _ := st.RegisterDiscovery("https://example.com/a", 2, "")
	b, _ := st.RegisterDiscovery("https://example.com/b", 3, "")
	_, _ = st.Dequeue() // a in progress when the process died
	st.NextStep()

	final := st.Finalize()
	assert.Equal(t, schemas.PhaseCompleted, final.Metadata.Phase)
	require.NotNil(t, final.Metadata.EndTime)
	assert.Equal(t, 2, final.Metadata.Counts.PagesDiscovered)

	resumed := Restore(final, Options{SessionID: "s"})
	snap := resumed.Snapshot()
	assert.Equal(t, schemas.PhaseActive, snap.Metadata.Phase)
	assert.Nil(t, snap.Metadata.EndTime)
	assert.Equal(t, []string{a.URLHash, b.URLHash}, snap.PageQueue)
	assert.Equal(t, 1, resumed.StepCounter())

	c, err := resumed.RegisterDiscovery("https://example.com/c", 3, "")
	require.NoError(t, err)
	p, _ := resumed.Page(c.URLHash)
	assert.Equal(t, 3, p.DiscoveryOrder, "discovery order continues after restore")
}

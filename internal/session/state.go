// Package session owns the mutable exploration state. Every mutation goes
// through State so that concurrent page tasks observe a consistent session.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/discovery"
)

var (
	// ErrUnknownPage is returned when an identity has never been registered.
	ErrUnknownPage = errors.New("unknown page")
	// ErrOutOfScope is returned when a discovered URL is outside the explored site.
	ErrOutOfScope = errors.New("url out of scope")
	// ErrStatusRegression is returned for a transition out of completed.
	ErrStatusRegression = errors.New("page status cannot regress")
	// ErrStepOrder is returned when a step would break per-page ordering.
	ErrStepOrder = errors.New("step out of order")
)

// Options configures a new State.
type Options struct {
	SessionID string
	StartURL  string
	Objective string
	Mode      schemas.ExplorationMode
	Scope     discovery.ScopeManager
	Logger    *zap.Logger
	Now       func() time.Time
}

// State is the single owner of an ExplorationSession.
type State struct {
	mu     sync.RWMutex
	s      *schemas.ExplorationSession
	order  int
	scope  discovery.ScopeManager
	logger *zap.Logger
	now    func() time.Time
}

// New creates an empty session. The start URL is not registered; callers
// seed the queue with RegisterDiscovery so that normalization applies.
func New(opts Options) *State {
	st := newState(opts)
	st.s = &schemas.ExplorationSession{
		Metadata: schemas.SessionMetadata{
			SessionID: opts.SessionID,
			StartTime: st.now(),
			Objective: opts.Objective,
			StartURL:  opts.StartURL,
			Phase:     schemas.PhaseActive,
			Mode:      opts.Mode,
		},
		Pages:         make(map[string]*schemas.PageData),
		PageQueue:     []string{},
		UserInputs:    make(map[string]schemas.UserInput),
		FlowHistory:   []schemas.FlowSpan{},
		ActionHistory: []schemas.ActionHistoryEntry{},
	}
	return st
}

// Restore resumes from a persisted snapshot. Pages left in progress by an
// interrupted run are requeued.
func Restore(snapshot *schemas.ExplorationSession, opts Options) *State {
	st := newState(opts)
	s := snapshot.Clone()
	s.ApplyDefaults()
	s.Metadata.Phase = schemas.PhaseActive
	s.Metadata.EndTime = nil
	if opts.Mode != "" {
		s.Metadata.Mode = opts.Mode
	}
	st.s = s

	for _, p := range s.Pages {
		if p.DiscoveryOrder > st.order {
			st.order = p.DiscoveryOrder
		}
	}
	for hash, p := range s.Pages {
		if p.Status == schemas.PageInProgress {
			p.Status = schemas.PageQueued
			if !st.inQueueLocked(hash) {
				st.insertLocked(hash)
			}
		}
	}
	st.sortQueueLocked()
	return st
}

func newState(opts Options) *State {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	scope := opts.Scope
	if scope == nil {
		scope = discovery.AllowAll{}
	}
	return &State{
		scope:  scope,
		logger: logger.Named("session").With(zap.String("session_id", opts.SessionID)),
		now:    now,
	}
}

// ID returns the session identifier.
func (st *State) ID() string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.Metadata.SessionID
}

// Objective returns the session objective.
func (st *State) Objective() string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.Metadata.Objective
}

// Snapshot returns a deep copy of the session with up-to-date counts.
func (st *State) Snapshot() *schemas.ExplorationSession {
	st.mu.RLock()
	defer st.mu.RUnlock()
	c := st.s.Clone()
	c.Metadata.Counts = st.countsLocked()
	return c
}

func (st *State) countsLocked() schemas.SessionCounts {
	counts := schemas.SessionCounts{PagesDiscovered: len(st.s.Pages)}
	for _, p := range st.s.Pages {
		if p.Status == schemas.PageCompleted {
			counts.PagesCompleted++
		}
		counts.StepsExecuted += len(p.ExecutedSteps)
	}
	return counts
}

// Page returns a copy of the page with the given identity.
func (st *State) Page(hash string) (*schemas.PageData, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	p, ok := st.s.Pages[hash]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// QueueLen reports how many pages are waiting.
func (st *State) QueueLen() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.s.PageQueue)
}

// StartedCount reports how many pages have been taken off the queue.
func (st *State) StartedCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	n := 0
	for _, p := range st.s.Pages {
		if p.Status != schemas.PageQueued {
			n++
		}
	}
	return n
}

// -- Step Counter --

// NextStep allocates the next global step number.
func (st *State) NextStep() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.GlobalStepCounter++
	return st.s.GlobalStepCounter
}

// StepCounter returns the last allocated step number.
func (st *State) StepCounter() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.GlobalStepCounter
}

// AppendStep records an executed step on a page. Counted steps are charged
// to the page's step budget. The step must have been allocated by NextStep
// and be later than every step already on the page.
func (st *State) AppendStep(hash string, step schemas.ExecutedStep, counted bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	p, ok := st.s.Pages[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPage, hash)
	}
	if step.Step <= 0 || step.Step > st.s.GlobalStepCounter {
		return fmt.Errorf("%w: step %d was never allocated", ErrStepOrder, step.Step)
	}
	if n := len(p.ExecutedSteps); n > 0 && p.ExecutedSteps[n-1].Step >= step.Step {
		return fmt.Errorf("%w: step %d after %d", ErrStepOrder, step.Step, p.ExecutedSteps[n-1].Step)
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = st.now()
	}
	p.ExecutedSteps = append(p.ExecutedSteps, step)
	if counted {
		p.CountedSteps++
	}
	return nil
}

// AddScreenshot attaches a screenshot to a page.
func (st *State) AddScreenshot(hash string, shot schemas.Screenshot) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	p, ok := st.s.Pages[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPage, hash)
	}
	if shot.Timestamp.IsZero() {
		shot.Timestamp = st.now()
	}
	p.Screenshots = append(p.Screenshots, shot)
	return nil
}

// AddExtraction stores a new extraction at the next version and folds it
// into the page's cumulative summary.
func (st *State) AddExtraction(hash, instruction string, data []byte, stepNumber int, formatter schemas.SummaryFormatter) (schemas.ExtractionResult, string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	p, ok := st.s.Pages[hash]
	if !ok {
		return schemas.ExtractionResult{}, "", fmt.Errorf("%w: %s", ErrUnknownPage, hash)
	}

	result := schemas.ExtractionResult{
		Version:     p.CurrentExtractionVersion + 1,
		Instruction: instruction,
		Data:        append([]byte(nil), data...),
		Timestamp:   st.now(),
		StepNumber:  stepNumber,
	}
	after := -1
	if n := len(p.ExtractionResults); n > 0 {
		after = p.ExtractionResults[n-1].StepNumber
	}
	for _, s := range p.Screenshots {
		if s.Step > after && s.Step <= stepNumber {
			result.Screenshots = append(result.Screenshots, schemas.ScreenshotRef{Step: s.Step, Kind: s.Kind, URL: s.URL})
		}
	}

	var (
		summary string
		err     error
	)
	if p.CumulativeSummary == "" {
		summary, err = formatter.Format(p.URL, append(append([]schemas.ExtractionResult(nil), p.ExtractionResults...), result))
	} else {
		summary, err = formatter.Merge(p.URL, p.CumulativeSummary, result)
	}
	if err != nil {
		return schemas.ExtractionResult{}, "", fmt.Errorf("failed to format extraction summary: %w", err)
	}

	p.ExtractionResults = append(p.ExtractionResults, result)
	p.CurrentExtractionVersion = result.Version
	p.CumulativeSummary = summary
	return result, summary, nil
}

// -- Page Lifecycle --

// Dequeue removes the most urgent page from the queue and marks it in progress.
func (st *State) Dequeue() (*schemas.PageData, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for len(st.s.PageQueue) > 0 {
		hash := st.s.PageQueue[0]
		st.s.PageQueue = st.s.PageQueue[1:]
		p, ok := st.s.Pages[hash]
		if !ok || p.Status == schemas.PageCompleted {
			continue
		}
		p.Status = schemas.PageInProgress
		st.s.CurrentPage = hash
		return p.Clone(), true
	}
	return nil, false
}

// Claim takes a specific queued page off the queue and marks it in progress.
// It returns false if the page is unknown or already claimed.
func (st *State) Claim(hash string) (*schemas.PageData, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	p, ok := st.s.Pages[hash]
	if !ok || p.Status != schemas.PageQueued {
		return nil, false
	}
	st.removeFromQueueLocked(hash)
	p.Status = schemas.PageInProgress
	return p.Clone(), true
}

// Requeue puts an unfinished page back on the queue.
func (st *State) Requeue(hash string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	p, ok := st.s.Pages[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPage, hash)
	}
	if p.Status == schemas.PageCompleted {
		return fmt.Errorf("%w: %s is completed", ErrStatusRegression, hash)
	}
	p.Status = schemas.PageQueued
	if !st.inQueueLocked(hash) {
		st.insertLocked(hash)
	}
	return nil
}

// Complete marks a page completed. A page already completed keeps its
// earlier objective result unless this call reports success.
func (st *State) Complete(hash string, objectiveAchieved bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	p, ok := st.s.Pages[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPage, hash)
	}
	p.Status = schemas.PageCompleted
	p.ObjectiveAchieved = p.ObjectiveAchieved || objectiveAchieved
	st.removeFromQueueLocked(hash)
	if st.s.CurrentPage == hash {
		st.s.CurrentPage = ""
	}
	return nil
}

// SetStatus moves a page to a new status, refusing regressions from completed.
func (st *State) SetStatus(hash string, status schemas.PageStatus) error {
	if status == schemas.PageCompleted {
		return st.Complete(hash, false)
	}
	if status == schemas.PageQueued {
		return st.Requeue(hash)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	p, ok := st.s.Pages[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPage, hash)
	}
	if !p.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, p.Status, status)
	}
	p.Status = status
	st.removeFromQueueLocked(hash)
	return nil
}

// SetFailureNote records why processing of a page failed.
func (st *State) SetFailureNote(hash, note string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	p, ok := st.s.Pages[hash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPage, hash)
	}
	p.FailureNote = note
	return nil
}

// Unfinished lists pages that are not completed, most urgent first.
func (st *State) Unfinished() []*schemas.PageData {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []*schemas.PageData
	for _, p := range st.s.Pages {
		if p.Status != schemas.PageCompleted {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessPage(out[i], out[j]) })
	return out
}

// AllCompleted reports whether every known page is completed.
func (st *State) AllCompleted() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, p := range st.s.Pages {
		if p.Status != schemas.PageCompleted {
			return false
		}
	}
	return true
}

// -- Session-wide Records --

// StoreInput saves a human-provided value for reuse across pages.
func (st *State) StoreInput(key, value, inputType string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.UserInputs[key] = schemas.UserInput{Value: value, Type: inputType, Timestamp: st.now()}
}

// Input looks up a previously provided value.
func (st *State) Input(key string) (schemas.UserInput, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	v, ok := st.s.UserInputs[key]
	return v, ok
}

// RecordAction appends to the session-wide action history.
func (st *State) RecordAction(entry schemas.ActionHistoryEntry) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = st.now()
	}
	st.s.ActionHistory = append(st.s.ActionHistory, entry)
}

// MarkObjectiveAchieved flags the session objective as met.
func (st *State) MarkObjectiveAchieved() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.Metadata.ObjectiveAchieved = true
}

// ObjectiveAchieved reports whether the session objective has been met.
func (st *State) ObjectiveAchieved() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.Metadata.ObjectiveAchieved
}

// Finalize closes the session and returns the final snapshot. An open
// sensitive flow is left as is.
func (st *State) Finalize() *schemas.ExplorationSession {
	st.mu.Lock()
	end := st.now()
	st.s.Metadata.EndTime = &end
	st.s.Metadata.Phase = schemas.PhaseCompleted
	st.s.CurrentPage = ""
	st.mu.Unlock()
	return st.Snapshot()
}

// -- Queue Helpers (caller holds mu) --

func lessPage(a, b *schemas.PageData) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.DiscoveryOrder < b.DiscoveryOrder
}

func (st *State) insertLocked(hash string) {
	p := st.s.Pages[hash]
	q := st.s.PageQueue
	i := sort.Search(len(q), func(i int) bool { return lessPage(p, st.s.Pages[q[i]]) })
	q = append(q, "")
	copy(q[i+1:], q[i:])
	q[i] = hash
	st.s.PageQueue = q
}

func (st *State) removeFromQueueLocked(hash string) bool {
	for i, h := range st.s.PageQueue {
		if h == hash {
			st.s.PageQueue = append(st.s.PageQueue[:i], st.s.PageQueue[i+1:]...)
			return true
		}
	}
	return false
}

func (st *State) inQueueLocked(hash string) bool {
	for _, h := range st.s.PageQueue {
		if h == hash {
			return true
		}
	}
	return false
}

func (st *State) sortQueueLocked() {
	sort.SliceStable(st.s.PageQueue, func(i, j int) bool {
		return lessPage(st.s.Pages[st.s.PageQueue[i]], st.s.Pages[st.s.PageQueue[j]])
	})
}

package session

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/discovery"
)

// Discovery is the outcome of registering a URL.
type Discovery struct {
	URLHash  string
	URL      string
	Priority int
	// Inserted is true only the first time an identity is seen.
	Inserted bool
	// Upgraded is true when an existing page received a more urgent priority.
	Upgraded bool
}

// RegisterDiscovery records rawURL as a page to explore. Registering a known
// identity is a no-op, except that a strictly more urgent priority replaces
// the stored one. New pages are queued at their priority position, behind
// pages of equal priority discovered earlier.
func (st *State) RegisterDiscovery(rawURL string, priority int, sourceURL string) (Discovery, error) {
	u, err := discovery.Normalize(rawURL, sourceURL)
	if err != nil {
		return Discovery{}, fmt.Errorf("cannot register %q: %w", rawURL, err)
	}
	if !st.scope.IsInScope(u) {
		return Discovery{}, fmt.Errorf("%w: %s", ErrOutOfScope, u.String())
	}
	canonical := u.String()
	hash := discovery.IdentityOf(canonical)
	priority = schemas.ClampPriority(priority)

	st.mu.Lock()
	defer st.mu.Unlock()

	if p, ok := st.s.Pages[hash]; ok {
		d := Discovery{URLHash: hash, URL: p.URL, Priority: p.Priority}
		if priority < p.Priority {
			p.Priority = priority
			d.Priority = priority
			d.Upgraded = true
			if st.removeFromQueueLocked(hash) {
				st.insertLocked(hash)
			}
			st.logger.Debug("Upgraded page priority", zap.String("url", p.URL), zap.Int("priority", priority))
		}
		return d, nil
	}

	st.order++
	st.s.Pages[hash] = &schemas.PageData{
		URLHash:           hash,
		URL:               canonical,
		SourceURL:         sourceURL,
		Discovered:        st.now(),
		DiscoveryOrder:    st.order,
		Status:            schemas.PageQueued,
		Priority:          priority,
		ExecutedSteps:     []schemas.ExecutedStep{},
		ExtractionResults: []schemas.ExtractionResult{},
		Screenshots:       []schemas.Screenshot{},
	}
	st.insertLocked(hash)
	st.logger.Info("Discovered new page", zap.String("url", canonical), zap.Int("priority", priority))
	return Discovery{URLHash: hash, URL: canonical, Priority: priority, Inserted: true}, nil
}

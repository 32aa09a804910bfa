// internal/browser/exclusive.go
package browser

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

// Exclusive serializes access to a single automation driver shared by the
// primary loop and background page tasks.
type Exclusive struct {
	driver schemas.AutomationDriver
	sem    *semaphore.Weighted
	logger *zap.Logger

	mu        sync.Mutex
	holder    string
	lastOwner string
}

// NewExclusive wraps a driver in a one-holder lease.
func NewExclusive(driver schemas.AutomationDriver, logger *zap.Logger) *Exclusive {
	return &Exclusive{
		driver: driver,
		sem:    semaphore.NewWeighted(1),
		logger: logger.Named("exclusive"),
	}
}

// Lease grants its owner sole use of the driver until Release.
type Lease struct {
	e     *Exclusive
	owner string
	// Interleaved is true when someone other than owner used the driver since
	// owner last released it. The page may no longer be where owner left it.
	Interleaved bool
	once        sync.Once
}

// Acquire blocks until the driver is free or ctx is done.
func (e *Exclusive) Acquire(ctx context.Context, owner string) (*Lease, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for browser driver: %w", err)
	}
	e.mu.Lock()
	interleaved := e.lastOwner != "" && e.lastOwner != owner
	e.holder = owner
	e.mu.Unlock()
	if interleaved {
		e.logger.Debug("Driver was used by another owner", zap.String("owner", owner))
	}
	return &Lease{e: e, owner: owner, Interleaved: interleaved}, nil
}

// Holder reports the current lease owner, or "" when the driver is free.
func (e *Exclusive) Holder() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holder
}

// Close closes the underlying driver.
func (e *Exclusive) Close() error {
	return e.driver.Close()
}

// Driver returns the leased driver.
func (l *Lease) Driver() schemas.AutomationDriver {
	return l.e.driver
}

// Owner returns the lease holder's name.
func (l *Lease) Owner() string {
	return l.owner
}

// Release returns the driver. Calling it more than once is harmless.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.e.mu.Lock()
		l.e.holder = ""
		l.e.lastOwner = l.owner
		l.e.mu.Unlock()
		l.e.sem.Release(1)
	})
}

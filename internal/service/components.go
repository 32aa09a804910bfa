// File: internal/service/components.go
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/agent"
	"github.com/xkilldash9x/wayfinder/internal/browser"
	"github.com/xkilldash9x/wayfinder/internal/graph"
	"github.com/xkilldash9x/wayfinder/internal/observability"
	"github.com/xkilldash9x/wayfinder/internal/orchestrator"
	"github.com/xkilldash9x/wayfinder/internal/session"
	"github.com/xkilldash9x/wayfinder/internal/tools"
	"github.com/xkilldash9x/wayfinder/internal/transport"
)

// transportShutdownTimeout bounds how long Shutdown waits for the UI server.
const transportShutdownTimeout = 10 * time.Second

// Components holds everything one exploration session needs.
// Shutdown releases them in reverse order of creation.
type Components struct {
	State        *session.State
	Store        schemas.SessionStore
	Exclusive    *browser.Exclusive
	Decisions    schemas.DecisionService
	Tools        *tools.Registry
	Agent        *agent.Agent
	Graphs       *graph.Store
	Orchestrator *orchestrator.Orchestrator
	Metrics      *observability.Metrics

	// Exactly one of Console and Hub is set.
	Console *transport.Console
	Hub     *transport.Hub
	Redis   *transport.RedisPublisher

	// Resumed is true when State was restored from a stored snapshot.
	Resumed bool

	stopTransport context.CancelFunc
	transportWG   *sync.WaitGroup
}

// Shutdown gracefully closes all components. It is safe to call on a
// partially initialized value.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Stop the UI server so no new input arrives.
	if c.stopTransport != nil {
		c.stopTransport()
		if c.transportWG != nil && !timedWait(c.transportWG, transportShutdownTimeout) {
			logger.Warn("Timed out waiting for the UI server to stop.")
		} else {
			logger.Debug("UI transport stopped.")
		}
	}

	// 2. Close the browser.
	if c.Exclusive != nil {
		if err := c.Exclusive.Close(); err != nil {
			logger.Warn("Error during browser shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser closed.")
		}
	}

	// 3. Progress fan-out.
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			logger.Warn("Error closing Redis publisher.", zap.Error(err))
		}
	}

	// 4. Persistence goes last so the final snapshot is already written.
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			logger.Warn("Error closing session store.", zap.Error(err))
		} else {
			logger.Debug("Session store closed.")
		}
	}

	logger.Info("All session components shut down.")
}

// timedWait waits for wg, giving up after timeout. It reports whether the
// wait completed.
func timedWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// internal/llmclient/limited.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/observability"
)

// ErrEmptyDecision is returned when a decision service yields neither a
// decision nor an error.
var ErrEmptyDecision = errors.New("decision service returned no decision")

// LimitedOptions tunes the Limited wrapper.
type LimitedOptions struct {
	RequestsPerSecond float64
	Burst             int
	MaxRetries        uint64
	// CallTimeout bounds each attempt; zero leaves attempts unbounded.
	CallTimeout time.Duration
	// NewBackOff overrides the retry schedule, mostly for tests.
	NewBackOff func() backoff.BackOff
}

// Limited rate-limits and retries calls to a decision service.
type Limited struct {
	next    schemas.DecisionService
	limiter *rate.Limiter
	opts    LimitedOptions
	metrics *observability.Metrics
	logger  *zap.Logger
}

var _ schemas.DecisionService = (*Limited)(nil)

// NewLimited wraps next.
func NewLimited(next schemas.DecisionService, opts LimitedOptions, metrics *observability.Metrics, logger *zap.Logger) *Limited {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 2 * time.Minute
			return b
		}
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(limit, opts.Burst),
		opts:    opts,
		metrics: metrics,
		logger:  logger.Named("decision_limiter"),
	}
}

// Decide waits for a rate slot and calls the wrapped service, retrying
// transient failures.
func (l *Limited) Decide(ctx context.Context, req schemas.DecisionRequest) (*schemas.DecisionResponse, error) {
	start := time.Now()
	defer func() { l.metrics.ObserveDecision(time.Since(start)) }()

	var resp *schemas.DecisionResponse
	operation := func() error {
		if err := l.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
		}
		callCtx := ctx
		if l.opts.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, l.opts.CallTimeout)
			defer cancel()
		}
		r, err := l.next.Decide(callCtx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if r == nil {
			return ErrEmptyDecision
		}
		resp = r
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(l.opts.NewBackOff(), l.opts.MaxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		l.logger.Warn("Decision attempt failed, retrying",
			zap.Int("step", req.StepNumber), zap.Duration("backoff", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		l.metrics.DecisionFailed()
		return nil, fmt.Errorf("decision for step %d failed: %w", req.StepNumber, err)
	}
	return resp, nil
}

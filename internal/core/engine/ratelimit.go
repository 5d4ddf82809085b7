package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/esisync/esisync/internal/core"
	"github.com/esisync/esisync/internal/metrics"
)

// RateLimitKey is the row under which the remote error budget is persisted.
const RateLimitKey = "esi"

// Defaults for the error budget gate.
const (
	DefaultErrorThreshold = 10
	DefaultBackoff        = time.Minute
)

// RateLimitStore stores rate limit state.
type RateLimitStore interface {
	GetRateLimit(ctx context.Context, endpoint string) (*core.RateLimitState, error)
	UpdateRateLimit(ctx context.Context, endpoint string, state *core.RateLimitState) error
}

// RateLimitGate is the process-wide signal that the remote error budget is
// exhausted. While Exceeded is true the scheduler skips non-forced monitors.
type RateLimitGate struct {
	Store     RateLimitStore
	Clock     func() time.Time
	Logger    *zap.Logger
	Threshold int
	Backoff   time.Duration

	mu    sync.Mutex
	state core.RateLimitState
}

// Restore loads persisted state so a restart honours a live backoff.
func (g *RateLimitGate) Restore(ctx context.Context) error {
	if g == nil || g.Store == nil {
		return nil
	}
	state, err := g.Store.GetRateLimit(ctx, RateLimitKey)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	g.mu.Lock()
	g.state = *state
	g.mu.Unlock()
	return nil
}

// Exceeded reports whether the budget is exhausted right now.
func (g *RateLimitGate) Exceeded() bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.BackoffUntil != nil && g.now().Before(*g.state.BackoffUntil)
}

// Wait returns how long until the backoff clears, or zero.
func (g *RateLimitGate) Wait() time.Duration {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.BackoffUntil == nil {
		return 0
	}
	if wait := g.state.BackoffUntil.Sub(g.now()); wait > 0 {
		return wait
	}
	return 0
}

// State returns a copy of the current state.
func (g *RateLimitGate) State() core.RateLimitState {
	if g == nil {
		return core.RateLimitState{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Observe records the error budget headers of a response. When the
// remaining budget drops to the threshold, queries pause until the window
// resets.
func (g *RateLimitGate) Observe(remaining int, reset time.Duration) {
	if g == nil || remaining < 0 {
		return
	}

	now := g.now()
	g.mu.Lock()
	g.state.ErrorsRemaining = remaining
	if reset > 0 {
		g.state.WindowReset = now.Add(reset)
	}
	tripped := false
	if remaining <= g.threshold() {
		until := now.Add(reset)
		if reset <= 0 {
			until = now.Add(g.backoff())
		}
		if g.state.BackoffUntil == nil || until.After(*g.state.BackoffUntil) {
			g.state.BackoffUntil = &until
			tripped = true
		}
	}
	state := g.state
	g.mu.Unlock()

	if tripped {
		metrics.RecordRateLimitBackoff("error_limit")
		g.logger().Warn("remote error budget low, pausing queries",
			zap.Int("errors_remaining", remaining),
			zap.Time("backoff_until", *state.BackoffUntil))
		g.persist(state)
	}
}

// RecordRateLimited applies a backoff after the remote signalled throttling.
func (g *RateLimitGate) RecordRateLimited(retryAfter time.Duration) {
	if g == nil {
		return
	}
	if retryAfter <= 0 {
		retryAfter = g.backoff()
	}

	now := g.now()
	until := now.Add(retryAfter)

	g.mu.Lock()
	g.state.Last429At = &now
	if g.state.BackoffUntil == nil || until.After(*g.state.BackoffUntil) {
		g.state.BackoffUntil = &until
	}
	state := g.state
	g.mu.Unlock()

	metrics.RecordRateLimitBackoff("rate_limited")
	g.logger().Warn("remote rate limited, pausing queries",
		zap.Duration("retry_after", retryAfter))
	g.persist(state)
}

// Clear drops any active backoff.
func (g *RateLimitGate) Clear() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.state.BackoffUntil = nil
	state := g.state
	g.mu.Unlock()
	g.persist(state)
}

func (g *RateLimitGate) persist(state core.RateLimitState) {
	if g.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Store.UpdateRateLimit(ctx, RateLimitKey, &state); err != nil {
		g.logger().Warn("persist rate limit state failed", zap.Error(err))
	}
}

func (g *RateLimitGate) threshold() int {
	if g.Threshold > 0 {
		return g.Threshold
	}
	return DefaultErrorThreshold
}

func (g *RateLimitGate) backoff() time.Duration {
	if g.Backoff > 0 {
		return g.Backoff
	}
	return DefaultBackoff
}

func (g *RateLimitGate) now() time.Time {
	if g != nil && g.Clock != nil {
		return g.Clock()
	}
	return time.Now().UTC()
}

func (g *RateLimitGate) logger() *zap.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return zap.NewNop()
}

// Package throttle bounds concurrent remote calls and spaces dispatch starts.
package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/esisync/esisync/internal/metrics"
)

// ErrNoSlot is returned by TryAcquire when a slot is not immediately available.
var ErrNoSlot = errors.New("no throttle slot available")

// Config bounds the throttle.
type Config struct {
	MaxConcurrent int
	MinSpacing    time.Duration
}

// Throttle is a bounded-concurrency gate with a minimum spacing between
// dispatch starts. Callers must Release every acquired Slot.
type Throttle struct {
	maxConcurrent int64
	minSpacing    time.Duration
	sem           *semaphore.Weighted
	spacing       *rate.Limiter
	clock         func() time.Time

	mu           sync.Mutex
	active       int
	waiting      int
	dispatched   uint64
	lastDispatch time.Time
}

// Stats is a point-in-time view of the throttle.
type Stats struct {
	MaxConcurrent int           `json:"max_concurrent"`
	Active        int           `json:"active"`
	Waiting       int           `json:"waiting"`
	Dispatched    uint64        `json:"dispatched"`
	MinSpacing    time.Duration `json:"min_spacing"`
	LastDispatch  time.Time     `json:"last_dispatch"`
}

// Slot is a held dispatch permit.
type Slot struct {
	t        *Throttle
	start    time.Time
	released sync.Once
}

// New creates a throttle. MaxConcurrent below one is treated as one and a
// non-positive spacing disables spacing.
func New(cfg Config) *Throttle {
	maxConcurrent := int64(cfg.MaxConcurrent)
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	limit := rate.Inf
	if cfg.MinSpacing > 0 {
		limit = rate.Every(cfg.MinSpacing)
	}

	return &Throttle{
		maxConcurrent: maxConcurrent,
		minSpacing:    cfg.MinSpacing,
		sem:           semaphore.NewWeighted(maxConcurrent),
		spacing:       rate.NewLimiter(limit, 1),
		clock:         time.Now,
	}
}

// Acquire waits until a slot is free and the spacing window has passed.
// It returns the context error if ctx ends first; no slot is held then.
func (t *Throttle) Acquire(ctx context.Context) (*Slot, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	t.mu.Lock()
	t.waiting++
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.waiting--
		t.mu.Unlock()
	}()

	waitStart := t.clock()
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	// The reservation fixes the dispatch start; spacing is measured between
	// reserved starts, not between goroutine wakeups.
	now := t.clock()
	reservation := t.spacing.ReserveN(now, 1)
	start := now.Add(reservation.DelayFrom(now))
	if delay := start.Sub(now); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			reservation.CancelAt(t.clock())
			t.sem.Release(1)
			return nil, ctx.Err()
		}
	}

	metrics.RecordThrottleWait(start.Sub(waitStart))
	return t.begin(start), nil
}

// TryAcquire takes a slot only if one is free right now and spacing allows it.
func (t *Throttle) TryAcquire() (*Slot, bool) {
	if !t.sem.TryAcquire(1) {
		return nil, false
	}
	now := t.clock()
	if !t.spacing.AllowN(now, 1) {
		t.sem.Release(1)
		return nil, false
	}
	return t.begin(now), true
}

// Do runs fn while holding a slot.
func (t *Throttle) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	slot, err := t.Acquire(ctx)
	if err != nil {
		return err
	}
	defer slot.Release()
	return fn(ctx)
}

// Stats returns the current counters.
func (t *Throttle) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		MaxConcurrent: int(t.maxConcurrent),
		Active:        t.active,
		Waiting:       t.waiting,
		Dispatched:    t.dispatched,
		MinSpacing:    t.minSpacing,
		LastDispatch:  t.lastDispatch,
	}
}

func (t *Throttle) begin(start time.Time) *Slot {
	t.mu.Lock()
	t.active++
	t.dispatched++
	if start.After(t.lastDispatch) {
		t.lastDispatch = start
	}
	active := t.active
	t.mu.Unlock()
	metrics.SetThrottleActive(active)
	return &Slot{t: t, start: start}
}

// Release returns the slot. Calling it more than once is a no-op.
func (s *Slot) Release() {
	if s == nil || s.t == nil {
		return
	}
	s.released.Do(func() {
		s.t.mu.Lock()
		s.t.active--
		active := s.t.active
		s.t.mu.Unlock()
		s.t.sem.Release(1)
		metrics.SetThrottleActive(active)
	})
}

// Started returns when the slot was granted.
func (s *Slot) Started() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.start
}

// Held returns how long the slot has been held.
func (s *Slot) Held() time.Duration {
	if s == nil || s.t == nil {
		return 0
	}
	return s.t.clock().Sub(s.start)
}

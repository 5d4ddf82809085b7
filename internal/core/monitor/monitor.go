// Package monitor tracks the polling state of one (entity, endpoint) pair.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/esisync/esisync/internal/core"
	"github.com/esisync/esisync/internal/core/throttle"
)

// Decision is the outcome of evaluating a monitor.
type Decision int

const (
	Skip Decision = iota
	Run
)

func (d Decision) String() string {
	if d == Run {
		return "run"
	}
	return "skip"
}

var (
	// ErrClosed is returned when dispatching a deregistered monitor.
	ErrClosed = errors.New("monitor is closed")
	// ErrNotPending is returned when Dispatch is called without a prior Begin.
	ErrNotPending = errors.New("monitor is not pending")
)

// Gate hands out dispatch slots.
type Gate interface {
	Acquire(ctx context.Context) (*throttle.Slot, error)
}

// Notifier receives change notifications.
type Notifier interface {
	Enqueue(kind core.EventKind, entity core.EntityID)
}

// RateLimitReporter is told when the remote API signals throttling.
type RateLimitReporter interface {
	RecordRateLimited(retryAfter time.Duration)
}

// ResultHandler post-processes a successful result.
type ResultHandler func(ctx context.Context, entity core.EntityID, spec core.EndpointSpec, result *core.Result)

// Env holds the collaborators shared by every monitor of a scheduler.
type Env struct {
	Gate        Gate
	Executor    core.Executor
	Credentials core.CredentialProvider
	Notifier    Notifier
	RateLimit   RateLimitReporter
	OnResult    ResultHandler
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Snapshot is a copy of a monitor's state.
type Snapshot struct {
	Entity         core.EntityID  `json:"entity_id"`
	Endpoint       core.Endpoint  `json:"endpoint"`
	Status         core.Status    `json:"status"`
	CachePeriod    time.Duration  `json:"cache_period"`
	LastUpdateTime time.Time      `json:"last_update_time"`
	NextUpdateTime time.Time      `json:"next_update_time"`
	ForceUpdate    bool           `json:"force_update"`
	LastError      string         `json:"last_error,omitempty"`
	ErrorKind      core.ErrorKind `json:"error_kind,omitempty"`
	Disabled       bool           `json:"disabled"`
}

// Monitor is the polling state machine for one endpoint of one entity.
//
// Transitions happen under mu. Begin is the only way into Pending, so two
// concurrent evaluations can never both dispatch the same monitor.
type Monitor struct {
	entity core.EntityID
	spec   core.EndpointSpec
	env    *Env

	mu          sync.Mutex
	lastUpdate  time.Time
	forceUpdate bool
	status      core.Status
	lastErr     error
	lastKind    core.ErrorKind
	disabled    bool
	closed      bool
	cancel      context.CancelFunc
}

// New creates a monitor. The force flag starts at the endpoint's
// query-on-startup default.
func New(entity core.EntityID, spec core.EndpointSpec, env *Env) *Monitor {
	if env == nil {
		env = &Env{}
	}
	return &Monitor{
		entity:      entity,
		spec:        spec,
		env:         env,
		forceUpdate: spec.QueryOnStartup,
		status:      core.StatusIdle,
	}
}

// Entity returns the owning entity.
func (m *Monitor) Entity() core.EntityID { return m.entity }

// Spec returns the endpoint spec.
func (m *Monitor) Spec() core.EndpointSpec { return m.spec }

// Evaluate reports whether the monitor should be queried now. It has no
// side effects.
func (m *Monitor) Evaluate(now time.Time, rateLimited bool) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evaluateLocked(now, rateLimited)
}

func (m *Monitor) evaluateLocked(now time.Time, rateLimited bool) Decision {
	if m.closed || m.disabled || !m.status.Resting() {
		return Skip
	}
	if m.forceUpdate {
		return Run
	}
	if rateLimited {
		return Skip
	}
	if !now.Before(m.lastUpdate.Add(m.spec.CachePeriod)) {
		return Run
	}
	return Skip
}

// Begin evaluates the monitor and, when it should run, moves it to Pending.
// It returns true only for the caller that made the transition.
func (m *Monitor) Begin(now time.Time, rateLimited bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.evaluateLocked(now, rateLimited) != Run {
		return false
	}
	m.status = core.StatusPending
	return true
}

// Dispatch performs the remote call for a Pending monitor: it fetches
// credentials, waits for a throttle slot and executes the request, then
// records the outcome.
func (m *Monitor) Dispatch(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.status != core.StatusPending {
		m.mu.Unlock()
		return ErrNotPending
	}
	m.status = core.StatusQuerying
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.cancel = nil
		m.mu.Unlock()
		cancel()
	}()

	result, err := m.query(ctx)
	if err != nil {
		m.OnFailure(err)
		return err
	}

	if !m.OnSuccess(result, m.now()) {
		return context.Canceled
	}
	m.handleResult(ctx, result)
	return nil
}

// handleResult runs the result handler. The query already succeeded, so a
// panicking handler is logged and the recorded outcome is left alone.
func (m *Monitor) handleResult(ctx context.Context, result *core.Result) {
	if m.env.OnResult == nil {
		return
	}
	var catcher panics.Catcher
	catcher.Try(func() { m.env.OnResult(ctx, m.entity, m.spec, result) })
	if recovered := catcher.Recovered(); recovered != nil {
		m.logger().Error("result handler panic",
			zap.Stringer("entity_id", m.entity),
			zap.String("endpoint", string(m.spec.Name)),
			zap.String("panic", recovered.String()))
	}
}

func (m *Monitor) query(ctx context.Context) (*core.Result, error) {
	if m.env.Executor == nil {
		return nil, errors.New("monitor has no executor")
	}

	var creds core.Credentials
	if m.env.Credentials != nil {
		c, err := m.env.Credentials.Credentials(ctx, m.entity)
		if err != nil {
			return nil, err
		}
		creds = c
	} else {
		creds = core.Credentials{Entity: m.entity}
	}

	if m.env.Gate != nil {
		slot, err := m.env.Gate.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer slot.Release()
	}

	return m.env.Executor.Execute(ctx, m.spec.Name, creds)
}

// OnSuccess records a successful result. It returns false when the monitor
// was closed and the result was dropped.
func (m *Monitor) OnSuccess(result *core.Result, completedAt time.Time) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.lastUpdate = completedAt
	m.forceUpdate = false
	m.lastErr = nil
	m.lastKind = core.KindNone
	m.status = core.StatusCompleted
	m.mu.Unlock()

	m.notify(core.EventEntityChanged)
	return true
}

// OnFailure classifies err and records it. Retryable failures leave the
// last update time and force flag alone so the next eligible tick retries.
func (m *Monitor) OnFailure(err error) {
	kind := core.Classify(err)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	if kind == core.KindCancelled {
		m.status = core.StatusIdle
		m.mu.Unlock()
		return
	}

	m.lastErr = err
	m.lastKind = kind
	switch {
	case kind == core.KindRateLimited:
		m.status = core.StatusRateLimited
	case kind.Terminal():
		m.status = core.StatusError
		m.forceUpdate = false
		m.disabled = true
	default:
		m.status = core.StatusError
	}
	m.mu.Unlock()

	if kind == core.KindRateLimited && m.env.RateLimit != nil {
		var retryAfter time.Duration
		var remote *core.RemoteError
		if errors.As(err, &remote) {
			retryAfter = remote.RetryAfter
		}
		m.env.RateLimit.RecordRateLimited(retryAfter)
	}

	m.logger().Debug("query failed",
		zap.Stringer("entity_id", m.entity),
		zap.String("endpoint", string(m.spec.Name)),
		zap.String("error_kind", string(kind)),
		zap.Error(err))

	m.notify(core.EventEntityError)
}

// Reset restores a persisted last update time. The force flag is left
// untouched so a pending query-on-startup still happens.
func (m *Monitor) Reset(restored time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUpdate = restored
}

// ForceUpdate requests a query on the next scheduler pass, re-enabling a
// monitor disabled by a terminal error.
func (m *Monitor) ForceUpdate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forceUpdate = true
	m.disabled = false
}

// Close cancels any in-flight dispatch. Late completions are dropped.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Snapshot returns a copy of the current state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Entity:         m.entity,
		Endpoint:       m.spec.Name,
		Status:         m.status,
		CachePeriod:    m.spec.CachePeriod,
		LastUpdateTime: m.lastUpdate,
		ForceUpdate:    m.forceUpdate,
		ErrorKind:      m.lastKind,
		Disabled:       m.disabled,
	}
	if !m.lastUpdate.IsZero() {
		snap.NextUpdateTime = m.lastUpdate.Add(m.spec.CachePeriod)
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}
	return snap
}

func (m *Monitor) notify(kind core.EventKind) {
	if m.env.Notifier != nil {
		m.env.Notifier.Enqueue(kind, m.entity)
	}
}

func (m *Monitor) now() time.Time {
	if m.env.Clock != nil {
		return m.env.Clock()
	}
	return time.Now().UTC()
}

func (m *Monitor) logger() *zap.Logger {
	if m.env.Logger != nil {
		return m.env.Logger
	}
	return zap.NewNop()
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/esisync/esisync/internal/core"
	"github.com/esisync/esisync/internal/core/monitor"
	"github.com/esisync/esisync/internal/metrics"
)

var (
	// ErrAlreadyRegistered is returned when registering a tracked entity twice.
	ErrAlreadyRegistered = errors.New("entity already registered")
	// ErrUnknownEntity is returned for entities that are not tracked.
	ErrUnknownEntity = errors.New("entity is not registered")
	// ErrUnknownEndpoint is returned for endpoints an entity does not poll.
	ErrUnknownEndpoint = errors.New("endpoint is not monitored")
)

// Default tick intervals.
const (
	DefaultFastInterval   = time.Second
	DefaultMediumInterval = 5 * time.Second
	DefaultSlowInterval   = 30 * time.Second
)

// Tiers sets how often each class of monitor is re-evaluated.
type Tiers struct {
	Fast   time.Duration
	Medium time.Duration
	Slow   time.Duration
}

func (t Tiers) interval(tier core.Tier) time.Duration {
	switch tier {
	case core.TierFast:
		if t.Fast > 0 {
			return t.Fast
		}
		return DefaultFastInterval
	case core.TierMedium:
		if t.Medium > 0 {
			return t.Medium
		}
		return DefaultMediumInterval
	default:
		if t.Slow > 0 {
			return t.Slow
		}
		return DefaultSlowInterval
	}
}

// Options wires a Scheduler to its collaborators.
type Options struct {
	Catalog     *core.Catalog
	Gate        monitor.Gate
	Executor    core.Executor
	Credentials core.CredentialProvider
	Notifier    monitor.Notifier
	RateLimit   *RateLimitGate
	OnResult    monitor.ResultHandler
	Tiers       Tiers
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Registration describes an entity to track.
type Registration struct {
	Entity core.EntityID
	Name   string
	// Endpoints limits polling to a subset of the catalog; empty means all.
	Endpoints []core.Endpoint
	// Restored carries persisted last update times.
	Restored map[core.Endpoint]time.Time
}

// FastHook runs on every fast tick.
type FastHook func(ctx context.Context)

type tracked struct {
	name     string
	monitors map[core.Endpoint]*monitor.Monitor
}

// Scheduler sweeps registered monitors on tiered ticks and dispatches the
// due ones without waiting for them.
type Scheduler struct {
	catalog *core.Catalog
	env     *monitor.Env
	gate    *RateLimitGate
	tiers   Tiers
	logger  *zap.Logger
	clock   func() time.Time

	mu       sync.RWMutex
	entities map[core.EntityID]*tracked
	hooks    []FastHook
	started  bool
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	dispatch conc.WaitGroup
	inFlight int
	stopOnce sync.Once
}

// NewScheduler creates a scheduler. It does nothing until Start or Tick.
func NewScheduler(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = core.DefaultCatalog()
	}

	s := &Scheduler{
		catalog:  catalog,
		gate:     opts.RateLimit,
		tiers:    opts.Tiers,
		logger:   logger,
		clock:    clock,
		entities: make(map[core.EntityID]*tracked),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var reporter monitor.RateLimitReporter
	if opts.RateLimit != nil {
		reporter = opts.RateLimit
	}
	s.env = &monitor.Env{
		Gate:        opts.Gate,
		Executor:    opts.Executor,
		Credentials: opts.Credentials,
		Notifier:    opts.Notifier,
		RateLimit:   reporter,
		OnResult:    opts.OnResult,
		Logger:      logger,
		Clock:       clock,
	}
	return s
}

// Register starts tracking an entity. Restored timestamps are applied with
// Reset, so query-on-startup endpoints still run once.
func (s *Scheduler) Register(reg Registration) error {
	endpoints := reg.Endpoints
	if len(endpoints) == 0 {
		for _, spec := range s.catalog.All() {
			endpoints = append(endpoints, spec.Name)
		}
	}

	monitors := make(map[core.Endpoint]*monitor.Monitor, len(endpoints))
	for _, name := range endpoints {
		spec, ok := s.catalog.Lookup(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
		}
		m := monitor.New(reg.Entity, spec, s.env)
		if restored, ok := reg.Restored[name]; ok {
			m.Reset(restored)
		}
		monitors[name] = m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entities[reg.Entity]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, reg.Entity)
	}
	s.entities[reg.Entity] = &tracked{name: reg.Name, monitors: monitors}
	metrics.SetMonitorsRegistered(s.monitorCountLocked())

	s.logger.Info("entity registered",
		zap.Stringer("entity_id", reg.Entity),
		zap.String("name", reg.Name),
		zap.Int("endpoints", len(monitors)))
	return nil
}

// Deregister stops tracking an entity and cancels its in-flight queries.
func (s *Scheduler) Deregister(entity core.EntityID) bool {
	s.mu.Lock()
	t, ok := s.entities[entity]
	delete(s.entities, entity)
	count := s.monitorCountLocked()
	s.mu.Unlock()
	metrics.SetMonitorsRegistered(count)

	if !ok {
		return false
	}
	for _, m := range t.monitors {
		m.Close()
	}
	s.logger.Info("entity deregistered", zap.Stringer("entity_id", entity))
	return true
}

func (s *Scheduler) monitorCountLocked() int {
	n := 0
	for _, t := range s.entities {
		n += len(t.monitors)
	}
	return n
}

// ForceUpdate flags one endpoint, or every endpoint when endpoint is empty,
// for a query on the next pass.
func (s *Scheduler) ForceUpdate(entity core.EntityID, endpoint core.Endpoint) error {
	s.mu.RLock()
	t, ok := s.entities[entity]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}

	if endpoint == "" {
		for _, m := range t.monitors {
			m.ForceUpdate()
		}
		return nil
	}
	m, ok := t.monitors[endpoint]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}
	m.ForceUpdate()
	return nil
}

// Entities returns the tracked entity ids in ascending order.
func (s *Scheduler) Entities() []core.EntityID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.EntityID, 0, len(s.entities))
	for id := range s.entities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Identities lets the scheduler act as the resolver's identity source.
func (s *Scheduler) Identities() []core.EntityID {
	return s.Entities()
}

// EntityName returns the display name given at registration.
func (s *Scheduler) EntityName(entity core.EntityID) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.entities[entity]; ok {
		return t.name
	}
	return ""
}

// Entity returns snapshots of one entity's monitors.
func (s *Scheduler) Entity(entity core.EntityID) ([]monitor.Snapshot, bool) {
	s.mu.RLock()
	t, ok := s.entities[entity]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return snapshotsOf(t), true
}

// Snapshots returns every monitor's state ordered by entity then endpoint.
func (s *Scheduler) Snapshots() []monitor.Snapshot {
	s.mu.RLock()
	list := make([]*tracked, 0, len(s.entities))
	for _, t := range s.entities {
		list = append(list, t)
	}
	s.mu.RUnlock()

	var out []monitor.Snapshot
	for _, t := range list {
		out = append(out, snapshotsOf(t)...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entity != out[j].Entity {
			return out[i].Entity < out[j].Entity
		}
		return out[i].Endpoint < out[j].Endpoint
	})
	return out
}

// InFlight returns how many dispatches are running.
func (s *Scheduler) InFlight() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inFlight
}

// OnFastTick registers a hook run on every fast tick, before monitors of
// the fast tier are evaluated.
func (s *Scheduler) OnFastTick(hook FastHook) {
	if hook == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, hook)
	s.mu.Unlock()
}

// Tick evaluates the monitors of one tier and dispatches the due ones. It
// returns how many were dispatched and never waits for them.
func (s *Scheduler) Tick(tier core.Tier) int {
	now := s.clock()
	rateLimited := s.gate.Exceeded()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0
	}
	var due []*monitor.Monitor
	for _, t := range s.entities {
		for _, m := range t.monitors {
			if m.Spec().Tier != tier {
				continue
			}
			if m.Begin(now, rateLimited) {
				due = append(due, m)
			}
		}
	}
	s.inFlight += len(due)
	// Spawned under the lock so Stop cannot start waiting in between.
	ctx := s.ctx
	for _, m := range due {
		s.dispatch.Go(func() { s.run(ctx, m) })
	}
	s.mu.Unlock()

	if len(due) > 0 {
		s.logger.Debug("tick dispatched",
			zap.String("tier", string(tier)),
			zap.Int("dispatched", len(due)),
			zap.Bool("rate_limited", rateLimited))
	}
	return len(due)
}

// Sweep ticks every tier once.
func (s *Scheduler) Sweep() int {
	total := 0
	for _, tier := range []core.Tier{core.TierFast, core.TierMedium, core.TierSlow} {
		total += s.Tick(tier)
	}
	return total
}

// Start sweeps all tiers immediately, then runs one ticker per tier.
// Start is idempotent; after Stop it is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx := s.ctx
	s.mu.Unlock()

	s.runHooks(ctx)
	s.Sweep()

	for _, tier := range []core.Tier{core.TierFast, core.TierMedium, core.TierSlow} {
		interval := s.tiers.interval(tier)
		s.loops.Add(1)
		go func() {
			defer s.loops.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if tier == core.TierFast {
						s.runHooks(ctx)
					}
					s.Tick(tier)
				}
			}
		}()
	}

	s.logger.Info("scheduler started",
		zap.Duration("fast_interval", s.tiers.interval(core.TierFast)),
		zap.Duration("medium_interval", s.tiers.interval(core.TierMedium)),
		zap.Duration("slow_interval", s.tiers.interval(core.TierSlow)))
}

// Stop cancels in-flight dispatches and waits for them and the tick loops,
// or until ctx ends. Stop is idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cancel()
	})

	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		s.dispatch.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every dispatch started so far has finished. Used by
// tests and the one-shot sync command.
func (s *Scheduler) Wait() {
	s.dispatch.Wait()
}

func (s *Scheduler) run(ctx context.Context, m *monitor.Monitor) {
	start := s.clock()
	var catcher panics.Catcher
	var err error
	catcher.Try(func() { err = m.Dispatch(ctx) })

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()

	spec := m.Spec()
	if recovered := catcher.Recovered(); recovered != nil {
		correlationID := uuid.NewString()
		s.logger.Error("dispatch panic",
			zap.String("correlation_id", correlationID),
			zap.Stringer("entity_id", m.Entity()),
			zap.String("endpoint", string(spec.Name)),
			zap.String("panic", recovered.String()))
		m.OnFailure(fmt.Errorf("dispatch panic (correlation_id: %s)", correlationID))
		metrics.RecordDispatch(string(spec.Name), "panic", s.clock().Sub(start))
		return
	}

	outcome := "success"
	if err != nil {
		outcome = string(core.Classify(err))
	}
	metrics.RecordDispatch(string(spec.Name), outcome, s.clock().Sub(start))
}

func (s *Scheduler) runHooks(ctx context.Context) {
	s.mu.RLock()
	hooks := append([]FastHook(nil), s.hooks...)
	s.mu.RUnlock()

	for _, hook := range hooks {
		var catcher panics.Catcher
		catcher.Try(func() { hook(ctx) })
		if recovered := catcher.Recovered(); recovered != nil {
			s.logger.Error("fast tick hook panic", zap.String("panic", recovered.String()))
		}
	}
}

func snapshotsOf(t *tracked) []monitor.Snapshot {
	out := make([]monitor.Snapshot, 0, len(t.monitors))
	for _, m := range t.monitors {
		out = append(out, m.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

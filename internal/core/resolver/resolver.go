// Package resolver collapses concurrent lookups of a shared key into a
// single remote call, rotating credentials when access is denied.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/esisync/esisync/internal/core"
	"github.com/esisync/esisync/internal/core/throttle"
	"github.com/esisync/esisync/internal/metrics"
)

var (
	// ErrExhausted wraps the last failure once every allowed identity was tried.
	ErrExhausted = errors.New("lookup identities exhausted")
	// ErrNoIdentity is returned when no identity could supply credentials.
	ErrNoIdentity = errors.New("no identity available for lookup")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("resolver is closed")
)

// Defaults applied by New.
const (
	DefaultMaxAttempts = 3
	DefaultNegativeTTL = 5 * time.Minute
	DefaultCacheTTL    = time.Hour
	DefaultCacheSize   = 4096
)

// Lookup is the resolved value of a shared key.
type Lookup struct {
	Key        string        `json:"key"`
	Name       string        `json:"name"`
	SystemID   int64         `json:"system_id,omitempty"`
	TypeID     int64         `json:"type_id,omitempty"`
	OwnerID    int64         `json:"owner_id,omitempty"`
	ResolvedBy core.EntityID `json:"resolved_by"`
	ResolvedAt time.Time     `json:"resolved_at"`
}

// LookupFunc performs one remote lookup of key with the given credentials.
type LookupFunc func(ctx context.Context, key string, creds core.Credentials) (*Lookup, error)

// IdentitySource lists the identities that may be tried for a lookup.
type IdentitySource interface {
	Identities() []core.EntityID
}

// IdentityFunc adapts a function to IdentitySource.
type IdentityFunc func() []core.EntityID

// Identities calls f.
func (f IdentityFunc) Identities() []core.EntityID { return f() }

// Gate hands out dispatch slots.
type Gate interface {
	Acquire(ctx context.Context) (*throttle.Slot, error)
}

// RateLimitReporter is told when a lookup was throttled by the remote API.
type RateLimitReporter interface {
	RecordRateLimited(retryAfter time.Duration)
}

// Notifier receives resolution notifications.
type Notifier interface {
	Enqueue(kind core.EventKind, entity core.EntityID)
}

// Config configures a Resolver.
type Config struct {
	Lookup      LookupFunc
	Credentials core.CredentialProvider
	Identities  IdentitySource
	Gate        Gate
	Notifier    Notifier
	RateLimit   RateLimitReporter
	Logger      *zap.Logger

	MaxAttempts int
	NegativeTTL time.Duration
	CacheTTL    time.Duration
	CacheSize   int
}

// Pending is a snapshot of one in-flight lookup.
type Pending struct {
	Key                 string        `json:"key"`
	Waiters             int           `json:"waiters"`
	AttemptCount        int           `json:"attempt_count"`
	LastAttemptIdentity core.EntityID `json:"last_attempt_identity,omitempty"`
	StartedAt           time.Time     `json:"started_at"`
}

// Outcome is delivered by ResolveAsync.
type Outcome struct {
	Lookup *Lookup
	Err    error
}

type pendingLookup struct {
	attempts    int
	lastAttempt core.EntityID
	startedAt   time.Time
}

// Resolver deduplicates lookups per key. At most one remote call per key is
// in flight at any time.
type Resolver struct {
	cfg      Config
	group    singleflight.Group
	cache    *expirable.LRU[string, *Lookup]
	negative *expirable.LRU[string, error]
	logger   *zap.Logger
	clock    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pendingLookup
	waiters map[string]int
	calls   uint64
}

// New creates a resolver.
func New(cfg Config) *Resolver {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = DefaultNegativeTTL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		cfg:      cfg,
		cache:    expirable.NewLRU[string, *Lookup](cfg.CacheSize, nil, cfg.CacheTTL),
		negative: expirable.NewLRU[string, error](cfg.CacheSize, nil, cfg.NegativeTTL),
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*pendingLookup),
		waiters:  make(map[string]int),
	}
}

// Resolve returns the lookup for key, joining an in-flight call when one
// exists. ctx only bounds this caller's wait; the shared call keeps running
// for the other waiters.
func (r *Resolver) Resolve(ctx context.Context, key string, requester core.EntityID) (*Lookup, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.ctx.Err() != nil {
		return nil, ErrClosed
	}

	if lookup, ok := r.cache.Get(key); ok {
		metrics.RecordResolverCall("cache_hit")
		return lookup, nil
	}
	if err, ok := r.negative.Get(key); ok {
		metrics.RecordResolverCall("negative_hit")
		return nil, err
	}

	r.join(key)
	defer r.leave(key)

	ch := r.group.DoChan(key, func() (any, error) {
		return r.resolve(key, requester)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		lookup, _ := res.Val.(*Lookup)
		if r.cfg.Notifier != nil {
			r.cfg.Notifier.Enqueue(core.EventLookupResolved, requester)
		}
		return lookup, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResolveAsync is Resolve without a caller deadline. The channel receives
// exactly one outcome.
func (r *Resolver) ResolveAsync(key string, requester core.EntityID) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		lookup, err := r.Resolve(context.Background(), key, requester)
		out <- Outcome{Lookup: lookup, Err: err}
	}()
	return out
}

// Pending returns the in-flight lookups ordered by key. A lookup stays listed
// until its remote call completes, even when every waiter has given up.
func (r *Resolver) Pending() []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Pending, 0, len(r.pending))
	for key, p := range r.pending {
		out = append(out, Pending{
			Key:                 key,
			Waiters:             r.waiters[key],
			AttemptCount:        p.attempts,
			LastAttemptIdentity: p.lastAttempt,
			StartedAt:           p.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Calls returns how many remote calls have been issued.
func (r *Resolver) Calls() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Cached returns a cached lookup without issuing a call.
func (r *Resolver) Cached(key string) (*Lookup, bool) {
	return r.cache.Get(key)
}

// Forget drops cached outcomes for key.
func (r *Resolver) Forget(key string) {
	r.cache.Remove(key)
	r.negative.Remove(key)
}

// Close cancels in-flight calls.
func (r *Resolver) Close() {
	r.cancel()
}

func (r *Resolver) join(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiters[key]++
}

func (r *Resolver) leave(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiters[key] <= 1 {
		delete(r.waiters, key)
		return
	}
	r.waiters[key]--
}

// begin and finish bracket one flight; the record lives exactly as long as
// the remote call.
func (r *Resolver) begin(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[key] = &pendingLookup{startedAt: r.clock()}
	metrics.SetResolverPending(len(r.pending))
}

func (r *Resolver) finish(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, key)
	metrics.SetResolverPending(len(r.pending))
}

func (r *Resolver) noteAttempt(key string, identity core.EntityID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	p, ok := r.pending[key]
	if !ok {
		return 0
	}
	p.attempts++
	p.lastAttempt = identity
	return p.attempts
}

// resolve runs once per flight. It rechecks the caches so a caller that
// raced a just-finished flight does not trigger a second remote call.
func (r *Resolver) resolve(key string, requester core.EntityID) (*Lookup, error) {
	if lookup, ok := r.cache.Get(key); ok {
		return lookup, nil
	}
	if err, ok := r.negative.Get(key); ok {
		return nil, err
	}

	r.begin(key)
	defer r.finish(key)

	var (
		attempts int
		lastErr  error
		tried    = make(map[core.EntityID]struct{})
	)

	for _, identity := range r.candidates(requester) {
		if attempts >= r.cfg.MaxAttempts {
			break
		}
		if _, seen := tried[identity]; seen {
			continue
		}
		tried[identity] = struct{}{}

		creds, err := r.credentials(identity)
		if err != nil {
			r.logger.Debug("skipping lookup identity",
				zap.String("key", key),
				zap.Stringer("entity_id", identity),
				zap.Error(err))
			lastErr = err
			continue
		}

		attempts++
		attempt := r.noteAttempt(key, identity)
		lookup, err := r.attempt(key, creds)
		if err == nil {
			lookup.Key = key
			lookup.ResolvedBy = identity
			if lookup.ResolvedAt.IsZero() {
				lookup.ResolvedAt = r.clock()
			}
			r.cache.Add(key, lookup)
			metrics.RecordResolverCall("success")
			return lookup, nil
		}

		kind := core.Classify(err)
		r.logger.Debug("lookup attempt failed",
			zap.String("key", key),
			zap.Stringer("entity_id", identity),
			zap.Int("attempt", attempt),
			zap.String("error_kind", string(kind)),
			zap.Error(err))

		switch kind {
		case core.KindAuthorizationDenied:
			lastErr = err
			continue
		case core.KindNotFound:
			r.negative.Add(key, err)
			metrics.RecordResolverCall("not_found")
			return nil, err
		case core.KindRateLimited:
			r.reportRateLimited(err)
			metrics.RecordResolverCall(string(kind))
			return nil, err
		default:
			// Transient and rate-limited failures are not negative cached;
			// the next request for the key tries again.
			metrics.RecordResolverCall(string(kind))
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = ErrNoIdentity
	}
	err := fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
	r.negative.Add(key, err)
	metrics.RecordResolverCall("exhausted")
	r.logger.Info("lookup exhausted identities",
		zap.String("key", key),
		zap.Int("attempts", attempts))
	return nil, err
}

func (r *Resolver) reportRateLimited(err error) {
	if r.cfg.RateLimit == nil {
		return
	}
	var retryAfter time.Duration
	var remote *core.RemoteError
	if errors.As(err, &remote) {
		retryAfter = remote.RetryAfter
	}
	r.cfg.RateLimit.RecordRateLimited(retryAfter)
}

func (r *Resolver) attempt(key string, creds core.Credentials) (*Lookup, error) {
	if r.cfg.Lookup == nil {
		return nil, errors.New("resolver has no lookup function")
	}
	if r.cfg.Gate != nil {
		slot, err := r.cfg.Gate.Acquire(r.ctx)
		if err != nil {
			return nil, err
		}
		defer slot.Release()
	}
	lookup, err := r.cfg.Lookup(r.ctx, key, creds)
	if err == nil && lookup == nil {
		return nil, core.NewRemoteError(core.KindNotFound, 0, "empty lookup result")
	}
	return lookup, err
}

func (r *Resolver) credentials(identity core.EntityID) (core.Credentials, error) {
	if r.cfg.Credentials == nil {
		return core.Credentials{Entity: identity}, nil
	}
	return r.cfg.Credentials.Credentials(r.ctx, identity)
}

// candidates orders identities: the requester first, then the rest in id order.
func (r *Resolver) candidates(requester core.EntityID) []core.EntityID {
	out := []core.EntityID{requester}
	if r.cfg.Identities == nil {
		return out
	}
	others := append([]core.EntityID(nil), r.cfg.Identities.Identities()...)
	sort.Slice(others, func(i, j int) bool { return others[i] < others[j] })
	for _, id := range others {
		if id != requester {
			out = append(out, id)
		}
	}
	return out
}

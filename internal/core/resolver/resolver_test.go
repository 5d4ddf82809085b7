package resolver

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esisync/esisync/internal/core"
	"github.com/esisync/esisync/internal/core/throttle"
)

func staticIdentities(ids ...core.EntityID) IdentitySource {
	return IdentityFunc(func() []core.EntityID { return ids })
}

func TestResolveCollapsesConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32

	r := New(Config{
		Gate: throttle.New(throttle.Config{MaxConcurrent: 4}),
		Lookup: func(ctx context.Context, key string, creds core.Credentials) (*Lookup, error) {
			calls.Add(1)
			<-release
			return &Lookup{Name: "Jita IV - Moon 4"}, nil
		},
	})
	defer r.Close()

	const callers = 30
	results := make([]*Lookup, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lookup, err := r.Resolve(context.Background(), "loc-42", core.EntityID(1000+i))
			assert.NoError(t, err)
			results[i] = lookup
		}(i)
	}

	require.Eventually(t, func() bool {
		pending := r.Pending()
		return len(pending) == 1 && pending[0].Waiters == callers
	}, 2*time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, uint64(1), r.Calls())
	for _, lookup := range results {
		require.NotNil(t, lookup)
		require.Same(t, results[0], lookup)
	}
	require.Equal(t, "loc-42", results[0].Key)
	require.Empty(t, r.Pending())
}

func TestResolveRotatesIdentitiesOnDenial(t *testing.T) {
	var (
		mu    sync.Mutex
		tried []core.EntityID
	)

	r := New(Config{
		Identities: staticIdentities(3, 2, 1),
		Lookup: func(ctx context.Context, key string, creds core.Credentials) (*Lookup, error) {
			mu.Lock()
			tried = append(tried, creds.Entity)
			n := len(tried)
			mu.Unlock()
			if n < 3 {
				return nil, core.NewRemoteError(core.KindAuthorizationDenied, 403, "forbidden")
			}
			return &Lookup{Name: "Private Citadel"}, nil
		},
	})
	defer r.Close()

	var wg sync.WaitGroup
	outcomes := make([]*Lookup, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lookup, err := r.Resolve(context.Background(), "1022734985679", 2)
			assert.NoError(t, err)
			outcomes[i] = lookup
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []core.EntityID{2, 1, 3}, tried)
	for _, lookup := range outcomes {
		require.NotNil(t, lookup)
		require.Equal(t, "Private Citadel", lookup.Name)
		require.Equal(t, core.EntityID(3), lookup.ResolvedBy)
	}
}

func TestResolveStopsAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	r := New(Config{
		MaxAttempts: 2,
		Identities:  staticIdentities(1, 2, 3, 4),
		Lookup: func(context.Context, string, core.Credentials) (*Lookup, error) {
			calls.Add(1)
			return nil, core.NewRemoteError(core.KindAuthorizationDenied, 403, "forbidden")
		},
	})
	defer r.Close()

	_, err := r.Resolve(context.Background(), "loc-1", 1)
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, core.ErrAuthorizationDenied)
	require.Equal(t, int32(2), calls.Load())

	_, err = r.Resolve(context.Background(), "loc-1", 4)
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, int32(2), calls.Load(), "negative cache must absorb the retry")
}

func TestResolveNotFoundIsNegativeCached(t *testing.T) {
	var calls atomic.Int32
	r := New(Config{
		Identities: staticIdentities(1, 2),
		Lookup: func(context.Context, string, core.Credentials) (*Lookup, error) {
			calls.Add(1)
			return nil, core.NewRemoteError(core.KindNotFound, 404, "no such structure")
		},
	})
	defer r.Close()

	_, err := r.Resolve(context.Background(), "gone", 1)
	require.ErrorIs(t, err, core.ErrNotFound)
	_, err = r.Resolve(context.Background(), "gone", 2)
	require.ErrorIs(t, err, core.ErrNotFound)
	require.Equal(t, int32(1), calls.Load())

	r.Forget("gone")
	_, err = r.Resolve(context.Background(), "gone", 2)
	require.Error(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestResolveTransientIsNotCached(t *testing.T) {
	var calls atomic.Int32
	r := New(Config{
		Lookup: func(context.Context, string, core.Credentials) (*Lookup, error) {
			if calls.Add(1) == 1 {
				return nil, core.NewRemoteError(core.KindTransient, 503, "unavailable")
			}
			return &Lookup{Name: "Amarr VIII"}, nil
		},
	})
	defer r.Close()

	_, err := r.Resolve(context.Background(), "60008494", 1)
	require.ErrorIs(t, err, core.ErrTransient)

	lookup, err := r.Resolve(context.Background(), "60008494", 1)
	require.NoError(t, err)
	require.Equal(t, "Amarr VIII", lookup.Name)

	cached, ok := r.Cached("60008494")
	require.True(t, ok)
	require.Same(t, lookup, cached)
}

func TestResolveSkipsIdentitiesWithoutCredentials(t *testing.T) {
	var tried []core.EntityID
	r := New(Config{
		Identities: staticIdentities(1, 2),
		Credentials: credentialFunc(func(_ context.Context, id core.EntityID) (core.Credentials, error) {
			if id == 1 {
				return core.Credentials{}, core.ErrReauthRequired
			}
			return core.Credentials{Entity: id, AccessToken: "token"}, nil
		}),
		Lookup: func(_ context.Context, _ string, creds core.Credentials) (*Lookup, error) {
			tried = append(tried, creds.Entity)
			return &Lookup{Name: "ok"}, nil
		},
	})
	defer r.Close()

	lookup, err := r.Resolve(context.Background(), "k", 1)
	require.NoError(t, err)
	require.Equal(t, core.EntityID(2), lookup.ResolvedBy)
	require.Equal(t, []core.EntityID{2}, tried)
}

func TestResolveCallerDeadlineDoesNotCancelFlight(t *testing.T) {
	release := make(chan struct{})
	r := New(Config{
		Lookup: func(ctx context.Context, _ string, _ core.Credentials) (*Lookup, error) {
			select {
			case <-release:
				return &Lookup{Name: "late"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Resolve(ctx, "slow", 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	outcome := r.ResolveAsync("slow", 2)
	close(release)

	select {
	case res := <-outcome:
		require.NoError(t, res.Err)
		require.Equal(t, "late", res.Lookup.Name)
	case <-time.After(time.Second):
		t.Fatal("async resolve did not complete")
	}
}

type rateLimitRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *rateLimitRecorder) RecordRateLimited(retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, retryAfter)
}

func TestResolveRateLimitedReportsBackoff(t *testing.T) {
	recorder := &rateLimitRecorder{}
	var calls atomic.Int32
	r := New(Config{
		Identities: staticIdentities(1, 2, 3),
		RateLimit:  recorder,
		Lookup: func(ctx context.Context, _ string, _ core.Credentials) (*Lookup, error) {
			calls.Add(1)
			err := core.NewRemoteError(core.KindRateLimited, 429, "Too Many Requests")
			err.RetryAfter = 2 * time.Minute
			return nil, err
		},
	})
	defer r.Close()

	_, err := r.Resolve(context.Background(), "60003760", 1)
	require.Error(t, err)
	require.Equal(t, core.KindRateLimited, core.Classify(err))
	require.Equal(t, int32(1), calls.Load(), "throttled lookups do not rotate identities")
	require.Equal(t, []time.Duration{2 * time.Minute}, recorder.waits)

	_, cached := r.negative.Get("60003760")
	require.False(t, cached)
}

func TestResolvePendingOutlivesAbandonedWaiters(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	r := New(Config{
		Lookup: func(ctx context.Context, _ string, _ core.Credentials) (*Lookup, error) {
			if calls.Add(1) == 1 {
				close(started)
			}
			<-release
			return &Lookup{Name: "Amarr VIII"}, nil
		},
	})
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Resolve(ctx, "loc-7", 9)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	<-started

	pending := r.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "loc-7", pending[0].Key)
	assert.Equal(t, 0, pending[0].Waiters)
	assert.Equal(t, 1, pending[0].AttemptCount)
	assert.Equal(t, core.EntityID(9), pending[0].LastAttemptIdentity)

	outcome := r.ResolveAsync("loc-7", 10)
	require.Eventually(t, func() bool {
		pending := r.Pending()
		return len(pending) == 1 && pending[0].Waiters == 1 && pending[0].AttemptCount == 1
	}, time.Second, time.Millisecond)

	close(release)
	res := <-outcome
	require.NoError(t, res.Err)
	require.Equal(t, core.EntityID(9), res.Lookup.ResolvedBy)
	require.Equal(t, int32(1), calls.Load())
	require.Empty(t, r.Pending())
}

func TestResolveAfterClose(t *testing.T) {
	r := New(Config{})
	r.Close()
	_, err := r.Resolve(context.Background(), "k", 1)
	require.ErrorIs(t, err, ErrClosed)
}

type credentialFunc func(ctx context.Context, entity core.EntityID) (core.Credentials, error)

func (f credentialFunc) Credentials(ctx context.Context, entity core.EntityID) (core.Credentials, error) {
	return f(ctx, entity)
}

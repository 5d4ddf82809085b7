package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/esisync/esisync/internal/core"
	"github.com/esisync/esisync/internal/core/throttle"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []core.EventKind
}

func (n *recordingNotifier) Enqueue(kind core.EventKind, _ core.EntityID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, kind)
}

func (n *recordingNotifier) Events() []core.EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]core.EventKind(nil), n.events...)
}

type recordingRateLimit struct {
	calls      int
	retryAfter time.Duration
}

func (r *recordingRateLimit) RecordRateLimited(retryAfter time.Duration) {
	r.calls++
	r.retryAfter = retryAfter
}

func spec(period time.Duration, onStartup bool) core.EndpointSpec {
	return core.EndpointSpec{Name: core.EndpointAssets, CachePeriod: period, QueryOnStartup: onStartup}
}

func TestForceUpdateSurvivesReset(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := New(1, spec(2*time.Hour, true), nil)

	m.Reset(now.Add(-time.Hour))

	require.Equal(t, Run, m.Evaluate(now, false))
	require.True(t, m.Snapshot().ForceUpdate)
	require.Equal(t, now.Add(-time.Hour), m.Snapshot().LastUpdateTime)
}

func TestResetWithoutForceRespectsCachePeriod(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := New(1, spec(2*time.Hour, false), nil)

	require.Equal(t, Run, m.Evaluate(now, false), "never updated is stale")

	m.Reset(now.Add(-time.Hour))
	require.Equal(t, Skip, m.Evaluate(now, false))
	require.Equal(t, Run, m.Evaluate(now.Add(time.Hour), false))
}

func TestEvaluateDuringGlobalRateLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	stale := New(1, spec(time.Minute, false), nil)
	stale.Reset(now.Add(-time.Hour))
	forced := New(2, spec(time.Minute, true), nil)
	forced.Reset(now)

	require.Equal(t, Skip, stale.Evaluate(now, true))
	require.Equal(t, Run, forced.Evaluate(now, true))

	require.Equal(t, Run, stale.Evaluate(now, false))
}

func TestBeginIsSingleWriter(t *testing.T) {
	now := time.Now()
	m := New(1, spec(time.Minute, true), nil)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Begin(now, false) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, core.StatusPending, m.Snapshot().Status)
	require.Equal(t, Skip, m.Evaluate(now, false))
}

func TestDispatchSuccess(t *testing.T) {
	completed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	notifier := &recordingNotifier{}
	var handled atomic.Bool

	env := &Env{
		Gate: throttle.New(throttle.Config{MaxConcurrent: 1}),
		Executor: core.ExecutorFunc(func(ctx context.Context, endpoint core.Endpoint, creds core.Credentials) (*core.Result, error) {
			require.Equal(t, core.EndpointAssets, endpoint)
			require.Equal(t, core.EntityID(7), creds.Entity)
			return &core.Result{StatusCode: 200}, nil
		}),
		Notifier: notifier,
		OnResult: func(_ context.Context, _ core.EntityID, _ core.EndpointSpec, result *core.Result) {
			handled.Store(result.StatusCode == 200)
		},
		Clock: func() time.Time { return completed },
	}

	m := New(7, spec(time.Hour, true), env)
	require.True(t, m.Begin(completed, false))
	require.NoError(t, m.Dispatch(context.Background()))

	snap := m.Snapshot()
	require.Equal(t, core.StatusCompleted, snap.Status)
	require.Equal(t, completed, snap.LastUpdateTime)
	require.Equal(t, completed.Add(time.Hour), snap.NextUpdateTime)
	require.False(t, snap.ForceUpdate)
	require.Empty(t, snap.LastError)
	require.True(t, handled.Load())
	require.Equal(t, []core.EventKind{core.EventEntityChanged}, notifier.Events())

	require.Equal(t, Skip, m.Evaluate(completed.Add(time.Minute), false))
}

func TestOutcomeStatusesRestLikeIdle(t *testing.T) {
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fail := false
	env := &Env{
		Executor: core.ExecutorFunc(func(context.Context, core.Endpoint, core.Credentials) (*core.Result, error) {
			if fail {
				return nil, core.NewRemoteError(core.KindTransient, 503, "unavailable")
			}
			return &core.Result{StatusCode: 200}, nil
		}),
		Clock: func() time.Time { return last },
	}

	idle := New(1, spec(time.Hour, false), nil)
	idle.Reset(last)
	require.Equal(t, core.StatusIdle, idle.Snapshot().Status)

	done := New(1, spec(time.Hour, false), env)
	require.True(t, done.Begin(last, false))
	require.NoError(t, done.Dispatch(context.Background()))
	require.Equal(t, core.StatusCompleted, done.Snapshot().Status)

	for _, at := range []time.Time{last.Add(time.Minute), last.Add(time.Hour), last.Add(2 * time.Hour)} {
		require.Equal(t, idle.Evaluate(at, false), done.Evaluate(at, false), at.String())
	}
	require.True(t, done.Begin(last.Add(time.Hour), false))

	fail = true
	require.Error(t, done.Dispatch(context.Background()))
	require.Equal(t, core.StatusError, done.Snapshot().Status)
	require.Equal(t, Run, done.Evaluate(last.Add(time.Hour), false))
	require.True(t, done.Begin(last.Add(time.Hour), false))
}

func TestDispatchResultHandlerPanicIsContained(t *testing.T) {
	notifier := &recordingNotifier{}
	env := &Env{
		Executor: core.ExecutorFunc(func(context.Context, core.Endpoint, core.Credentials) (*core.Result, error) {
			return &core.Result{StatusCode: 200}, nil
		}),
		Notifier: notifier,
		OnResult: func(context.Context, core.EntityID, core.EndpointSpec, *core.Result) {
			panic("handler bug")
		},
	}

	m := New(1, spec(time.Hour, true), env)
	require.True(t, m.Begin(time.Now(), false))
	require.NotPanics(t, func() { require.NoError(t, m.Dispatch(context.Background())) })

	snap := m.Snapshot()
	require.Equal(t, core.StatusCompleted, snap.Status)
	require.False(t, snap.ForceUpdate)
	require.Equal(t, []core.EventKind{core.EventEntityChanged}, notifier.Events())
}

func TestDispatchRequiresBegin(t *testing.T) {
	m := New(1, spec(time.Minute, true), &Env{})
	require.ErrorIs(t, m.Dispatch(context.Background()), ErrNotPending)
}

func TestTransientFailureKeepsStalenessAndForce(t *testing.T) {
	now := time.Now()
	notifier := &recordingNotifier{}
	env := &Env{
		Executor: core.ExecutorFunc(func(context.Context, core.Endpoint, core.Credentials) (*core.Result, error) {
			return nil, core.NewRemoteError(core.KindTransient, 502, "bad gateway")
		}),
		Notifier: notifier,
	}

	m := New(1, spec(time.Hour, true), env)
	m.Reset(now.Add(-10 * time.Minute))
	require.True(t, m.Begin(now, false))
	require.Error(t, m.Dispatch(context.Background()))

	snap := m.Snapshot()
	require.Equal(t, core.StatusError, snap.Status)
	require.Equal(t, core.KindTransient, snap.ErrorKind)
	require.True(t, snap.ForceUpdate)
	require.Equal(t, now.Add(-10*time.Minute), snap.LastUpdateTime)
	require.Equal(t, []core.EventKind{core.EventEntityError}, notifier.Events())

	require.Equal(t, Run, m.Evaluate(now, false), "error status rests and retries")
}

func TestRateLimitedFailureReportsSignal(t *testing.T) {
	rl := &recordingRateLimit{}
	env := &Env{
		Executor: core.ExecutorFunc(func(context.Context, core.Endpoint, core.Credentials) (*core.Result, error) {
			return nil, &core.RemoteError{Kind: core.KindRateLimited, StatusCode: 420, RetryAfter: 30 * time.Second}
		}),
		RateLimit: rl,
	}

	m := New(1, spec(time.Hour, false), env)
	require.True(t, m.Begin(time.Now(), false))
	require.Error(t, m.Dispatch(context.Background()))

	require.Equal(t, core.StatusRateLimited, m.Snapshot().Status)
	require.Equal(t, 1, rl.calls)
	require.Equal(t, 30*time.Second, rl.retryAfter)
}

func TestTerminalFailureDisablesUntilForced(t *testing.T) {
	now := time.Now()
	env := &Env{
		Executor: core.ExecutorFunc(func(context.Context, core.Endpoint, core.Credentials) (*core.Result, error) {
			return nil, core.NewRemoteError(core.KindAuthorizationDenied, 403, "token lacks scope")
		}),
	}

	m := New(1, spec(time.Hour, true), env)
	require.True(t, m.Begin(now, false))
	err := m.Dispatch(context.Background())
	require.ErrorIs(t, err, core.ErrAuthorizationDenied)

	snap := m.Snapshot()
	require.True(t, snap.Disabled)
	require.False(t, snap.ForceUpdate)
	require.Equal(t, Skip, m.Evaluate(now.Add(24*time.Hour), false))

	m.ForceUpdate()
	require.Equal(t, Run, m.Evaluate(now, false))
}

func TestCredentialFailureIsTerminal(t *testing.T) {
	var calls atomic.Int32
	env := &Env{
		Credentials: credentialFunc(func(context.Context, core.EntityID) (core.Credentials, error) {
			return core.Credentials{}, core.ErrReauthRequired
		}),
		Executor: core.ExecutorFunc(func(context.Context, core.Endpoint, core.Credentials) (*core.Result, error) {
			calls.Add(1)
			return &core.Result{}, nil
		}),
	}

	m := New(1, spec(time.Hour, true), env)
	require.True(t, m.Begin(time.Now(), false))
	require.Error(t, m.Dispatch(context.Background()))
	require.Zero(t, calls.Load())
	require.Equal(t, core.KindAuthorizationDenied, m.Snapshot().ErrorKind)
}

func TestCloseCancelsInFlightAndDropsCompletion(t *testing.T) {
	started := make(chan struct{})
	notifier := &recordingNotifier{}
	env := &Env{
		Executor: core.ExecutorFunc(func(ctx context.Context, _ core.Endpoint, _ core.Credentials) (*core.Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		Notifier: notifier,
	}

	m := New(1, spec(time.Hour, true), env)
	require.True(t, m.Begin(time.Now(), false))

	done := make(chan error, 1)
	go func() { done <- m.Dispatch(context.Background()) }()

	<-started
	m.Close()

	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("dispatch was not cancelled")
	}

	snap := m.Snapshot()
	require.Equal(t, core.StatusQuerying, snap.Status)
	require.Empty(t, snap.LastError)
	require.Empty(t, notifier.Events())
	require.Equal(t, Skip, m.Evaluate(time.Now(), false))
	require.ErrorIs(t, m.Dispatch(context.Background()), ErrClosed)
}

func TestLateSuccessAfterCloseIsDropped(t *testing.T) {
	notifier := &recordingNotifier{}
	m := New(1, spec(time.Hour, true), &Env{Notifier: notifier})
	m.Close()

	require.False(t, m.OnSuccess(&core.Result{}, time.Now()))
	require.True(t, m.Snapshot().LastUpdateTime.IsZero())
	require.Empty(t, notifier.Events())
}

type credentialFunc func(ctx context.Context, entity core.EntityID) (core.Credentials, error)

func (f credentialFunc) Credentials(ctx context.Context, entity core.EntityID) (core.Credentials, error) {
	return f(ctx, entity)
}

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/esisync/esisync/internal/core"
)

type memoryRateStore struct {
	mu    sync.Mutex
	state map[string]*core.RateLimitState
}

func (m *memoryRateStore) GetRateLimit(ctx context.Context, endpoint string) (*core.RateLimitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	if val, ok := m.state[endpoint]; ok {
		copied := *val
		return &copied, nil
	}
	return nil, nil
}

func (m *memoryRateStore) UpdateRateLimit(ctx context.Context, endpoint string, state *core.RateLimitState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		m.state = make(map[string]*core.RateLimitState)
	}
	copied := *state
	m.state[endpoint] = &copied
	return nil
}

func TestRateLimitGateBackoff(t *testing.T) {
	store := &memoryRateStore{}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	gate := &RateLimitGate{
		Store: store,
		Clock: func() time.Time { return now },
	}

	require.False(t, gate.Exceeded())
	gate.RecordRateLimited(30 * time.Second)
	require.True(t, gate.Exceeded())
	require.Equal(t, 30*time.Second, gate.Wait())

	persisted, err := store.GetRateLimit(context.Background(), RateLimitKey)
	require.NoError(t, err)
	require.NotNil(t, persisted.Last429At)
	require.Equal(t, now.Add(30*time.Second), *persisted.BackoffUntil)

	now = now.Add(31 * time.Second)
	require.False(t, gate.Exceeded())
	require.Zero(t, gate.Wait())
}

func TestRateLimitGateDefaultBackoff(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	gate := &RateLimitGate{Clock: func() time.Time { return now }, Backoff: 45 * time.Second}

	gate.RecordRateLimited(0)
	require.Equal(t, 45*time.Second, gate.Wait())
}

func TestRateLimitGateObserveThreshold(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	gate := &RateLimitGate{Clock: func() time.Time { return now }, Threshold: 5}

	gate.Observe(80, 40*time.Second)
	require.False(t, gate.Exceeded())
	require.Equal(t, 80, gate.State().ErrorsRemaining)

	gate.Observe(5, 40*time.Second)
	require.True(t, gate.Exceeded())
	require.Equal(t, 40*time.Second, gate.Wait())
}

func TestRateLimitGateKeepsLongestBackoff(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	gate := &RateLimitGate{Clock: func() time.Time { return now }}

	gate.RecordRateLimited(time.Minute)
	gate.RecordRateLimited(10 * time.Second)
	require.Equal(t, time.Minute, gate.Wait())

	gate.Clear()
	require.False(t, gate.Exceeded())
}

func TestRateLimitGateRestore(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	until := now.Add(time.Minute)
	store := &memoryRateStore{state: map[string]*core.RateLimitState{
		RateLimitKey: {ErrorsRemaining: 3, BackoffUntil: &until},
	}}

	gate := &RateLimitGate{Store: store, Clock: func() time.Time { return now }}
	require.NoError(t, gate.Restore(context.Background()))
	require.True(t, gate.Exceeded())
	require.Equal(t, 3, gate.State().ErrorsRemaining)
}

func TestRateLimitGateNilSafe(t *testing.T) {
	var gate *RateLimitGate
	require.False(t, gate.Exceeded())
	gate.RecordRateLimited(time.Second)
	gate.Observe(0, time.Second)
	require.NoError(t, gate.Restore(context.Background()))
}

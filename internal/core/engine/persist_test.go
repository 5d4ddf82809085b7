package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/esisync/esisync/internal/core"
)

type memoryStateStore struct {
	mu     sync.Mutex
	saved  []core.MonitorState
	failed bool
}

func (s *memoryStateStore) SaveMonitorStates(_ context.Context, states []core.MonitorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return errors.New("disk full")
	}
	s.saved = append(s.saved, states...)
	return nil
}

func TestPersisterFlushesDirtyEntities(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewScheduler(Options{Catalog: testCatalog(), Clock: func() time.Time { return now }})
	require.NoError(t, s.Register(Registration{
		Entity:   1,
		Restored: map[core.Endpoint]time.Time{"slow_plain": now.Add(-time.Hour)},
	}))
	require.NoError(t, s.Register(Registration{Entity: 2}))

	st := &memoryStateStore{}
	p := &Persister{Store: st, Source: s, Clock: func() time.Time { return now }}

	p.HandleBatch(core.Batch{Kind: core.EventLookupResolved, Entities: []core.EntityID{2}})
	require.Empty(t, p.Dirty())

	p.HandleBatch(core.Batch{Kind: core.EventEntityChanged, Entities: []core.EntityID{1, 99}})
	require.Equal(t, []core.EntityID{1, 99}, p.Dirty())

	require.NoError(t, p.Flush(context.Background()))
	require.Empty(t, p.Dirty())
	require.Len(t, st.saved, 3, "unknown entity 99 is skipped")

	var plain core.MonitorState
	for _, state := range st.saved {
		require.Equal(t, core.EntityID(1), state.Entity)
		require.Equal(t, now, state.UpdatedAt)
		if state.Endpoint == "slow_plain" {
			plain = state
		}
	}
	require.Equal(t, now.Add(-time.Hour), plain.LastUpdateTime)
}

func TestPersisterKeepsDirtyOnFailure(t *testing.T) {
	s := NewScheduler(Options{Catalog: testCatalog()})
	require.NoError(t, s.Register(Registration{Entity: 1}))

	st := &memoryStateStore{failed: true}
	p := &Persister{Store: st, Source: s}
	p.HandleBatch(core.Batch{Kind: core.EventEntityError, Entities: []core.EntityID{1}})

	require.Error(t, p.Flush(context.Background()))
	require.Equal(t, []core.EntityID{1}, p.Dirty())

	st.failed = false
	p.Tick(context.Background())
	require.Empty(t, p.Dirty())
	require.Len(t, st.saved, 3)
}

func TestPersisterFlushAll(t *testing.T) {
	s := NewScheduler(Options{Catalog: testCatalog()})
	require.NoError(t, s.Register(Registration{Entity: 1}))
	require.NoError(t, s.Register(Registration{Entity: 2}))

	st := &memoryStateStore{}
	p := &Persister{Store: st, Source: s}
	require.NoError(t, p.FlushAll(context.Background()))
	require.Len(t, st.saved, 6)

	var nilPersister *Persister
	require.NoError(t, nilPersister.Flush(context.Background()))
	nilPersister.HandleBatch(core.Batch{Kind: core.EventEntityChanged})
}

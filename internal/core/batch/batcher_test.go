package batch

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/esisync/esisync/internal/core"
)

type collector struct {
	mu      sync.Mutex
	batches []core.Batch
}

func (c *collector) sink(batch core.Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
}

func (c *collector) snapshot() []core.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Batch(nil), c.batches...)
}

func TestBatcherCoalescesRepeatedEnqueues(t *testing.T) {
	b := New(20*time.Millisecond, nil)
	c := &collector{}
	b.Subscribe(c.sink)

	for i := 0; i < 5; i++ {
		b.Enqueue(core.EventEntityChanged, 42)
	}

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	batches := c.snapshot()
	require.Len(t, batches, 1)
	require.Equal(t, core.EventEntityChanged, batches[0].Kind)
	require.Equal(t, []core.EntityID{42}, batches[0].Entities)
}

func TestBatcherSeparatesKinds(t *testing.T) {
	b := New(time.Hour, nil)
	c := &collector{}
	b.Subscribe(c.sink)

	b.Enqueue(core.EventEntityChanged, 1)
	b.Enqueue(core.EventEntityError, 2)
	b.Enqueue(core.EventEntityChanged, 3)

	stats := b.Stats()
	require.Equal(t, 2, stats.Pending[core.EventEntityChanged])
	require.Equal(t, 1, stats.Pending[core.EventEntityError])

	b.FlushNow()

	batches := c.snapshot()
	require.Len(t, batches, 2)
	require.Equal(t, core.Batch{Kind: core.EventEntityChanged, Entities: []core.EntityID{1, 3}}, batches[0])
	require.Equal(t, core.Batch{Kind: core.EventEntityError, Entities: []core.EntityID{2}}, batches[1])
	require.Empty(t, b.Stats().Pending)
}

func TestBatcherNeverEmitsEmptyBatches(t *testing.T) {
	b := New(time.Millisecond, nil)
	c := &collector{}
	b.Subscribe(c.sink)

	b.FlushNow()
	b.Enqueue(core.EventEntityChanged, 1)
	b.FlushNow()
	b.FlushNow()
	time.Sleep(10 * time.Millisecond)

	require.Len(t, c.snapshot(), 1)
}

func TestBatcherNoLostOrDuplicatedUpdates(t *testing.T) {
	b := New(2*time.Millisecond, nil)
	c := &collector{}
	b.Subscribe(c.sink)

	const workers = 8
	const perWorker = 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < perWorker; i++ {
				b.Enqueue(core.EventEntityChanged, core.EntityID(w*perWorker+i))
				if rng.Intn(50) == 0 {
					b.FlushNow()
				}
				if rng.Intn(100) == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}(w)
	}
	wg.Wait()
	b.Close()

	seen := make(map[core.EntityID]int)
	for _, batch := range c.snapshot() {
		require.NotEmpty(t, batch.Entities)
		for _, id := range batch.Entities {
			seen[id]++
		}
	}
	require.Len(t, seen, workers*perWorker)
	for id, count := range seen {
		require.Equal(t, 1, count, "entity %d emitted more than once", id)
	}
}

func TestBatcherCloseFlushesAndRejects(t *testing.T) {
	b := New(time.Hour, nil)
	c := &collector{}
	b.Subscribe(c.sink)

	b.Enqueue(core.EventEntityChanged, 9)
	b.Close()

	require.Len(t, c.snapshot(), 1)
	require.ErrorIs(t, b.Add(core.EventEntityChanged, 10), ErrBatcherClosed)
	b.FlushNow()
	require.Len(t, c.snapshot(), 1)
}

func TestBatcherUnsubscribe(t *testing.T) {
	b := New(time.Hour, nil)
	c := &collector{}
	cancel := b.Subscribe(c.sink)

	b.Enqueue(core.EventEntityChanged, 1)
	cancel()
	b.FlushNow()

	require.Empty(t, c.snapshot())
}

func TestBatcherSurvivesPanickingSink(t *testing.T) {
	b := New(time.Hour, nil)
	c := &collector{}
	b.Subscribe(func(core.Batch) { panic("boom") })
	b.Subscribe(c.sink)

	b.Enqueue(core.EventEntityChanged, 1)
	require.NotPanics(t, b.FlushNow)
	require.Len(t, c.snapshot(), 1)
}

func TestBatcherDeliversInTakeOrder(t *testing.T) {
	b := New(time.Millisecond, nil)
	c := &collector{}
	b.Subscribe(c.sink)

	const total = 2000
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.FlushNow()
			}
		}
	}()

	for i := 1; i <= total; i++ {
		b.Enqueue(core.EventEntityChanged, core.EntityID(i))
		if i%100 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	close(stop)
	wg.Wait()
	b.Close()

	var last core.EntityID
	count := 0
	for _, batch := range c.snapshot() {
		for _, id := range batch.Entities {
			require.Greater(t, id, last, "batch delivered out of order")
			last = id
			count++
		}
	}
	require.Equal(t, total, count)
}

func TestBatcherSinkMayEnqueue(t *testing.T) {
	b := New(time.Hour, nil)
	c := &collector{}
	b.Subscribe(func(batch core.Batch) {
		if batch.Kind == core.EventEntityChanged {
			b.Enqueue(core.EventLookupResolved, batch.Entities[0])
		}
	})
	b.Subscribe(c.sink)

	b.Enqueue(core.EventEntityChanged, 7)
	b.FlushNow()
	b.FlushNow()

	batches := c.snapshot()
	require.Len(t, batches, 2)
	require.Equal(t, core.EventEntityChanged, batches[0].Kind)
	require.Equal(t, core.Batch{Kind: core.EventLookupResolved, Entities: []core.EntityID{7}}, batches[1])
}

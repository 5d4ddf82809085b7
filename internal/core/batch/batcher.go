// Package batch coalesces change notifications into windowed batches.
package batch

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/esisync/esisync/internal/core"
	"github.com/esisync/esisync/internal/metrics"
)

// ErrBatcherClosed is returned when enqueuing after Close.
var ErrBatcherClosed = errors.New("batcher is closed")

// DefaultWindow is the coalescing window used when none is configured.
const DefaultWindow = 100 * time.Millisecond

// Sink receives flushed batches. It is called outside the pending-set lock
// and must not block for long. A sink may Enqueue but must not call FlushNow
// or Close on the batcher delivering to it.
type Sink func(core.Batch)

// window is the pending set of one notification kind.
type window struct {
	pending    map[core.EntityID]struct{}
	timer      *time.Timer
	generation uint64
}

// Batcher merges Enqueue calls per kind and emits one batch per window.
type Batcher struct {
	window time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	windows map[core.EventKind]*window
	sinks   map[uint64]Sink
	nextID  uint64
	closed  bool

	// emitMu is held from taking a pending set until its batch is delivered,
	// so sinks see batches in the order they were taken. Lock order: emitMu, mu.
	emitMu sync.Mutex
}

// Stats reports pending entity counts per kind.
type Stats struct {
	Window  time.Duration          `json:"window"`
	Pending map[core.EventKind]int `json:"pending"`
	Sinks   int                    `json:"sinks"`
}

// New creates a batcher with the given coalescing window.
func New(windowSize time.Duration, logger *zap.Logger) *Batcher {
	if windowSize <= 0 {
		windowSize = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		window:  windowSize,
		logger:  logger,
		windows: make(map[core.EventKind]*window),
		sinks:   make(map[uint64]Sink),
	}
}

// Subscribe registers a sink and returns a function that removes it.
func (b *Batcher) Subscribe(sink Sink) func() {
	if b == nil || sink == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.sinks[id] = sink
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.sinks, id)
		b.mu.Unlock()
	}
}

// Enqueue adds entity to the pending set of kind, starting the window timer
// if none is running. Enqueues after Close are dropped.
func (b *Batcher) Enqueue(kind core.EventKind, entity core.EntityID) {
	_ = b.Add(kind, entity)
}

// Add is Enqueue with an error for callers that care about shutdown.
func (b *Batcher) Add(kind core.EventKind, entity core.EntityID) error {
	if b == nil {
		return ErrBatcherClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBatcherClosed
	}

	w, ok := b.windows[kind]
	if !ok {
		w = &window{}
		b.windows[kind] = w
	}
	if w.pending == nil {
		w.pending = make(map[core.EntityID]struct{})
	}
	w.pending[entity] = struct{}{}

	if w.timer == nil {
		w.generation++
		gen := w.generation
		w.timer = time.AfterFunc(b.window, func() { b.expire(kind, gen) })
	}
	return nil
}

// FlushNow emits every pending set immediately.
func (b *Batcher) FlushNow() {
	if b == nil {
		return
	}
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	b.emitLocked(b.takeAll())
}

// Close flushes pending sets and rejects further enqueues.
func (b *Batcher) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.FlushNow()
}

// Stats returns the current pending counts.
func (b *Batcher) Stats() Stats {
	stats := Stats{Pending: make(map[core.EventKind]int)}
	if b == nil {
		return stats
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	stats.Window = b.window
	stats.Sinks = len(b.sinks)
	for kind, w := range b.windows {
		if len(w.pending) > 0 {
			stats.Pending[kind] = len(w.pending)
		}
	}
	return stats
}

func (b *Batcher) expire(kind core.EventKind, gen uint64) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	w, ok := b.windows[kind]
	// A flush already took this window; a newer timer owns the kind now.
	if !ok || w.generation != gen || w.timer == nil {
		b.mu.Unlock()
		return
	}
	batch, ok := b.takeLocked(kind, w)
	b.mu.Unlock()

	if ok {
		b.emitLocked([]core.Batch{batch})
	}
}

func (b *Batcher) takeAll() []core.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	kinds := make([]core.EventKind, 0, len(b.windows))
	for kind := range b.windows {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var out []core.Batch
	for _, kind := range kinds {
		if batch, ok := b.takeLocked(kind, b.windows[kind]); ok {
			out = append(out, batch)
		}
	}
	return out
}

// takeLocked swaps out the pending set of a window. Caller holds mu.
func (b *Batcher) takeLocked(kind core.EventKind, w *window) (core.Batch, bool) {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	pending := w.pending
	w.pending = nil
	if len(pending) == 0 {
		return core.Batch{}, false
	}

	entities := make([]core.EntityID, 0, len(pending))
	for id := range pending {
		entities = append(entities, id)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i] < entities[j] })
	return core.Batch{Kind: kind, Entities: entities}, true
}

// emitLocked delivers batches to every sink. Caller holds emitMu.
func (b *Batcher) emitLocked(batches []core.Batch) {
	if len(batches) == 0 {
		return
	}

	b.mu.Lock()
	sinks := make([]Sink, 0, len(b.sinks))
	ids := make([]uint64, 0, len(b.sinks))
	for id := range b.sinks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		sinks = append(sinks, b.sinks[id])
	}
	b.mu.Unlock()

	for _, batch := range batches {
		b.logger.Debug("batch flushed",
			zap.String("kind", string(batch.Kind)),
			zap.Int("entities", len(batch.Entities)))
		metrics.RecordBatch(string(batch.Kind), len(batch.Entities))
		for _, sink := range sinks {
			b.deliver(sink, batch)
		}
	}
}

func (b *Batcher) deliver(sink Sink, batch core.Batch) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("batch sink panicked",
				zap.String("kind", string(batch.Kind)),
				zap.Any("panic", r))
		}
	}()
	sink(batch)
}

package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/esisync/esisync/internal/core"
	"github.com/esisync/esisync/internal/core/monitor"
)

// StateStore persists monitor staleness metadata.
type StateStore interface {
	SaveMonitorStates(ctx context.Context, states []core.MonitorState) error
}

// SnapshotSource exposes the monitors of a tracked entity.
type SnapshotSource interface {
	Entity(entity core.EntityID) ([]monitor.Snapshot, bool)
	Entities() []core.EntityID
}

// Persister writes the state of entities named in change batches. Batches
// only mark entities dirty; Flush writes them, normally from the fast tick.
type Persister struct {
	Store  StateStore
	Source SnapshotSource
	Logger *zap.Logger
	Clock  func() time.Time

	mu    sync.Mutex
	dirty map[core.EntityID]struct{}
}

// HandleBatch matches batch.Sink.
func (p *Persister) HandleBatch(b core.Batch) {
	if p == nil {
		return
	}
	switch b.Kind {
	case core.EventEntityChanged, core.EventEntityError:
	default:
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dirty == nil {
		p.dirty = make(map[core.EntityID]struct{})
	}
	for _, entity := range b.Entities {
		p.dirty[entity] = struct{}{}
	}
}

// Dirty returns the entities waiting to be written.
func (p *Persister) Dirty() []core.EntityID {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedIDs(p.dirty)
}

// Tick matches FastHook.
func (p *Persister) Tick(ctx context.Context) {
	if err := p.Flush(ctx); err != nil {
		p.logger().Warn("monitor state flush failed", zap.Error(err))
	}
}

// Flush writes every dirty entity. Entities whose write fails stay dirty.
func (p *Persister) Flush(ctx context.Context) error {
	if p == nil || p.Store == nil || p.Source == nil {
		return nil
	}

	p.mu.Lock()
	ids := sortedIDs(p.dirty)
	p.dirty = nil
	p.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	if err := p.write(ctx, ids); err != nil {
		p.mu.Lock()
		if p.dirty == nil {
			p.dirty = make(map[core.EntityID]struct{})
		}
		for _, id := range ids {
			p.dirty[id] = struct{}{}
		}
		p.mu.Unlock()
		return err
	}
	return nil
}

// FlushAll writes every tracked entity, dirty or not.
func (p *Persister) FlushAll(ctx context.Context) error {
	if p == nil || p.Store == nil || p.Source == nil {
		return nil
	}
	p.mu.Lock()
	p.dirty = nil
	p.mu.Unlock()
	return p.write(ctx, p.Source.Entities())
}

func (p *Persister) write(ctx context.Context, ids []core.EntityID) error {
	now := p.now()
	var states []core.MonitorState
	for _, id := range ids {
		snapshots, ok := p.Source.Entity(id)
		if !ok {
			continue
		}
		for _, snap := range snapshots {
			states = append(states, core.MonitorState{
				Entity:         snap.Entity,
				Endpoint:       snap.Endpoint,
				LastUpdateTime: snap.LastUpdateTime,
				Status:         snap.Status,
				LastError:      snap.LastError,
				UpdatedAt:      now,
			})
		}
	}
	if len(states) == 0 {
		return nil
	}
	if err := p.Store.SaveMonitorStates(ctx, states); err != nil {
		return err
	}
	p.logger().Debug("monitor state flushed",
		zap.Int("entities", len(ids)),
		zap.Int("monitors", len(states)))
	return nil
}

func sortedIDs(set map[core.EntityID]struct{}) []core.EntityID {
	out := make([]core.EntityID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *Persister) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now().UTC()
}

func (p *Persister) logger() *zap.Logger {
	if p != nil && p.Logger != nil {
		return p.Logger
	}
	return zap.NewNop()
}

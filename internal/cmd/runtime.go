package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/esisync/esisync/internal/config"
	"github.com/esisync/esisync/internal/core"
	"github.com/esisync/esisync/internal/core/batch"
	"github.com/esisync/esisync/internal/core/engine"
	"github.com/esisync/esisync/internal/core/resolver"
	"github.com/esisync/esisync/internal/core/store"
	"github.com/esisync/esisync/internal/core/throttle"
	"github.com/esisync/esisync/internal/esi"
	"github.com/esisync/esisync/internal/server/handlers"
)

// engineRuntime is the assembled polling engine of one process.
type engineRuntime struct {
	Store       *store.Store
	Gate        *engine.RateLimitGate
	Throttle    *throttle.Throttle
	Batcher     *batch.Batcher
	Client      *esi.Client
	Credentials *esi.StaticCredentials
	Resolver    *resolver.Resolver
	Scheduler   *engine.Scheduler
	Persister   *engine.Persister

	logger      *zap.Logger
	unsubscribe []func()
}

// buildRuntime wires the engine components. db may be nil, in which case
// nothing is restored or persisted.
func buildRuntime(ctx context.Context, cfg *config.Config, db *store.Store, logger *zap.Logger) (*engineRuntime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rt := &engineRuntime{Store: db, logger: logger}
	catalog := cfg.Catalog()

	rt.Gate = &engine.RateLimitGate{
		Logger:    logger.Named("ratelimit"),
		Threshold: cfg.ESI.ErrorThreshold,
		Backoff:   cfg.ESI.DefaultBackoff,
	}
	if db != nil {
		rt.Gate.Store = db
		if err := rt.Gate.Restore(ctx); err != nil {
			return nil, fmt.Errorf("restore rate limit state: %w", err)
		}
	}

	rt.Throttle = throttle.New(throttle.Config{
		MaxConcurrent: cfg.Throttle.MaxConcurrent,
		MinSpacing:    cfg.Throttle.MinSpacing,
	})
	rt.Batcher = batch.New(cfg.Batcher.Window, logger.Named("batch"))

	httpClient, err := esi.NewHTTPClient(cfg.ESI.Timeout, cfg.ESI.HTTP2)
	if err != nil {
		return nil, fmt.Errorf("build http client: %w", err)
	}
	rt.Client = &esi.Client{
		BaseURL:    cfg.ESI.BaseURL,
		UserAgent:  cfg.ESI.UserAgent,
		HTTPClient: httpClient,
		Catalog:    catalog,
		Budget:     rt.Gate,
		Logger:     logger.Named("esi"),
	}
	rt.Credentials = esi.NewStaticCredentials(cfg.Entities)

	extractor := &esi.LocationExtractor{Logger: logger.Named("locations")}
	rt.Scheduler = engine.NewScheduler(engine.Options{
		Catalog:     catalog,
		Gate:        rt.Throttle,
		Executor:    rt.Client,
		Credentials: rt.Credentials,
		Notifier:    rt.Batcher,
		RateLimit:   rt.Gate,
		OnResult:    extractor.OnResult,
		Tiers: engine.Tiers{
			Fast:   cfg.Scheduler.FastInterval,
			Medium: cfg.Scheduler.MediumInterval,
			Slow:   cfg.Scheduler.SlowInterval,
		},
		Logger: logger.Named("scheduler"),
	})

	rt.Resolver = resolver.New(resolver.Config{
		Lookup:      rt.Client.LocationLookup(),
		Credentials: rt.Credentials,
		Identities:  resolver.IdentityFunc(rt.Scheduler.Identities),
		Gate:        rt.Throttle,
		Notifier:    rt.Batcher,
		RateLimit:   rt.Gate,
		Logger:      logger.Named("resolver"),
		MaxAttempts: cfg.Resolver.MaxAttempts,
		NegativeTTL: cfg.Resolver.NegativeTTL,
		CacheTTL:    cfg.Resolver.CacheTTL,
		CacheSize:   cfg.Resolver.CacheSize,
	})
	extractor.Resolver = rt.Resolver

	rt.unsubscribe = append(rt.unsubscribe, rt.Batcher.Subscribe(rt.logBatch))
	if db != nil {
		rt.Persister = &engine.Persister{
			Store:  db,
			Source: rt.Scheduler,
			Logger: logger.Named("persist"),
		}
		rt.unsubscribe = append(rt.unsubscribe, rt.Batcher.Subscribe(rt.Persister.HandleBatch))
		rt.Scheduler.OnFastTick(rt.Persister.Tick)
	}

	return rt, nil
}

// registerEntities starts tracking the configured entities, applying any
// persisted last update times.
func (rt *engineRuntime) registerEntities(ctx context.Context, entities []config.EntityConfig) error {
	for _, entity := range entities {
		id := core.EntityID(entity.ID)

		var restored map[core.Endpoint]time.Time
		if rt.Store != nil {
			states, err := rt.Store.LoadMonitorStates(ctx, id)
			if err != nil {
				return fmt.Errorf("load state of %s: %w", id, err)
			}
			restored = store.RestoredTimes(states)
		}

		if err := rt.Scheduler.Register(engine.Registration{
			Entity:    id,
			Name:      entity.Name,
			Endpoints: entityEndpoints(entity),
			Restored:  restored,
		}); err != nil {
			return err
		}
	}
	return nil
}

// entityEndpoints normalises configured endpoint names. Empty means every
// enabled catalog endpoint.
func entityEndpoints(entity config.EntityConfig) []core.Endpoint {
	endpoints := make([]core.Endpoint, 0, len(entity.Endpoints))
	for _, name := range entity.Endpoints {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			endpoints = append(endpoints, core.Endpoint(name))
		}
	}
	return endpoints
}

// api exposes the runtime through the /v1 routes.
func (rt *engineRuntime) api() *handlers.API {
	api := &handlers.API{
		Engine:    rt.Scheduler,
		Throttle:  rt.Throttle,
		Lookups:   rt.Resolver,
		RateLimit: rt.Gate,
	}
	if rt.Store != nil {
		api.Store = rt.Store
	}
	return api
}

// start begins the tick loops.
func (rt *engineRuntime) start() {
	rt.Scheduler.Start()
}

// shutdown stops dispatching, writes the final state and drains the batcher.
func (rt *engineRuntime) shutdown(ctx context.Context) error {
	var errs []error
	if err := rt.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	rt.Resolver.Close()

	rt.Batcher.FlushNow()
	if rt.Persister != nil {
		if err := rt.Persister.FlushAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("persist monitor state: %w", err))
		}
	}
	for _, unsubscribe := range rt.unsubscribe {
		unsubscribe()
	}
	rt.Batcher.Close()
	return errors.Join(errs...)
}

func (rt *engineRuntime) logBatch(b core.Batch) {
	rt.logger.Debug("update batch",
		zap.String("kind", string(b.Kind)),
		zap.Int("entities", len(b.Entities)))
}

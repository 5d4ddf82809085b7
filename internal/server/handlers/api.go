package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/esisync/esisync/internal/core"
	"github.com/esisync/esisync/internal/core/engine"
	"github.com/esisync/esisync/internal/core/monitor"
	"github.com/esisync/esisync/internal/core/resolver"
	"github.com/esisync/esisync/internal/core/throttle"
	apperrors "github.com/esisync/esisync/internal/errors"
)

// Engine is the scheduler surface served by the API.
type Engine interface {
	Snapshots() []monitor.Snapshot
	Entity(entity core.EntityID) ([]monitor.Snapshot, bool)
	EntityName(entity core.EntityID) string
	ForceUpdate(entity core.EntityID, endpoint core.Endpoint) error
	Deregister(entity core.EntityID) bool
}

// ThrottleStats reports throttle occupancy.
type ThrottleStats interface {
	Stats() throttle.Stats
}

// PendingLookups lists in-flight resolver calls.
type PendingLookups interface {
	Pending() []resolver.Pending
}

// RateLimitStatus reports the global error-budget gate.
type RateLimitStatus interface {
	State() core.RateLimitState
	Exceeded() bool
}

// StateStore drops persisted state of deregistered entities.
type StateStore interface {
	DeleteMonitorStates(ctx context.Context, entity core.EntityID) (int64, error)
}

// API serves the /v1 engine routes. Nil dependencies answer 503.
type API struct {
	Engine    Engine
	Throttle  ThrottleStats
	Lookups   PendingLookups
	RateLimit RateLimitStatus
	Store     StateStore
}

// EntityResponse describes one tracked entity.
type EntityResponse struct {
	Entity   core.EntityID      `json:"entity_id"`
	Name     string             `json:"name,omitempty"`
	Monitors []monitor.Snapshot `json:"monitors"`
}

// MonitorsResponse lists every monitor.
type MonitorsResponse struct {
	Count    int                `json:"count"`
	Monitors []monitor.Snapshot `json:"monitors"`
}

// LookupsResponse lists in-flight lookups.
type LookupsResponse struct {
	Count   int                `json:"count"`
	Pending []resolver.Pending `json:"pending"`
}

// RateLimitResponse describes the global gate.
type RateLimitResponse struct {
	Exceeded        bool       `json:"exceeded"`
	ErrorsRemaining int        `json:"errors_remaining"`
	WindowReset     *time.Time `json:"window_reset,omitempty"`
	BackoffUntil    *time.Time `json:"backoff_until,omitempty"`
	Last429At       *time.Time `json:"last_429_at,omitempty"`
}

// RefreshResponse acknowledges a manual refresh.
type RefreshResponse struct {
	Entity   core.EntityID `json:"entity_id"`
	Endpoint core.Endpoint `json:"endpoint,omitempty"`
	Forced   bool          `json:"forced"`
}

// Routes mounts the API under r.
func (a *API) Routes(r chi.Router) {
	r.Get("/monitors", a.ListMonitors)
	r.Route("/entities/{id}", func(r chi.Router) {
		r.Get("/", a.GetEntity)
		r.Post("/refresh", a.RefreshEntity)
		r.Delete("/", a.DeleteEntity)
	})
	r.Get("/throttle", a.GetThrottle)
	r.Get("/lookups", a.ListLookups)
	r.Get("/ratelimit", a.GetRateLimit)
}

// ListMonitors handles GET /v1/monitors.
func (a *API) ListMonitors(w http.ResponseWriter, r *http.Request) {
	if !a.ready(w, r, a.Engine != nil) {
		return
	}
	snaps := a.Engine.Snapshots()
	writeJSON(w, http.StatusOK, MonitorsResponse{Count: len(snaps), Monitors: snaps})
}

// GetEntity handles GET /v1/entities/{id}.
func (a *API) GetEntity(w http.ResponseWriter, r *http.Request) {
	if !a.ready(w, r, a.Engine != nil) {
		return
	}
	entity, ok := entityParam(w, r)
	if !ok {
		return
	}
	snaps, found := a.Engine.Entity(entity)
	if !found {
		apperrors.RespondWithError(w, r, apperrors.WrapNotFound(r.Context(), engine.ErrUnknownEntity, "entity is not tracked"))
		return
	}
	writeJSON(w, http.StatusOK, EntityResponse{Entity: entity, Name: a.Engine.EntityName(entity), Monitors: snaps})
}

// RefreshEntity handles POST /v1/entities/{id}/refresh?endpoint=.
func (a *API) RefreshEntity(w http.ResponseWriter, r *http.Request) {
	if !a.ready(w, r, a.Engine != nil) {
		return
	}
	entity, ok := entityParam(w, r)
	if !ok {
		return
	}
	endpoint := core.Endpoint(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("endpoint"))))

	if err := a.Engine.ForceUpdate(entity, endpoint); err != nil {
		switch {
		case errors.Is(err, engine.ErrUnknownEntity):
			apperrors.RespondWithError(w, r, apperrors.WrapNotFound(r.Context(), err, "entity is not tracked"))
		case errors.Is(err, engine.ErrUnknownEndpoint):
			apperrors.RespondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "endpoint is not monitored for this entity"))
		default:
			apperrors.RespondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "refresh failed"))
		}
		return
	}
	writeJSON(w, http.StatusAccepted, RefreshResponse{Entity: entity, Endpoint: endpoint, Forced: true})
}

// DeleteEntity handles DELETE /v1/entities/{id}.
func (a *API) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	if !a.ready(w, r, a.Engine != nil) {
		return
	}
	entity, ok := entityParam(w, r)
	if !ok {
		return
	}
	if !a.Engine.Deregister(entity) {
		apperrors.RespondWithError(w, r, apperrors.WrapNotFound(r.Context(), engine.ErrUnknownEntity, "entity is not tracked"))
		return
	}
	if a.Store != nil {
		if _, err := a.Store.DeleteMonitorStates(r.Context(), entity); err != nil {
			apperrors.RespondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "entity stopped but persisted state was kept"))
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetThrottle handles GET /v1/throttle.
func (a *API) GetThrottle(w http.ResponseWriter, r *http.Request) {
	if !a.ready(w, r, a.Throttle != nil) {
		return
	}
	writeJSON(w, http.StatusOK, a.Throttle.Stats())
}

// ListLookups handles GET /v1/lookups.
func (a *API) ListLookups(w http.ResponseWriter, r *http.Request) {
	if !a.ready(w, r, a.Lookups != nil) {
		return
	}
	pending := a.Lookups.Pending()
	writeJSON(w, http.StatusOK, LookupsResponse{Count: len(pending), Pending: pending})
}

// GetRateLimit handles GET /v1/ratelimit.
func (a *API) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	if !a.ready(w, r, a.RateLimit != nil) {
		return
	}
	state := a.RateLimit.State()
	resp := RateLimitResponse{
		Exceeded:        a.RateLimit.Exceeded(),
		ErrorsRemaining: state.ErrorsRemaining,
		BackoffUntil:    state.BackoffUntil,
		Last429At:       state.Last429At,
	}
	if !state.WindowReset.IsZero() {
		reset := state.WindowReset
		resp.WindowReset = &reset
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) ready(w http.ResponseWriter, r *http.Request, ok bool) bool {
	if a == nil || !ok {
		apperrors.RespondWithError(w, r, apperrors.NewServiceUnavailableError("engine is not running"))
		return false
	}
	return true
}

func entityParam(w http.ResponseWriter, r *http.Request) (core.EntityID, bool) {
	entity, err := core.ParseEntityID(chi.URLParam(r, "id"))
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "entity id must be a positive integer"))
		return 0, false
	}
	return entity, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

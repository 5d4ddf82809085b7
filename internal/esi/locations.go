package esi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/esisync/esisync/internal/core"
	"github.com/esisync/esisync/internal/core/resolver"
)

// Location id ranges of the remote universe.
const (
	stationMin   = 60000000
	stationMax   = 64000000
	structureMin = 1000000000000
)

var locationFields = []string{"location_id", "station_id", "structure_id", "start_location_id", "end_location_id"}

// Resolvable reports whether id names a station or structure.
func Resolvable(id int64) bool {
	return (id >= stationMin && id < stationMax) || id >= structureMin
}

type stationBody struct {
	Name     string `json:"name"`
	SystemID int64  `json:"system_id"`
	TypeID   int64  `json:"type_id"`
	Owner    int64  `json:"owner"`
}

type structureBody struct {
	Name          string `json:"name"`
	SolarSystemID int64  `json:"solar_system_id"`
	TypeID        int64  `json:"type_id"`
	OwnerID       int64  `json:"owner_id"`
}

// LocationLookup returns a resolver lookup that fetches station and
// structure details. Structures require a token with docking access.
func (c *Client) LocationLookup() resolver.LookupFunc {
	return func(ctx context.Context, key string, creds core.Credentials) (*resolver.Lookup, error) {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil || !Resolvable(id) {
			return nil, core.NewRemoteError(core.KindNotFound, 0, fmt.Sprintf("location %q is not resolvable", key))
		}

		lookup := &resolver.Lookup{Key: key, ResolvedBy: creds.Entity, ResolvedAt: c.now().UTC()}
		if id < stationMax {
			resp, err := c.get(ctx, "/universe/stations/"+key+"/", 1, "")
			if err != nil {
				return nil, err
			}
			var body stationBody
			if err := json.Unmarshal(resp.body, &body); err != nil {
				return nil, core.NewRemoteError(core.KindTransient, resp.status, "decode station: "+err.Error())
			}
			lookup.Name, lookup.SystemID, lookup.TypeID, lookup.OwnerID = body.Name, body.SystemID, body.TypeID, body.Owner
			return lookup, nil
		}

		resp, err := c.get(ctx, "/universe/structures/"+key+"/", 1, creds.AccessToken)
		if err != nil {
			return nil, err
		}
		var body structureBody
		if err := json.Unmarshal(resp.body, &body); err != nil {
			return nil, core.NewRemoteError(core.KindTransient, resp.status, "decode structure: "+err.Error())
		}
		lookup.Name, lookup.SystemID, lookup.TypeID, lookup.OwnerID = body.Name, body.SolarSystemID, body.TypeID, body.OwnerID
		return lookup, nil
	}
}

// Resolver is the part of the resolver used by the extractor.
type Resolver interface {
	ResolveAsync(key string, requester core.EntityID) <-chan resolver.Outcome
}

// LocationExtractor hands the location ids found in endpoint payloads to
// the resolver. Lookups run in the background.
type LocationExtractor struct {
	Resolver Resolver
	Logger   *zap.Logger
}

// OnResult matches monitor.ResultHandler.
func (e *LocationExtractor) OnResult(_ context.Context, entity core.EntityID, spec core.EndpointSpec, result *core.Result) {
	if e == nil || e.Resolver == nil || result == nil || !spec.ResolvesLocations {
		return
	}
	ids := ExtractLocationIDs(result.Body)
	if len(ids) == 0 {
		return
	}

	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("resolving locations",
		zap.Stringer("entity_id", entity),
		zap.String("endpoint", string(spec.Name)),
		zap.Int("locations", len(ids)))

	for _, id := range ids {
		key := strconv.FormatInt(id, 10)
		outcome := e.Resolver.ResolveAsync(key, entity)
		go func() {
			res := <-outcome
			if res.Err != nil {
				logger.Debug("location lookup failed",
					zap.String("key", key),
					zap.String("kind", string(core.Classify(res.Err))),
					zap.Error(res.Err))
			}
		}()
	}
}

// ExtractLocationIDs walks a JSON payload and returns the distinct
// resolvable location ids it references, in ascending order.
func ExtractLocationIDs(body []byte) []int64 {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var doc any
	if err := decoder.Decode(&doc); err != nil {
		return nil
	}
	seen := map[int64]struct{}{}
	walkLocations(doc, seen)

	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func walkLocations(node any, seen map[int64]struct{}) {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			walkLocations(item, seen)
		}
	case map[string]any:
		for key, value := range v {
			if isLocationField(key) {
				if num, ok := value.(json.Number); ok {
					if id, err := num.Int64(); err == nil && Resolvable(id) {
						seen[id] = struct{}{}
					}
				}
				continue
			}
			walkLocations(value, seen)
		}
	}
}

func isLocationField(key string) bool {
	key = strings.ToLower(key)
	for _, field := range locationFields {
		if key == field {
			return true
		}
	}
	return false
}

package core

import (
	"sort"
	"strings"
	"time"
)

// Tier selects how often the scheduler re-evaluates a class of monitors.
type Tier string

const (
	TierFast   Tier = "fast"
	TierMedium Tier = "medium"
	TierSlow   Tier = "slow"
)

// EndpointSpec describes one endpoint of the remote API.
type EndpointSpec struct {
	Name              Endpoint      `json:"name"`
	Path              string        `json:"path"`
	CachePeriod       time.Duration `json:"cache_period"`
	Tier              Tier          `json:"tier"`
	QueryOnStartup    bool          `json:"query_on_startup"`
	Scope             string        `json:"scope,omitempty"`
	ResolvesLocations bool          `json:"resolves_locations,omitempty"`
}

// Built-in character endpoints.
const (
	EndpointSkills             Endpoint = "skills"
	EndpointSkillQueue         Endpoint = "skill_queue"
	EndpointAttributes         Endpoint = "attributes"
	EndpointImplants           Endpoint = "implants"
	EndpointLocation           Endpoint = "location"
	EndpointShip               Endpoint = "ship"
	EndpointWallet             Endpoint = "wallet"
	EndpointWalletJournal      Endpoint = "wallet_journal"
	EndpointWalletTransactions Endpoint = "wallet_transactions"
	EndpointAssets             Endpoint = "assets"
	EndpointMarketOrders       Endpoint = "market_orders"
	EndpointContracts          Endpoint = "contracts"
	EndpointIndustryJobs       Endpoint = "industry_jobs"
	EndpointMail               Endpoint = "mail"
	EndpointNotifications      Endpoint = "notifications"
	EndpointClones             Endpoint = "clones"
	EndpointStandings          Endpoint = "standings"
	EndpointPlanets            Endpoint = "planets"
)

// BuiltInEndpoints is the default endpoint catalog for a character.
var BuiltInEndpoints = []EndpointSpec{
	{Name: EndpointSkills, Path: "/characters/{id}/skills/", CachePeriod: 2 * time.Minute, Tier: TierMedium, QueryOnStartup: true, Scope: "esi-skills.read_skills.v1"},
	{Name: EndpointSkillQueue, Path: "/characters/{id}/skillqueue/", CachePeriod: 2 * time.Minute, Tier: TierMedium, QueryOnStartup: true, Scope: "esi-skills.read_skillqueue.v1"},
	{Name: EndpointAttributes, Path: "/characters/{id}/attributes/", CachePeriod: time.Hour, Tier: TierSlow, Scope: "esi-skills.read_skills.v1"},
	{Name: EndpointImplants, Path: "/characters/{id}/implants/", CachePeriod: 5 * time.Minute, Tier: TierSlow, Scope: "esi-clones.read_implants.v1"},
	{Name: EndpointLocation, Path: "/characters/{id}/location/", CachePeriod: 5 * time.Second, Tier: TierFast, Scope: "esi-location.read_location.v1", ResolvesLocations: true},
	{Name: EndpointShip, Path: "/characters/{id}/ship/", CachePeriod: 5 * time.Second, Tier: TierFast, Scope: "esi-location.read_ship_type.v1"},
	{Name: EndpointWallet, Path: "/characters/{id}/wallet/", CachePeriod: 2 * time.Minute, Tier: TierMedium, Scope: "esi-wallet.read_character_wallet.v1"},
	{Name: EndpointWalletJournal, Path: "/characters/{id}/wallet/journal/", CachePeriod: time.Hour, Tier: TierSlow, Scope: "esi-wallet.read_character_wallet.v1"},
	{Name: EndpointWalletTransactions, Path: "/characters/{id}/wallet/transactions/", CachePeriod: time.Hour, Tier: TierSlow, Scope: "esi-wallet.read_character_wallet.v1"},
	{Name: EndpointAssets, Path: "/characters/{id}/assets/", CachePeriod: time.Hour, Tier: TierSlow, QueryOnStartup: true, Scope: "esi-assets.read_assets.v1", ResolvesLocations: true},
	{Name: EndpointMarketOrders, Path: "/characters/{id}/orders/", CachePeriod: 20 * time.Minute, Tier: TierSlow, QueryOnStartup: true, Scope: "esi-markets.read_character_orders.v1", ResolvesLocations: true},
	{Name: EndpointContracts, Path: "/characters/{id}/contracts/", CachePeriod: 5 * time.Minute, Tier: TierSlow, Scope: "esi-contracts.read_character_contracts.v1", ResolvesLocations: true},
	{Name: EndpointIndustryJobs, Path: "/characters/{id}/industry/jobs/", CachePeriod: 5 * time.Minute, Tier: TierSlow, QueryOnStartup: true, Scope: "esi-industry.read_character_jobs.v1", ResolvesLocations: true},
	{Name: EndpointMail, Path: "/characters/{id}/mail/", CachePeriod: 30 * time.Second, Tier: TierMedium, Scope: "esi-mail.read_mail.v1"},
	{Name: EndpointNotifications, Path: "/characters/{id}/notifications/", CachePeriod: 10 * time.Minute, Tier: TierSlow, Scope: "esi-characters.read_notifications.v1"},
	{Name: EndpointClones, Path: "/characters/{id}/clones/", CachePeriod: 2 * time.Minute, Tier: TierSlow, Scope: "esi-clones.read_clones.v1", ResolvesLocations: true},
	{Name: EndpointStandings, Path: "/characters/{id}/standings/", CachePeriod: time.Hour, Tier: TierSlow, Scope: "esi-characters.read_standings.v1"},
	{Name: EndpointPlanets, Path: "/characters/{id}/planets/", CachePeriod: 10 * time.Minute, Tier: TierSlow, Scope: "esi-planets.manage_planets.v1"},
}

// EndpointOverride adjusts a built-in endpoint from configuration.
type EndpointOverride struct {
	CachePeriod    time.Duration `mapstructure:"cache_period"`
	QueryOnStartup *bool         `mapstructure:"query_on_startup"`
	Tier           string        `mapstructure:"tier"`
	Disabled       bool          `mapstructure:"disabled"`
}

// Catalog is an immutable lookup of endpoint specs.
type Catalog struct {
	specs map[Endpoint]EndpointSpec
}

// NewCatalog builds a catalog from specs, applying overrides keyed by endpoint name.
func NewCatalog(specs []EndpointSpec, overrides map[string]EndpointOverride) *Catalog {
	c := &Catalog{specs: make(map[Endpoint]EndpointSpec, len(specs))}
	for _, spec := range specs {
		c.specs[spec.Name] = spec
	}

	for name, override := range overrides {
		key := Endpoint(strings.ToLower(strings.TrimSpace(name)))
		spec, ok := c.specs[key]
		if !ok {
			continue
		}
		if override.Disabled {
			delete(c.specs, key)
			continue
		}
		if override.CachePeriod > 0 {
			spec.CachePeriod = override.CachePeriod
		}
		if override.QueryOnStartup != nil {
			spec.QueryOnStartup = *override.QueryOnStartup
		}
		switch Tier(strings.ToLower(strings.TrimSpace(override.Tier))) {
		case TierFast:
			spec.Tier = TierFast
		case TierMedium:
			spec.Tier = TierMedium
		case TierSlow:
			spec.Tier = TierSlow
		}
		c.specs[key] = spec
	}

	return c
}

// DefaultCatalog returns the built-in catalog without overrides.
func DefaultCatalog() *Catalog {
	return NewCatalog(BuiltInEndpoints, nil)
}

// Lookup finds an endpoint spec by name.
func (c *Catalog) Lookup(name Endpoint) (EndpointSpec, bool) {
	if c == nil {
		return EndpointSpec{}, false
	}
	spec, ok := c.specs[name]
	return spec, ok
}

// All returns every spec ordered by name.
func (c *Catalog) All() []EndpointSpec {
	if c == nil {
		return nil
	}
	out := make([]EndpointSpec, 0, len(c.specs))
	for _, spec := range c.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

package policy

import (
	"time"
)

// Registry is the static table of caching rules per resource category.
// It is pure configuration: loaded once at startup, never mutated.
type Registry struct {
	policies map[string]Policy
	fallback Policy
}

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			Resource:          "dashboard",
			MaxAge:            5 * time.Minute,
			StaleWindow:       30 * time.Minute,
			Strategy:          StrategyStaleWhileRevalidate,
			BackgroundRefresh: true,
			PerCallerScope:    true,
		},
		{
			Resource:          "results",
			MaxAge:            10 * time.Minute,
			StaleWindow:       1 * time.Hour,
			Strategy:          StrategyCacheFirst,
			BackgroundRefresh: true,
			PerCallerScope:    true,
		},
		{
			Resource:          "catalog",
			MaxAge:            1 * time.Hour,
			StaleWindow:       24 * time.Hour,
			Strategy:          StrategyCacheFirst,
			BackgroundRefresh: false,
			PerCallerScope:    false,
		},
		{
			Resource:          "messages",
			MaxAge:            1 * time.Minute,
			StaleWindow:       10 * time.Minute,
			Strategy:          StrategyNetworkFirst,
			BackgroundRefresh: true,
			PerCallerScope:    true,
		},
		{
			Resource:    "account",
			MaxAge:      0,
			StaleWindow: 0,
			Strategy:    StrategyNetworkOnly,
		},
	}
}

// NewRegistry builds a registry from the given policies. With no
// arguments it loads DefaultPolicies. Unknown resources fall back to a
// conservative network-first policy.
func NewRegistry(policies ...Policy) *Registry {
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	table := make(map[string]Policy, len(policies))
	for _, p := range policies {
		table[p.Resource] = p
	}
	return &Registry{
		policies: table,
		fallback: Policy{
			Resource:          "default",
			MaxAge:            5 * time.Minute,
			StaleWindow:       30 * time.Minute,
			Strategy:          StrategyNetworkFirst,
			BackgroundRefresh: true,
		},
	}
}

// Policy returns the rule for resource, or the fallback policy.
func (r *Registry) Policy(resource string) Policy {
	if p, ok := r.policies[resource]; ok {
		return p
	}
	return r.fallback
}

// ShouldCache decides whether caching applies to resource under the
// given device conditions.
func (r *Registry) ShouldCache(resource string, cond Conditions) bool {
	p := r.Policy(resource)

	// Offline: cached data is the only thing we can serve.
	if !cond.Online {
		return true
	}

	// Network-only data must never be served stale, even on a connection
	// too weak to fetch it.
	if p.Strategy == StrategyNetworkOnly {
		return false
	}

	// Critically low battery: only strategies that avoid waking the radio.
	if cond.BatteryLevel != BatteryUnknown && cond.BatteryLevel <= BatteryCritical {
		return p.Strategy == StrategyCacheFirst || p.Strategy == StrategyStaleWhileRevalidate
	}

	return true
}

// IsStaleButUsable reports whether an entry stored at storedAt is past
// its freshness window but still inside the stale-serve grace period.
func (r *Registry) IsStaleButUsable(storedAt time.Time, resource string) bool {
	return r.Policy(resource).Classify(storedAt, time.Now()) == Stale
}

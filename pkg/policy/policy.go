// Package policy holds the static caching rules per resource category and
// the device-condition gating that decides whether caching applies at all.
package policy

import (
	"time"
)

// Strategy selects how a cacheable resource is read.
type Strategy string

const (
	// StrategyCacheFirst serves cached data when present, hitting the
	// network only on a miss.
	StrategyCacheFirst Strategy = "cache-first"

	// StrategyNetworkFirst tries the network and falls back to cached
	// data, even expired data, when the network fails.
	StrategyNetworkFirst Strategy = "network-first"

	// StrategyStaleWhileRevalidate serves cached data immediately, even
	// stale, and refreshes it in the background.
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"

	// StrategyNetworkOnly never serves cached data. It exists for data
	// that must not be served stale.
	StrategyNetworkOnly Strategy = "network-only"
)

// Thresholds for condition-based policy decisions.
const (
	// BatteryCritical is the battery percentage below which strategies
	// that wake the radio are restricted.
	BatteryCritical = 15

	// BatteryUnknown marks an unreported battery level.
	BatteryUnknown = -1
)

// Quality classifies the current connection.
type Quality string

const (
	// QualityGood indicates a usable connection.
	QualityGood Quality = "good"

	// QualityPoor indicates a degraded connection.
	QualityPoor Quality = "poor"

	// QualityVeryPoor indicates a connection too weak for data that must
	// never be served stale.
	QualityVeryPoor Quality = "very_poor"

	// QualityUnknown indicates the host reported no connection quality.
	QualityUnknown Quality = "unknown"
)

// Conditions describes the device state relevant to caching decisions.
type Conditions struct {
	// Online reports whether the host believes connectivity exists.
	Online bool

	// BatteryLevel is the battery percentage, or BatteryUnknown.
	BatteryLevel int

	// ConnectionQuality is the host's connection classification.
	ConnectionQuality Quality
}

// AlwaysOnline is the default condition set when the host supplies none.
func AlwaysOnline() Conditions {
	return Conditions{
		Online:            true,
		BatteryLevel:      BatteryUnknown,
		ConnectionQuality: QualityUnknown,
	}
}

// Policy is the immutable caching rule for one resource category.
type Policy struct {
	// Resource is the category this policy applies to.
	Resource string

	// MaxAge is the freshness window: entries younger than this are
	// served without revalidation.
	MaxAge time.Duration

	// StaleWindow is the grace period after MaxAge during which entries
	// may still be served while a background refresh runs.
	StaleWindow time.Duration

	// Strategy selects the read path.
	Strategy Strategy

	// BackgroundRefresh enables revalidation when serving stale entries.
	BackgroundRefresh bool

	// PerCallerScope keys cache entries by caller identity, for resources
	// whose payload differs per user.
	PerCallerScope bool
}

// Freshness is the three-tier classification of a cached entry's age.
type Freshness int

const (
	// Fresh entries are served without any network activity.
	Fresh Freshness = iota

	// Stale entries are served immediately while a background refresh is
	// triggered.
	Stale

	// Expired entries must not be served without a fresh fetch.
	Expired
)

// String returns the freshness tier name.
func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "expired"
	}
}

// Classify applies the three-tier freshness rule to an entry stored at
// storedAt, evaluated at now.
func (p Policy) Classify(storedAt, now time.Time) Freshness {
	age := now.Sub(storedAt)
	switch {
	case age <= p.MaxAge:
		return Fresh
	case age <= p.MaxAge+p.StaleWindow:
		return Stale
	default:
		return Expired
	}
}

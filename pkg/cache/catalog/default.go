package catalog

import "time"

// DefaultTiers returns the tier table used by the dashboard deployment.
func DefaultTiers() map[Tier]TierConfig {
	return map[Tier]TierConfig{
		MarketData: {
			BaseTTL: 30 * time.Second, MinTTL: 5 * time.Second, MaxTTL: 2 * time.Minute,
			DependencyBonus: 5 * time.Second, FrequencyMultiplier: 1.0, CascadesInvalidation: true,
		},
		DerivedMetrics: {
			BaseTTL: time.Minute, MinTTL: 15 * time.Second, MaxTTL: 5 * time.Minute,
			DependencyBonus: 10 * time.Second, FrequencyMultiplier: 1.2, CascadesInvalidation: true,
		},
		ConfluenceScores: {
			BaseTTL: 45 * time.Second, MinTTL: 15 * time.Second, MaxTTL: 3 * time.Minute,
			DependencyBonus: 10 * time.Second, FrequencyMultiplier: 1.1, CascadesInvalidation: true,
		},
		UIComponents: {
			BaseTTL: 30 * time.Second, MinTTL: 10 * time.Second, MaxTTL: 2 * time.Minute,
			DependencyBonus: 5 * time.Second, FrequencyMultiplier: 0.8,
		},
		Alerts: {
			BaseTTL: 15 * time.Second, MinTTL: 5 * time.Second, MaxTTL: time.Minute,
			FrequencyMultiplier: 0.5,
		},
		Performance: {
			BaseTTL: 2 * time.Minute, MinTTL: 30 * time.Second, MaxTTL: 10 * time.Minute,
			DependencyBonus: 15 * time.Second, FrequencyMultiplier: 1.5,
		},
		Configuration: {
			BaseTTL: time.Hour, MinTTL: 5 * time.Minute, MaxTTL: 24 * time.Hour,
			FrequencyMultiplier: 2.0,
		},
	}
}

// DefaultPatterns returns the key patterns of the dashboard deployment.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Prefix: "market:overview", Tier: MarketData, TTL: 30 * time.Second, Dependents: []string{"dashboard:data", "mobile:overview"}},
		{Prefix: "market:ticker", Tier: MarketData, TTL: 15 * time.Second, Dependents: []string{"market:overview", "confluence:scores"}},
		{Prefix: "market:ohlcv", Tier: MarketData, TTL: time.Minute, Dependents: []string{"confluence:scores", "correlation:matrix"}},
		{Prefix: "market:orderbook", Tier: MarketData, TTL: 10 * time.Second},
		{Prefix: "market", Tier: MarketData, TTL: time.Minute},
		{Prefix: "symbols:top", Tier: Configuration, TTL: 5 * time.Minute, Dependents: []string{"dashboard:data"}},
		{Prefix: "confluence:scores", Tier: ConfluenceScores, TTL: 45 * time.Second, Dependents: []string{"dashboard:data", "signals:latest"}},
		{Prefix: "confluence:batch", Tier: ConfluenceScores, TTL: 45 * time.Second, Dependents: []string{"dashboard:data"}},
		{Prefix: "confluence", Tier: ConfluenceScores, TTL: time.Minute},
		{Prefix: "signals:latest", Tier: DerivedMetrics, TTL: 30 * time.Second, Dependents: []string{"alerts:active"}},
		{Prefix: "correlation:matrix", Tier: DerivedMetrics, TTL: 5 * time.Minute, Dependents: []string{"dashboard:data"}},
		{Prefix: "beta:chart", Tier: DerivedMetrics, TTL: 10 * time.Minute},
		{Prefix: "dashboard:data", Tier: UIComponents, TTL: 30 * time.Second},
		{Prefix: "dashboard:overview", Tier: UIComponents, TTL: 30 * time.Second},
		{Prefix: "dashboard", Tier: UIComponents, TTL: 30 * time.Second},
		{Prefix: "mobile:overview", Tier: UIComponents, TTL: 30 * time.Second},
		{Prefix: "alerts:active", Tier: Alerts, TTL: 15 * time.Second},
		{Prefix: "alerts", Tier: Alerts, TTL: 30 * time.Second},
		{Prefix: "performance:metrics", Tier: Performance, TTL: 2 * time.Minute},
		{Prefix: "config", Tier: Configuration, TTL: time.Hour},
	}
}

// Default returns the catalog used by the dashboard deployment.
func Default() *Catalog {
	return MustNew(DefaultTiers(), DefaultPatterns(), WithKnownPrefixes("health_check"))
}

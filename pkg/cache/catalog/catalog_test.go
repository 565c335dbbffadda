package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch_LongestPrefixWins(t *testing.T) {
	c := Default()

	tests := map[string]struct {
		key    string
		prefix string
		found  bool
	}{
		"specific pattern":           {key: "market:overview:v1:123", prefix: "market:overview", found: true},
		"falls back to generic":      {key: "market:funding:BTC:v1:1", prefix: "market", found: true},
		"exact prefix":               {key: "dashboard:data", prefix: "dashboard:data", found: true},
		"segment boundary respected": {key: "marketplace:x:v1", found: false},
		"unknown":                    {key: "foo:bar:baz", found: false},
		"empty":                      {key: "", found: false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			p, ok := c.Match(tc.key)
			require.Equal(t, tc.found, ok)
			if tc.found {
				assert.Equal(t, tc.prefix, p.Prefix)
			}
		})
	}
}

func TestMatch_OrderIndependentOfDeclaration(t *testing.T) {
	tiers := map[Tier]TierConfig{MarketData: {BaseTTL: time.Second, MinTTL: time.Second, MaxTTL: time.Minute}}

	// Generic pattern declared first must not shadow the specific one.
	c := MustNew(tiers, []Pattern{
		{Prefix: "market", Tier: MarketData, TTL: time.Minute},
		{Prefix: "market:overview", Tier: MarketData, TTL: 30 * time.Second},
	})

	p, ok := c.Match("market:overview:v1:9")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, p.TTL)
}

func TestNew_Rejects(t *testing.T) {
	tiers := map[Tier]TierConfig{MarketData: {MinTTL: time.Second, MaxTTL: time.Minute}}

	_, err := New(tiers, []Pattern{{Prefix: "", Tier: MarketData}})
	assert.Error(t, err)

	_, err = New(tiers, []Pattern{{Prefix: "a", Tier: Alerts}})
	assert.Error(t, err)

	_, err = New(tiers, []Pattern{{Prefix: "a", Tier: MarketData}, {Prefix: "a", Tier: MarketData}})
	assert.Error(t, err)

	_, err = New(map[Tier]TierConfig{MarketData: {MinTTL: time.Minute, MaxTTL: time.Second}}, nil)
	assert.Error(t, err)
}

func TestDependentTiers_DerivedFromPatterns(t *testing.T) {
	c := Default()

	deps := c.DependentTiers(MarketData)
	assert.Contains(t, deps, DerivedMetrics)
	assert.Contains(t, deps, ConfluenceScores)
	assert.Contains(t, deps, UIComponents)
	assert.NotContains(t, deps, MarketData)

	assert.Empty(t, c.DependentTiers(UIComponents))
}

func TestKnownPrefix(t *testing.T) {
	c := Default()
	for _, p := range []string{"market", "dashboard", "confluence", "symbols", "health_check"} {
		assert.True(t, c.KnownPrefix(p), p)
	}
	assert.False(t, c.KnownPrefix("unknown"))
}

func TestWithTier_CopiesCatalog(t *testing.T) {
	c := Default()
	override := TierConfig{BaseTTL: 10 * time.Second, MinTTL: time.Second, MaxTTL: 20 * time.Second}

	c2, err := c.WithTier(Alerts, override)
	require.NoError(t, err)

	got, _ := c2.Tier(Alerts)
	assert.Equal(t, override, got)

	orig, _ := c.Tier(Alerts)
	assert.Equal(t, 15*time.Second, orig.BaseTTL)
	assert.True(t, c2.KnownPrefix("health_check"))
}

func TestParseTier(t *testing.T) {
	for _, tier := range Tiers() {
		got, err := ParseTier(tier.String())
		require.NoError(t, err)
		assert.Equal(t, tier, got)
	}
	_, err := ParseTier("nope")
	assert.Error(t, err)
}

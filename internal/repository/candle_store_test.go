package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"MarketCache/internal/domain/models"
	pkgch "MarketCache/pkg/clickhouse"
)

func TestNewCHCandleStoreRejectsBadIdentifiers(t *testing.T) {
	for _, tc := range [][2]string{
		{"market", "candles; DROP TABLE x"},
		{"1market", "candles"},
		{"", "candles"},
	} {
		_, err := NewCHCandleStore(&pkgch.Client{}, tc[0], tc[1], nil)
		assert.Error(t, err, "%s.%s", tc[0], tc[1])
	}

	s, err := NewCHCandleStore(&pkgch.Client{}, "market", "candles", nil)
	assert.NoError(t, err)
	assert.Contains(t, s.Schema()[0], "CREATE TABLE IF NOT EXISTS market.candles")
}

func TestLatestQuery(t *testing.T) {
	q := latestQuery("market.candles")
	assert.Contains(t, q, "FROM market.candles FINAL")
	assert.Contains(t, q, "ORDER BY bucket DESC")
}

func TestReverse(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cs := []models.Candle{{Bucket: t0.Add(2 * time.Minute)}, {Bucket: t0.Add(time.Minute)}, {Bucket: t0}}
	reverse(cs)
	assert.Equal(t, t0, cs[0].Bucket)
	assert.Equal(t, t0.Add(2*time.Minute), cs[2].Bucket)
}

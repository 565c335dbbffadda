package models

import "time"

// Candle is one OHLCV bar.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Bucket    time.Time `json:"bucket"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Trade is a single execution from the market stream.
type Trade struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Ticker is the latest price snapshot of a symbol.
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Change    float64   `json:"change"` // fractional change over the lookback
	Volume    float64   `json:"volume"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarketOverview summarises the tracked symbols.
type MarketOverview struct {
	Tickers     []Ticker  `json:"tickers"`
	Advancers   int       `json:"advancers"`
	Decliners   int       `json:"decliners"`
	TotalVolume float64   `json:"total_volume"`
	GeneratedAt time.Time `json:"generated_at"`
}

// DashboardData is the payload of the main dashboard.
type DashboardData struct {
	Overview    MarketOverview `json:"overview"`
	TopSymbols  []Ticker       `json:"top_symbols"`
	GeneratedAt time.Time      `json:"generated_at"`
}

package models

// Requests of the cache HTTP API.

type WarmRequest struct {
	Keys     []string `json:"keys" validate:"required_without=Critical,max=500,dive,required"`
	Critical bool     `json:"critical"`
}

type InvalidateRequest struct {
	Pattern string `json:"pattern" validate:"required,max=256"`
	Mode    string `json:"mode" default:"pattern" validate:"oneof=pattern prefix"`
	Reason  string `json:"reason" validate:"max=128"`
}

type TTLRequest struct {
	Key             string `query:"key" validate:"required"`
	Frequency       string `query:"frequency" validate:"max=16"`
	DependencyLevel int    `query:"dependency_level" validate:"gte=0,lte=10"`
}

type CandlesRequest struct {
	Symbol    string `query:"symbol" validate:"required,max=32"`
	Timeframe string `query:"tf" default:"1m" validate:"oneof=1m 5m 15m 1h 4h 1d"`
	Limit     int    `query:"limit" default:"100" validate:"gte=1,lte=1000"`
}

type TopSymbolsRequest struct {
	Limit int `query:"limit" default:"10" validate:"gte=1,lte=100"`
}

package repository

import (
	"context"

	"MarketCache/internal/domain/models"
)

// MarketStream is a live trade feed.
type MarketStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan models.Trade, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// CandleStore reads historical candles.
type CandleStore interface {
	LatestCandles(ctx context.Context, symbol string, tf Timeframe, n int) ([]models.Candle, error)
	Health(ctx context.Context) error
}

// DashboardSource is an upstream that assembles dashboard payloads.
type DashboardSource interface {
	Dashboard(ctx context.Context) (*models.DashboardData, error)
	MarketOverview(ctx context.Context) (*models.MarketOverview, error)
}

// EventPublisher publishes to a topic of the message bus.
type EventPublisher interface {
	PublishMessage(ctx context.Context, topic string, payload interface{}) error
}

package finnhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"MarketCache/internal/domain/models"
	drepo "MarketCache/internal/domain/repository"
	"MarketCache/pkg/logger"
)

const tradeBuffer = 1024

// Config holds stream settings.
type Config struct {
	APIKey         string
	WebSocketURL   string
	Symbols        []string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
}

// Client is a MarketStream backed by the Finnhub trades websocket.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	l      *logger.Logger
	clock  clockwork.Clock

	mu        sync.Mutex // guards conn and writes
	conn      *websocket.Conn
	connected atomic.Bool
	dropped   atomic.Int64
}

var _ drepo.MarketStream = (*Client)(nil)

func New(cfg Config, l *logger.Logger, clock clockwork.Clock) *Client {
	if l == nil {
		l = logger.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &Client{cfg: cfg, dialer: websocket.DefaultDialer, l: l, clock: clock}
}

// Connect dials the websocket with the API token.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.cfg.WebSocketURL)
	if err != nil {
		return fmt.Errorf("finnhub url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.cfg.APIKey)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("finnhub connect: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	c.l.Info("finnhub connected", logger.Int("symbols", len(c.cfg.Symbols)))
	return nil
}

// Subscribe subscribes to the configured symbols.
func (c *Client) Subscribe(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.connected.Load() {
		return fmt.Errorf("finnhub not connected")
	}
	for _, s := range c.cfg.Symbols {
		msg := map[string]string{"type": "subscribe", "symbol": s}
		if err := c.conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("subscribe %s: %w", s, err)
		}
	}
	c.l.Debug("finnhub subscribed", logger.Strings("symbols", c.cfg.Symbols))
	return nil
}

type fhTrade struct {
	S string  `json:"s"`
	P float64 `json:"p"`
	V float64 `json:"v"`
	T int64   `json:"t"` // ms
}

type fhMessage struct {
	Type string    `json:"type"`
	Data []fhTrade `json:"data"`
}

// Read streams trades until the connection fails or ctx is done. Trades are
// dropped when the consumer falls behind. Both channels are closed on return.
func (c *Client) Read(ctx context.Context) (<-chan models.Trade, <-chan error) {
	trades := make(chan models.Trade, tradeBuffer)
	errs := make(chan error, 1)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		errs <- fmt.Errorf("finnhub not connected")
		close(trades)
		close(errs)
		return trades, errs
	}

	done := make(chan struct{})
	go c.keepAlive(ctx, conn, done)

	go func() {
		defer close(trades)
		defer close(errs)
		defer close(done)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				c.connected.Store(false)
				if ctx.Err() == nil {
					errs <- fmt.Errorf("finnhub read: %w", err)
				}
				return
			}
			for _, t := range parseTrades(b) {
				select {
				case trades <- t:
				default:
					c.dropped.Add(1)
				}
			}
		}
	}()
	return trades, errs
}

// keepAlive pings on an interval and closes conn when ctx ends so the read loop returns.
func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := c.clock.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.Chan():
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.mu.Unlock()
			if err != nil {
				c.l.Debug("finnhub ping failed", logger.Error(err))
			}
		}
	}
}

// Reconnect closes the connection, waits the reconnect delay, then connects and resubscribes.
func (c *Client) Reconnect(ctx context.Context) error {
	_ = c.Close()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(c.cfg.ReconnectDelay):
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.Subscribe(ctx)
}

func (c *Client) Close() error {
	c.connected.Store(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) IsConnected() bool { return c.connected.Load() }

// Dropped returns the number of trades discarded on backpressure.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// parseTrades decodes a trade frame; other frames yield nothing.
func parseTrades(b []byte) []models.Trade {
	var m fhMessage
	if err := json.Unmarshal(b, &m); err != nil || m.Type != "trade" {
		return nil
	}
	out := make([]models.Trade, 0, len(m.Data))
	for _, d := range m.Data {
		if d.S == "" || d.P <= 0 {
			continue
		}
		out = append(out, models.Trade{
			Symbol:    stripExchange(d.S),
			Price:     d.P,
			Volume:    d.V,
			Timestamp: time.UnixMilli(d.T).UTC(),
		})
	}
	return out
}

// stripExchange turns "BINANCE:BTCUSDT" into "BTCUSDT".
func stripExchange(s string) string {
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return s
}

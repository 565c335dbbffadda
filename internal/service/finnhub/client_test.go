package finnhub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarketCache/internal/domain/models"
)

func TestParseTrades(t *testing.T) {
	got := parseTrades([]byte(`{"type":"trade","data":[
		{"s":"BINANCE:BTCUSDT","p":64000.5,"v":0.01,"t":1741057200000},
		{"s":"","p":1,"v":1,"t":1},
		{"s":"ETHUSDT","p":0,"v":1,"t":1}
	]}`))
	require.Len(t, got, 1)
	assert.Equal(t, models.Trade{
		Symbol:    "BTCUSDT",
		Price:     64000.5,
		Volume:    0.01,
		Timestamp: time.Date(2025, 3, 4, 3, 0, 0, 0, time.UTC),
	}, got[0])

	assert.Empty(t, parseTrades([]byte(`{"type":"ping"}`)))
	assert.Empty(t, parseTrades([]byte(`not json`)))
}

func TestStreamEndToEnd(t *testing.T) {
	subscribed := make(chan string, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("token"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub map[string]string
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub["symbol"]
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"trade","data":[{"s":"BINANCE:BTCUSDT","p":64000.5,"v":0.5,"t":1741057200000}]}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := New(Config{
		APIKey:       "secret",
		WebSocketURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbols:      []string{"BINANCE:BTCUSDT"},
	}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Subscribe(ctx))
	assert.True(t, c.IsConnected())
	assert.Equal(t, "BINANCE:BTCUSDT", <-subscribed)

	readCtx, stop := context.WithCancel(ctx)
	trades, errs := c.Read(readCtx)

	select {
	case tr := <-trades:
		assert.Equal(t, "BTCUSDT", tr.Symbol)
		assert.Equal(t, 64000.5, tr.Price)
	case <-ctx.Done():
		t.Fatal("no trade received")
	}

	stop()
	for range trades {
	}
	for err := range errs {
		t.Fatalf("unexpected error after cancel: %v", err)
	}
	assert.False(t, c.IsConnected())
	_ = c.Close()
}

func TestReadWithoutConnection(t *testing.T) {
	c := New(Config{}, nil, nil)
	trades, errs := c.Read(context.Background())
	_, open := <-trades
	assert.False(t, open)
	assert.Error(t, <-errs)
	assert.Error(t, c.Subscribe(context.Background()))
}

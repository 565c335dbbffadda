package dashboard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xhttp "MarketCache/pkg/http"
)

func TestClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/dashboard":
			_, _ = w.Write([]byte(`{"overview":{"advancers":2},"top_symbols":[{"symbol":"BTCUSDT","price":64000}]}`))
		case "/v1/market/overview":
			_, _ = w.Write([]byte(`{"tickers":[{"symbol":"ETHUSDT","price":3100.5}],"decliners":1}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/v1", time.Second, nil)

	d, err := c.Dashboard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, d.Overview.Advancers)
	require.Len(t, d.TopSymbols, 1)
	assert.Equal(t, "BTCUSDT", d.TopSymbols[0].Symbol)

	o, err := c.MarketOverview(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, o.Decliners)
	assert.Equal(t, 3100.5, o.Tickers[0].Price)
}

func TestClientUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second, nil).Dashboard(context.Background())
	var se *xhttp.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Status)
}

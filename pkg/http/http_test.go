package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type warmRequest struct {
	Keys  []string `json:"keys" validate:"required,min=1,max=3"`
	Mode  string   `json:"mode" default:"manual" validate:"oneof=manual critical"`
	Limit int      `json:"limit" default:"10" validate:"gte=1,lte=100"`
}

func testRoutes() Handler {
	return HandlerFunc(func(e *echo.Echo) {
		e.POST("/warm", func(c echo.Context) error {
			var req warmRequest
			if errs := ReadAndValidateRequest(c, &req); errs != nil {
				return BadRequestResponse(c, errs)
			}
			return SuccessResponse(c, req)
		})
		e.GET("/missing", func(c echo.Context) error {
			return NotFoundErrorf("key %q not cached", c.QueryParam("key"))
		})
		e.GET("/boom", func(echo.Context) error {
			panic("handler bug")
		})
		e.GET("/opaque", func(echo.Context) error {
			return errors.New("opaque failure")
		})
	})
}

func serve(t *testing.T, s *Server, method, target, body string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	var resp APIResponse
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestReadAndValidateRequest(t *testing.T) {
	s := NewServer([]Handler{testRoutes()})

	rec, resp := serve(t, s, http.MethodPost, "/warm", `{"keys":["a","b"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "manual", data["mode"])
	assert.Equal(t, 10.0, data["limit"])

	rec, resp = serve(t, s, http.MethodPost, "/warm", `{"keys":[],"mode":"later","limit":500}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errs := resp.Data.([]any)
	require.Len(t, errs, 3)
	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.(map[string]any)["field"].(string))
	}
	assert.ElementsMatch(t, []string{"keys", "mode", "limit"}, fields)

	rec, resp = serve(t, s, http.MethodPost, "/warm", `{"keys":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ERR_BIND", resp.Data.([]any)[0].(map[string]any)["code"])
}

func TestErrorHandling(t *testing.T) {
	s := NewServer([]Handler{testRoutes()})

	rec, resp := serve(t, s, http.MethodGet, "/missing?key=k1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	appErr := resp.Data.([]any)[0].(map[string]any)
	assert.Equal(t, "ERR_NOT_FOUND", appErr["code"])
	assert.Equal(t, `key "k1" not cached`, appErr["message"])

	rec, _ = serve(t, s, http.MethodGet, "/boom", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec, resp = serve(t, s, http.MethodGet, "/opaque", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Something went wrong", resp.Data)

	rec, _ = serve(t, s, http.MethodGet, "/nowhere", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewServer([]Handler{testRoutes()},
		WithMetrics(reg, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	)

	serve(t, s, http.MethodGet, "/missing?key=a", "")
	serve(t, s, http.MethodGet, "/missing?key=b", "")

	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http_requests_total{method="GET",route="/missing",status="404"} 2`)

	n, err := testutil.GatherAndCount(reg, "http_request_duration_seconds")
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestCORS(t *testing.T) {
	s := NewServer([]Handler{testRoutes()}, WithCORS(true))

	req := httptest.NewRequest(http.MethodOptions, "/warm", nil)
	req.Header.Set(echo.HeaderOrigin, "https://dash.example")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	assert.Contains(t, rec.Header().Get(echo.HeaderAccessControlAllowMethods), http.MethodPost)
}

func TestClient(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/overview":
			assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
			assert.Equal(t, "token", r.Header.Get("X-Api-Key"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"price":64000.5}`))
		default:
			http.Error(w, "no such route", http.StatusNotFound)
		}
	}))
	defer upstream.Close()

	c := NewClient(WithBaseURL(upstream.URL+"/api"), WithHeader("X-Api-Key", "token"))

	var got struct {
		Price float64 `json:"price"`
	}
	err := c.GetJSON(context.Background(), "/overview", url.Values{"symbol": {"BTCUSDT"}}, &got)
	require.NoError(t, err)
	assert.Equal(t, 64000.5, got.Price)

	err = c.GetJSON(context.Background(), "missing", nil, &got)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Status)
	assert.Equal(t, "no such route", se.Body)
}

package api

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/echo/v4"

	"MarketCache/internal/domain/models"
	domrepo "MarketCache/internal/domain/repository"
	"MarketCache/internal/usecase"
	"MarketCache/pkg/cache/batch"
	"MarketCache/pkg/cache/ttl"
	"MarketCache/pkg/cache/warming"
	xhttp "MarketCache/pkg/http"
	applogger "MarketCache/pkg/logger"
)

const defaultHealthTimeout = 2 * time.Second

// CacheHandler exposes cache administration and the cached market resources.
type CacheHandler struct {
	ops     *batch.Operations
	ttls    *ttl.Strategy
	warm    *warming.Service
	bus     *usecase.InvalidationBus
	market  *usecase.MarketData
	watcher *usecase.PriceWatcher
	l       *applogger.Logger
}

var _ xhttp.Handler = (*CacheHandler)(nil)

func NewCacheHandler(
	ops *batch.Operations,
	ttls *ttl.Strategy,
	warm *warming.Service,
	bus *usecase.InvalidationBus,
	market *usecase.MarketData,
	l *applogger.Logger,
) *CacheHandler {
	if l == nil {
		l = applogger.Nop()
	}
	return &CacheHandler{ops: ops, ttls: ttls, warm: warm, bus: bus, market: market, l: l}
}

// SetPriceWatcher adds the watcher counters to the stats endpoint.
func (h *CacheHandler) SetPriceWatcher(w *usecase.PriceWatcher) { h.watcher = w }

func (h *CacheHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")

	g.GET("/cache/stats", h.Stats)
	g.GET("/cache/health", h.Health)
	g.POST("/cache/warm", h.Warm)
	g.POST("/cache/invalidate", h.Invalidate)
	g.GET("/cache/ttl", h.TTL)

	g.GET("/dashboard", h.Dashboard)
	g.GET("/market/overview", h.MarketOverview)
	g.GET("/market/candles", h.Candles)
	g.GET("/market/top", h.TopSymbols)
	g.GET("/market/ticker/:symbol", h.Ticker)
}

// Stats reports backend, TTL and warming counters. ?keys=a,b adds which of those keys are cached.
func (h *CacheHandler) Stats(c echo.Context) error {
	ctx := c.Request().Context()
	out := map[string]any{
		"cache":        h.ops.Stats(ctx),
		"ttl_patterns": h.ttls.TrackedPatterns(),
	}
	if keys := xhttp.QueryList(c, "keys"); len(keys) > 0 {
		found := h.ops.MultiGet(ctx, keys)
		cached := make(map[string]bool, len(keys))
		for _, k := range keys {
			_, cached[k] = found[k]
		}
		out["cached"] = cached
	}
	if h.warm != nil {
		out["warming"] = h.warm.Stats()
	}
	if h.watcher != nil {
		out["price_watcher"] = h.watcher.Stats()
	}
	return xhttp.SuccessResponse(c, out)
}

type healthResponse struct {
	batch.Health
	Sources map[string]string `json:"sources,omitempty"`
}

// Health round-trips a probe key. Origin failures are reported but do not make the cache unhealthy.
func (h *CacheHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), xhttp.QueryDuration(c, "timeout", defaultHealthTimeout))
	defer cancel()
	res := healthResponse{Health: h.ops.HealthCheck(ctx)}
	if h.market != nil {
		res.Sources = h.market.SourceHealth(ctx)
	}
	if res.Status == batch.StatusUnhealthy {
		h.l.Warn("cache health check failed", applogger.String("error", res.Error))
		return xhttp.ServiceUnavailableResponse(c, res)
	}
	return xhttp.SuccessResponse(c, res)
}

// Warm fetches the requested keys, the critical paths, or both.
func (h *CacheHandler) Warm(c echo.Context) error {
	var req models.WarmRequest
	if errs := xhttp.ReadAndValidateRequest(c, &req); errs != nil {
		return xhttp.BadRequestResponse(c, errs)
	}
	if h.warm == nil {
		return xhttp.UnavailableErrorf("cache warming is disabled")
	}
	ctx := c.Request().Context()

	results := map[string]bool{}
	if req.Critical {
		for k, ok := range h.warm.WarmCriticalPaths(ctx) {
			results[k] = ok
		}
	}
	if len(req.Keys) > 0 {
		for k, ok := range h.warm.ManualWarm(ctx, req.Keys) {
			results[k] = ok
		}
	}

	warmed := 0
	for _, ok := range results {
		if ok {
			warmed++
		}
	}
	h.l.Info("cache warm requested",
		applogger.Int("keys", len(results)),
		applogger.Int("warmed", warmed),
		applogger.Bool("critical", req.Critical),
	)
	return xhttp.SuccessResponse(c, map[string]any{
		"results": results,
		"warmed":  warmed,
		"failed":  len(results) - warmed,
	})
}

func (h *CacheHandler) Invalidate(c echo.Context) error {
	var req models.InvalidateRequest
	if errs := xhttp.ReadAndValidateRequest(c, &req); errs != nil {
		return xhttp.BadRequestResponse(c, errs)
	}

	n, err := h.bus.Invalidate(c.Request().Context(), req.Pattern, req.Mode, req.Reason)
	broadcast := true
	switch {
	case errors.Is(err, usecase.ErrBroadcast):
		broadcast = false
		h.l.Warn("invalidation applied locally only",
			applogger.String("pattern", req.Pattern),
			applogger.Error(err),
		)
	case err != nil:
		return xhttp.BadRequestErrorf("pattern", "%s", err.Error()).WithError(err)
	}
	return xhttp.SuccessResponse(c, map[string]any{
		"pattern":   req.Pattern,
		"mode":      req.Mode,
		"deleted":   n,
		"broadcast": broadcast,
	})
}

// TTL explains the TTL the strategy would assign to a key right now, optionally for
// data of a given update frequency sitting at a given dependency level.
func (h *CacheHandler) TTL(c echo.Context) error {
	var req models.TTLRequest
	if errs := xhttp.ReadAndValidateRequest(c, &req); errs != nil {
		return xhttp.BadRequestResponse(c, errs)
	}
	freq, err := ttl.ParseFrequency(req.Frequency)
	if err != nil {
		return xhttp.BadRequestErrorf("frequency", "%s", err.Error()).WithError(err)
	}

	current := h.ttls.TTL(req.Key, ttl.Hint{DependencyLevel: req.DependencyLevel, Frequency: freq})
	out := map[string]any{
		"key":              req.Key,
		"frequency":        freq.String(),
		"dependency_level": req.DependencyLevel,
		"tier":             h.ttls.Classify(req.Key).String(),
		"ttl_ms":           current.Milliseconds(),
		"cascade":          h.ttls.ShouldCascade(req.Key),
		"dependents":       h.ttls.DependentPrefixes(req.Key),
	}
	if p, ok := h.ttls.Pattern(req.Key); ok {
		out["access"] = map[string]any{
			"samples":     p.Samples,
			"hit_rate":    p.HitRate,
			"interval_ms": p.Interval.Milliseconds(),
			"last_access": p.LastAccess,
		}
		out["suggested_ttl_ms"] = h.ttls.Optimize(req.Key, current, p.HitRate).Milliseconds()
	}
	return xhttp.SuccessResponse(c, out)
}

func (h *CacheHandler) Dashboard(c echo.Context) error {
	d, err := h.market.Dashboard(c.Request().Context())
	if err != nil {
		return h.unavailable("dashboard", err)
	}
	return xhttp.SuccessResponse(c, d)
}

func (h *CacheHandler) MarketOverview(c echo.Context) error {
	o, err := h.market.MarketOverview(c.Request().Context())
	if err != nil {
		return h.unavailable("market overview", err)
	}
	return xhttp.SuccessResponse(c, o)
}

func (h *CacheHandler) Candles(c echo.Context) error {
	var req models.CandlesRequest
	if errs := xhttp.ReadAndValidateRequest(c, &req); errs != nil {
		return xhttp.BadRequestResponse(c, errs)
	}
	cs, err := h.market.Candles(c.Request().Context(), req.Symbol, domrepo.Timeframe(req.Timeframe), req.Limit)
	if err != nil {
		return h.unavailable("candles", err)
	}
	return xhttp.SuccessResponse(c, cs)
}

func (h *CacheHandler) TopSymbols(c echo.Context) error {
	var req models.TopSymbolsRequest
	if errs := xhttp.ReadAndValidateRequest(c, &req); errs != nil {
		return xhttp.BadRequestResponse(c, errs)
	}
	top, err := h.market.TopSymbols(c.Request().Context(), req.Limit)
	if err != nil {
		return h.unavailable("top symbols", err)
	}
	return xhttp.SuccessResponse(c, top)
}

func (h *CacheHandler) Ticker(c echo.Context) error {
	sym := c.Param("symbol")
	t, err := h.market.Ticker(c.Request().Context(), sym)
	if err != nil {
		return h.unavailable("ticker "+sym, err)
	}
	return xhttp.SuccessResponse(c, t)
}

func (h *CacheHandler) unavailable(what string, err error) error {
	h.l.Debug("resource unavailable", applogger.String("resource", what), applogger.Error(err))
	return xhttp.UnavailableErrorf("%s unavailable", what).WithError(err)
}

// Package dashboard fetches prebuilt dashboard payloads from the upstream analytics API.
package dashboard

import (
	"context"
	"fmt"
	"time"

	"MarketCache/internal/domain/models"
	xhttp "MarketCache/pkg/http"
	"MarketCache/pkg/logger"
)

const (
	dashboardPath = "/dashboard"
	overviewPath  = "/market/overview"
)

// Client implements repository.DashboardSource over HTTP.
type Client struct {
	http *xhttp.Client
	l    *logger.Logger
}

func New(baseURL string, timeout time.Duration, l *logger.Logger) *Client {
	if l == nil {
		l = logger.Nop()
	}
	return &Client{
		http: xhttp.NewClient(xhttp.WithBaseURL(baseURL), xhttp.WithTimeout(timeout)),
		l:    l,
	}
}

func (c *Client) Dashboard(ctx context.Context) (*models.DashboardData, error) {
	var out models.DashboardData
	if err := c.get(ctx, dashboardPath, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MarketOverview(ctx context.Context) (*models.MarketOverview, error) {
	var out models.MarketOverview
	if err := c.get(ctx, overviewPath, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	start := time.Now()
	if err := c.http.GetJSON(ctx, path, nil, dest); err != nil {
		c.l.Warn("dashboard upstream error",
			logger.String("path", path),
			logger.Duration("duration_ms", time.Since(start)),
			logger.Error(err),
		)
		return fmt.Errorf("dashboard %s: %w", path, err)
	}
	return nil
}

package http

import (
	"time"

	"github.com/labstack/echo/v4"

	"MarketCache/pkg/util"
)

// QueryDuration reads a duration query parameter ("30s" or seconds), falling back to def.
func QueryDuration(c echo.Context, name string, def time.Duration) time.Duration {
	return util.ParseDurationDefault(c.QueryParam(name), def)
}

// QueryList reads a comma separated query parameter.
func QueryList(c echo.Context, name string) []string {
	return util.SplitList(c.QueryParam(name))
}

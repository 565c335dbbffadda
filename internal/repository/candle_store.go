package repository

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"MarketCache/internal/domain/models"
	domrepo "MarketCache/internal/domain/repository"
	pkgch "MarketCache/pkg/clickhouse"
	"MarketCache/pkg/logger"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CHCandleStore reads candles from one ClickHouse table keyed by (symbol, timeframe, bucket).
type CHCandleStore struct {
	client *pkgch.Client
	db     *sql.DB
	table  string
	l      *logger.Logger
}

// NewCHCandleStore validates the identifiers and binds the store to database.table.
func NewCHCandleStore(ch *pkgch.Client, database, table string, l *logger.Logger) (*CHCandleStore, error) {
	if !identRe.MatchString(database) || !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid candle table %q.%q", database, table)
	}
	if l == nil {
		l = logger.Nop()
	}
	return &CHCandleStore{client: ch, db: ch.DB(), table: database + "." + table, l: l}, nil
}

// Schema returns the DDL creating the candle table.
func (s *CHCandleStore) Schema() []string {
	return []string{fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            symbol    LowCardinality(String),
            timeframe LowCardinality(String),
            bucket    DateTime,
            open      Float64,
            high      Float64,
            low       Float64,
            close     Float64,
            volume    Float64
        ) ENGINE = ReplacingMergeTree
        ORDER BY (symbol, timeframe, bucket)
    `, s.table)}
}

// Init creates the candle table if it is missing.
func (s *CHCandleStore) Init(ctx context.Context) error {
	return s.client.InitSchema(ctx, s.Schema())
}

// LatestCandles returns the n most recent candles in ascending bucket order.
func (s *CHCandleStore) LatestCandles(ctx context.Context, symbol string, tf domrepo.Timeframe, n int) ([]models.Candle, error) {
	if !domrepo.IsValidTimeframe(tf) {
		return nil, fmt.Errorf("unsupported timeframe: %s", tf)
	}
	if n <= 0 {
		return []models.Candle{}, nil
	}
	start := time.Now()

	rows, err := s.db.QueryContext(ctx, latestQuery(s.table), symbol, string(tf), n)
	if err != nil {
		s.l.Error("clickhouse latest_candles query error",
			logger.String("table", s.table),
			logger.String("symbol", symbol),
			logger.String("tf", string(tf)),
			logger.Error(err),
		)
		return nil, fmt.Errorf("latest candles: %w", err)
	}
	defer rows.Close()

	out := make([]models.Candle, 0, n)
	for rows.Next() {
		c := models.Candle{Timeframe: string(tf)}
		if err := rows.Scan(&c.Bucket, &c.Symbol, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	reverse(out)

	s.l.Debug("clickhouse latest_candles ok",
		logger.String("symbol", symbol),
		logger.String("tf", string(tf)),
		logger.Int("rows", len(out)),
		logger.Duration("duration_ms", time.Since(start)),
	)
	return out, nil
}

func (s *CHCandleStore) Health(ctx context.Context) error {
	return s.client.Health(ctx)
}

func latestQuery(table string) string {
	return fmt.Sprintf(`
        SELECT bucket, symbol, open, high, low, close, volume
        FROM %s FINAL
        WHERE symbol = ? AND timeframe = ?
        ORDER BY bucket DESC
        LIMIT ?
    `, table)
}

func reverse(cs []models.Candle) {
	for i, j := 0, len(cs)-1; i < j; i, j = i+1, j-1 {
		cs[i], cs[j] = cs[j], cs[i]
	}
}

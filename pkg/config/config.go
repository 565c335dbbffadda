package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"MarketCache/pkg/cache/catalog"
	"MarketCache/pkg/util"
)

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"oneof=development staging production test"`
	Server      struct {
		InstanceID      string        `yaml:"instance_id"`
		Host            string        `yaml:"host" default:"0.0.0.0"`
		Port            int           `yaml:"port" default:"8080" validate:"min=1,max=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
		CORS            bool          `yaml:"cors"`
	} `yaml:"server"`
	Logger struct {
		Level            string        `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format           string        `yaml:"format" default:"json" validate:"oneof=json console"`
		Output           string        `yaml:"output" default:"stdout"`
		CollectErrors    bool          `yaml:"collect_errors"`
		CollectInterval  time.Duration `yaml:"collect_interval" default:"1m"`
		CollectThreshold int           `yaml:"collect_threshold" default:"100"`
	} `yaml:"logger"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	Cache struct {
		Backend           string                  `yaml:"backend" default:"memory" validate:"oneof=memory redis layered"`
		Capacity          int                     `yaml:"capacity" default:"1500" validate:"min=1"`
		DefaultTTL        time.Duration           `yaml:"default_ttl" default:"5m" validate:"gt=0"`
		CleanupInterval   time.Duration           `yaml:"cleanup_interval" default:"1m"`
		PromoteTTL        time.Duration           `yaml:"promote_ttl" default:"30s"`
		Version           string                  `yaml:"version" default:"v1" validate:"excludesall=:"`
		ReadTimeout       time.Duration           `yaml:"read_timeout" default:"2s" validate:"gt=0"`
		WriteTimeout      time.Duration           `yaml:"write_timeout" default:"2s" validate:"gt=0"`
		ComputeTimeout    time.Duration           `yaml:"compute_timeout" default:"10s" validate:"gt=0"`
		MaxConcurrency    int                     `yaml:"max_concurrency" default:"64" validate:"min=1"`
		DisableCoalescing bool                    `yaml:"disable_coalescing"`
		DegradedLatency   time.Duration           `yaml:"degraded_latency" default:"500ms"`
		Tiers             map[string]TierOverride `yaml:"tiers"`
	} `yaml:"cache"`
	TTL struct {
		MaxPatterns int           `yaml:"max_patterns" default:"10000" validate:"min=1"`
		Retention   time.Duration `yaml:"retention" default:"24h"`
	} `yaml:"ttl"`
	Warming struct {
		Enabled         bool          `yaml:"enabled"`
		WarmOnStart     bool          `yaml:"warm_on_start"`
		Interval        time.Duration `yaml:"interval" default:"30s" validate:"gt=0"`
		Window          time.Duration `yaml:"window" default:"5m"`
		MinWindow       time.Duration `yaml:"min_window" default:"1m" validate:"gt=0"`
		MaxWindow       time.Duration `yaml:"max_window" default:"15m" validate:"gtefield=MinWindow"`
		HotWindow       time.Duration `yaml:"hot_window" default:"1m"`
		MinImportance   float64       `yaml:"min_importance" default:"0.3" validate:"gte=0,lte=1"`
		MaxConcurrent   int           `yaml:"max_concurrent" default:"5" validate:"min=1"`
		TuneInterval    time.Duration `yaml:"tune_interval" default:"1h"`
		PruneInterval   time.Duration `yaml:"prune_interval" default:"10m"`
		Retention       time.Duration `yaml:"retention" default:"24h"`
		PeakLead        time.Duration `yaml:"peak_lead" default:"5s"`
		FetchTimeout    time.Duration `yaml:"fetch_timeout" default:"10s"`
		MaxPatterns     int           `yaml:"max_patterns" default:"10000" validate:"min=1"`
		HistorySize     int           `yaml:"history_size" default:"50" validate:"min=2"`
		CriticalSymbols []string      `yaml:"critical_symbols"`
	} `yaml:"warming"`
	Redis struct {
		Addr         string        `yaml:"addr" default:"localhost:6379"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db" validate:"min=0"`
		PoolSize     int           `yaml:"pool_size" default:"20"`
		MinIdleConns int           `yaml:"min_idle_conns" default:"2"`
		PoolTimeout  time.Duration `yaml:"pool_timeout" default:"4s"`
		DialTimeout  time.Duration `yaml:"dial_timeout" default:"5s"`
		Prefix       string        `yaml:"prefix" default:"marketcache"`
	} `yaml:"redis"`
	Kafka struct {
		Enabled           bool     `yaml:"enabled"`
		Brokers           []string `yaml:"brokers" validate:"required_if=Enabled true"`
		InvalidationTopic string   `yaml:"invalidation_topic" default:"cache.invalidations"`
		LogTopic          string   `yaml:"log_topic" default:"cache.logs"`
		Producer          struct {
			RequiredAcks int           `yaml:"required_acks" default:"-1"`
			Compression  string        `yaml:"compression" default:"snappy" validate:"oneof=gzip snappy lz4 zstd"`
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			BatchTimeout time.Duration `yaml:"batch_timeout" default:"50ms"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id" default:"marketcache"`
			Workers    int           `yaml:"workers" default:"2" validate:"min=1"`
			BufferSize int           `yaml:"buffer_size" default:"64"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"50ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
			DLQTopic   string        `yaml:"dlq_topic"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Enabled          bool          `yaml:"enabled"`
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"market"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		CandlesTable     string        `yaml:"candles_table" default:"candles"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
	} `yaml:"clickhouse"`
	Finnhub struct {
		Enabled        bool          `yaml:"enabled"`
		APIKey         string        `yaml:"api_key" validate:"required_if=Enabled true"`
		WebSocketURL   string        `yaml:"websocket_url" default:"wss://ws.finnhub.io"`
		Symbols        []string      `yaml:"symbols" validate:"required_if=Enabled true"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"5s"`
		PingInterval   time.Duration `yaml:"ping_interval" default:"30s"`
		PriceThreshold float64       `yaml:"price_threshold" default:"0.002" validate:"gt=0"`
	} `yaml:"finnhub"`
	Dashboard struct {
		URL       string        `yaml:"url" validate:"omitempty,url"`
		Timeout   time.Duration `yaml:"timeout" default:"5s"`
		Symbols   []string      `yaml:"symbols"`
		RateLimit struct {
			RPS   float64 `yaml:"rps" default:"10" validate:"gt=0"`
			Burst int     `yaml:"burst" default:"20" validate:"min=1"`
		} `yaml:"rate_limit"`
	} `yaml:"dashboard"`
}

// TierOverride replaces parts of a catalog tier. Zero fields keep the catalog value.
type TierOverride struct {
	BaseTTL             time.Duration `yaml:"base_ttl"`
	MinTTL              time.Duration `yaml:"min_ttl"`
	MaxTTL              time.Duration `yaml:"max_ttl"`
	FrequencyMultiplier float64       `yaml:"frequency_multiplier" validate:"gte=0"`
}

var validate = validator.New()

// Load reads a YAML configuration file, fills defaults and validates it.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML bytes, fills defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = util.ParseIntDefault(v, c.Server.Port)
	}
	if v := os.Getenv("INSTANCE_ID"); v != "" {
		c.Server.InstanceID = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = util.SplitList(v)
	}
	if v := os.Getenv("FINNHUB_API_KEY"); v != "" {
		c.Finnhub.APIKey = v
	}
	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Finnhub.Symbols = util.SplitList(v)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Validate checks struct tags and the tier override names.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	for name, o := range c.Cache.Tiers {
		if _, err := catalog.ParseTier(name); err != nil {
			return fmt.Errorf("cache.tiers: %w", err)
		}
		if o.MinTTL > 0 && o.MaxTTL > 0 && o.MinTTL > o.MaxTTL {
			return fmt.Errorf("cache.tiers.%s: min_ttl above max_ttl", name)
		}
	}
	return nil
}

// Catalog returns the default catalog with the configured tier overrides applied.
func (c *Config) Catalog() (*catalog.Catalog, error) {
	cat := catalog.Default()
	for name, o := range c.Cache.Tiers {
		tier, err := catalog.ParseTier(name)
		if err != nil {
			return nil, err
		}
		tc, _ := cat.Tier(tier)
		if o.BaseTTL > 0 {
			tc.BaseTTL = o.BaseTTL
		}
		if o.MinTTL > 0 {
			tc.MinTTL = o.MinTTL
		}
		if o.MaxTTL > 0 {
			tc.MaxTTL = o.MaxTTL
		}
		if o.FrequencyMultiplier > 0 {
			tc.FrequencyMultiplier = o.FrequencyMultiplier
		}
		if cat, err = cat.WithTier(tier, tc); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

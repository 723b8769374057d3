package statsengine

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"stats-servicev1/internal/model"
	"stats-servicev1/internal/retry"
	"stats-servicev1/internal/stats"
	"stats-servicev1/internal/store/postgres"
)

// Config holds all env-parsed configuration for the statistics engine
// service. Timeframes use Go duration strings ("5m", "15m", "1h") and
// double as stream key segments.
type Config struct {
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB"`

	PostgresHost     string `envconfig:"POSTGRES_DB_HOST" required:"true"`
	PostgresPort     int    `envconfig:"POSTGRES_DB_PORT" default:"5432"`
	PostgresName     string `envconfig:"POSTGRES_DB_NAME" required:"true"`
	PostgresUser     string `envconfig:"POSTGRES_DB_USER" required:"true"`
	PostgresPassword string `envconfig:"POSTGRES_DB_PASSWORD" required:"true"`
	PostgresSSLMode  string `envconfig:"POSTGRES_DB_SSL_MODE" default:"require"`

	ConsumerGroup string `envconfig:"CONSUMER_GROUP" default:"statsengine"`
	ConsumerName  string `envconfig:"CONSUMER_NAME" default:"worker-1"`

	Symbols    []string `envconfig:"SYMBOLS" required:"true"`
	Timeframes []string `envconfig:"TIMEFRAMES" default:"5m,15m,30m,1h"`

	// Pairs lists correlation/cointegration pairs as "A:B" entries,
	// e.g. "AAPL:SPY,MSFT:SPY".
	Pairs []string `envconfig:"PAIRS"`

	StatsEnabled []string `envconfig:"STATS_ENABLED" default:"zscore,correlation,cointegration"`

	WindowSize int           `envconfig:"WINDOW_SIZE" default:"100"`
	WindowSpan time.Duration `envconfig:"WINDOW_SPAN"` // 0 = count-bounded only

	MinPeriodsZScore        int `envconfig:"MIN_PERIODS_ZSCORE" default:"20"`
	MinPeriodsCorrelation   int `envconfig:"MIN_PERIODS_CORRELATION" default:"30"`
	MinPeriodsCointegration int `envconfig:"MIN_PERIODS_COINTEGRATION" default:"60"`
	CointLags               int `envconfig:"COINT_LAGS" default:"1"`

	RetryMaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"5"`
	RetryBackoff     time.Duration `envconfig:"RETRY_BACKOFF" default:"500ms"`
	RetryMaxBackoff  time.Duration `envconfig:"RETRY_MAX_BACKOFF" default:"10s"`

	// StaleAfterBars is the delivery gap, in bar periods, beyond which a
	// live window is considered stale and re-seeded from the archive.
	StaleAfterBars int `envconfig:"STALE_AFTER_BARS" default:"3"`

	DBTimeout   time.Duration `envconfig:"DB_TIMEOUT" default:"5s"`
	MetricsAddr string        `envconfig:"METRICS_ADDR" default:":9097"`

	PELReclaimInterval time.Duration `envconfig:"PEL_RECLAIM_INTERVAL" default:"30s"`
	PELMinIdle         time.Duration `envconfig:"PEL_MIN_IDLE" default:"60s"`
}

// LoadConfig reads .env (when present) and the environment, then
// validates the result.
func LoadConfig() (Config, error) {
	// .env is optional; production supplies real environment variables.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.WindowSize <= 0 && c.WindowSpan <= 0 {
		return fmt.Errorf("config: WINDOW_SIZE or WINDOW_SPAN must be set")
	}
	for _, tf := range c.Timeframes {
		if _, err := tfDuration(tf); err != nil {
			return fmt.Errorf("config: invalid timeframe %q: %w", tf, err)
		}
	}
	if c.MinPeriodsCointegration < c.MinPeriodsCorrelation {
		log.Printf("[statsengine] MIN_PERIODS_COINTEGRATION %d below MIN_PERIODS_CORRELATION %d, clamping up",
			c.MinPeriodsCointegration, c.MinPeriodsCorrelation)
		c.MinPeriodsCointegration = c.MinPeriodsCorrelation
	}
	return nil
}

// Postgres returns the connection settings for both durable stores.
func (c Config) Postgres() postgres.ConnConfig {
	return postgres.ConnConfig{
		Host:     c.PostgresHost,
		Port:     c.PostgresPort,
		Database: c.PostgresName,
		User:     c.PostgresUser,
		Password: c.PostgresPassword,
		SSLMode:  c.PostgresSSLMode,
	}
}

// RetryPolicy returns the bounded backoff policy for seeds and upserts.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.RetryMaxAttempts,
		Backoff:     c.RetryBackoff,
		MaxBackoff:  c.RetryMaxBackoff,
	}
}

// EngineConfig builds the statistics engine config from the enable list
// and minimum sample sizes.
func (c Config) EngineConfig() stats.Config {
	return stats.Config{
		ZScoreEnabled:           c.statEnabled(model.StatZScore),
		CorrelationEnabled:      c.statEnabled(model.StatCorrelation),
		CointegrationEnabled:    c.statEnabled(model.StatCointegration),
		MinPeriodsZScore:        c.MinPeriodsZScore,
		MinPeriodsCorrelation:   c.MinPeriodsCorrelation,
		MinPeriodsCointegration: c.MinPeriodsCointegration,
		CointLags:               c.CointLags,
	}
}

func (c Config) statEnabled(name string) bool {
	for _, s := range c.StatsEnabled {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return true
		}
	}
	return false
}

// ParsedPairs parses the PAIRS entries into ordered pair keys for every
// configured timeframe. Malformed and self-referential entries are
// skipped with a warning.
func (c Config) ParsedPairs() []model.PairKey {
	var pairs []model.PairKey
	for _, entry := range c.Pairs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" || parts[0] == parts[1] {
			log.Printf("[statsengine] skipping invalid pair entry: %q", entry)
			continue
		}
		for _, tf := range c.Timeframes {
			pairs = append(pairs, model.NewPairKey(parts[0], parts[1], tf))
		}
	}
	return pairs
}

// AllSymbols returns the configured symbols plus any pair members not
// already listed, preserving first-seen order.
func (c Config) AllSymbols() []string {
	seen := make(map[string]bool, len(c.Symbols))
	var out []string
	add := func(sym string) {
		sym = strings.TrimSpace(sym)
		if sym == "" || seen[sym] {
			return
		}
		seen[sym] = true
		out = append(out, sym)
	}
	for _, s := range c.Symbols {
		add(s)
	}
	for _, entry := range c.Pairs {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		if len(parts) == 2 {
			add(parts[0])
			add(parts[1])
		}
	}
	return out
}

// Streams returns the bar stream keys this consumer attaches to:
// one per (timeframe, symbol).
func (c Config) Streams() []string {
	symbols := c.AllSymbols()
	streams := make([]string, 0, len(symbols)*len(c.Timeframes))
	for _, tf := range c.Timeframes {
		for _, sym := range symbols {
			streams = append(streams, model.BarStream(sym, tf))
		}
	}
	return streams
}

// tfDuration parses a timeframe string like "5m" or "1h".
func tfDuration(tf string) (time.Duration, error) {
	d, err := time.ParseDuration(tf)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("non-positive duration")
	}
	return d, nil
}

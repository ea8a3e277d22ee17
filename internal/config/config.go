package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"crypto-tracker/internal/logger"
)

type Config struct {
	CoinGeckoAPIKey  string
	CoinGeckoBaseURL string
	NewsAPIKey       string
	NewsAPIBaseURL   string

	RedisURL    string
	DatabaseURL string

	FallbackSnapshotPath string

	MarketMinCoins    int
	MarketPageSize    int
	MarketMaxPages    int
	MarketPageDelayMS int
	LockWaitMS        int
	HTTPTimeoutSecs   int

	MarketRefreshSecs    int
	NewsRefreshSecs      int
	HistoryRetentionDays int
	SentimentEnabled     bool

	HTTPPort    int
	AdminAPIKey string

	RetryPolicyFile string
	RetryPolicies   map[string]RetryPolicy
}

const (
	DefaultCoinGeckoBaseURL = "https://api.coingecko.com/api/v3"
	DefaultNewsAPIBaseURL   = "https://newsapi.org/v2"
)

func Load() *Config {
	log := logger.GetLogger()

	cfg := &Config{
		CoinGeckoAPIKey:  strings.TrimSpace(os.Getenv("COINGECKO_API_KEY")),
		CoinGeckoBaseURL: strings.TrimSpace(os.Getenv("COINGECKO_BASE_URL")),
		NewsAPIKey:       strings.TrimSpace(os.Getenv("NEWSAPI_KEY")),
		NewsAPIBaseURL:   strings.TrimSpace(os.Getenv("NEWSAPI_BASE_URL")),
		RedisURL:         os.Getenv("REDIS_URL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		AdminAPIKey:      os.Getenv("ADMIN_API_KEY"),
		RetryPolicyFile:  strings.TrimSpace(os.Getenv("RETRY_POLICY_FILE")),
	}

	if cfg.CoinGeckoBaseURL == "" {
		cfg.CoinGeckoBaseURL = DefaultCoinGeckoBaseURL
	}
	if cfg.NewsAPIBaseURL == "" {
		cfg.NewsAPIBaseURL = DefaultNewsAPIBaseURL
	}
	if cfg.CoinGeckoAPIKey == "" {
		log.Warn("COINGECKO_API_KEY not set, using the public rate limit")
	}
	if cfg.NewsAPIKey == "" {
		log.Warn("NEWSAPI_KEY not set, news and sentiment will use fallbacks")
	}
	if cfg.RedisURL == "" {
		log.Warn("REDIS_URL not set, defaulting to localhost:6379")
		cfg.RedisURL = "localhost:6379"
	}
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, price history disabled")
	}

	cfg.FallbackSnapshotPath = strings.TrimSpace(os.Getenv("FALLBACK_SNAPSHOT_PATH"))
	if cfg.FallbackSnapshotPath == "" {
		cfg.FallbackSnapshotPath = "fallback_market_data.json"
	}

	cfg.MarketMinCoins = positiveInt("MARKET_MIN_COINS", 30)
	cfg.MarketPageSize = positiveInt("MARKET_PAGE_SIZE", 50)
	cfg.MarketMaxPages = positiveInt("MARKET_MAX_PAGES", 3)
	cfg.MarketPageDelayMS = nonNegativeInt("MARKET_PAGE_DELAY_MS", 1000)
	cfg.LockWaitMS = nonNegativeInt("LOCK_WAIT_MS", 2000)
	cfg.HTTPTimeoutSecs = positiveInt("HTTP_TIMEOUT_SECS", 30)
	cfg.MarketRefreshSecs = positiveInt("MARKET_REFRESH_SECS", 300)
	cfg.NewsRefreshSecs = positiveInt("NEWS_REFRESH_SECS", 1800)
	cfg.HistoryRetentionDays = nonNegativeInt("HISTORY_RETENTION_DAYS", 90)
	cfg.HTTPPort = positiveInt("HTTP_PORT", 8080)

	cfg.SentimentEnabled = true
	if v := strings.TrimSpace(os.Getenv("SENTIMENT_ENABLED")); v != "" {
		cfg.SentimentEnabled = !strings.EqualFold(v, "false")
	}

	cfg.RetryPolicies = DefaultRetryPolicies()
	if cfg.RetryPolicyFile != "" {
		policies, err := LoadRetryPolicies(cfg.RetryPolicyFile)
		if err != nil {
			log.WithError(err).WithField("file", cfg.RetryPolicyFile).Warn("ignoring retry policy file")
		} else {
			cfg.RetryPolicies = policies
		}
	}

	return cfg
}

// HistoryRetention is zero when pruning is disabled.
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSecs) * time.Second
}

func (c *Config) PageDelay() time.Duration {
	return time.Duration(c.MarketPageDelayMS) * time.Millisecond
}

func (c *Config) LockWait() time.Duration {
	return time.Duration(c.LockWaitMS) * time.Millisecond
}

func positiveInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		logger.GetLogger().WithField("value", v).Warnf("invalid %s, defaulting to %d", key, def)
		return def
	}
	return n
}

func nonNegativeInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		logger.GetLogger().WithField("value", v).Warnf("invalid %s, defaulting to %d", key, def)
		return def
	}
	return n
}

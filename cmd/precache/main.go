package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"crypto-tracker/internal/cache"
	"crypto-tracker/internal/config"
	"crypto-tracker/internal/db"
	"crypto-tracker/internal/fallback"
	"crypto-tracker/internal/guard"
	"crypto-tracker/internal/logger"
	"crypto-tracker/internal/provider"
	"crypto-tracker/internal/sentiment"
	"crypto-tracker/internal/service"
	"crypto-tracker/pkg/tracing"
)

const serviceName = "crypto-tracker-precache"

type marketProvider interface {
	service.MarketProvider
	Ping(ctx context.Context) error
}

var (
	loadEnvFunc       = godotenv.Load
	loadConfigFunc    = config.Load
	initCacheFunc     = cache.New
	initPostgresFunc  = db.InitPostgres
	initTracerFunc    = tracing.InitTracer
	newMarketProvider = func(tracer trace.Tracer, cfg *config.Config) marketProvider {
		return provider.NewCoinGeckoProvider(tracer, provider.Config{
			BaseURL: cfg.CoinGeckoBaseURL,
			APIKey:  cfg.CoinGeckoAPIKey,
			Timeout: cfg.HTTPTimeout(),
		})
	}
	stdout   io.Writer = os.Stdout
	exitFunc           = os.Exit
)

type app struct {
	cfg     *config.Config
	log     logrus.FieldLogger
	store   cache.Store
	market  marketProvider
	service *service.MarketService
}

func main() {
	check := flag.Bool("check", false, "print a system check instead of warming the cache")
	verbose := flag.Bool("verbose", false, "include retry policies in the system check")
	flag.Parse()

	_ = loadEnvFunc()
	log := logger.GetLogger()
	cfg := loadConfigFunc()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	tp, tracer, err := initTracerFunc(ctx, serviceName)
	if err != nil {
		log.WithError(err).Error("failed to initialize tracer")
		exitFunc(1)
		return
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	store, client := initCacheFunc(ctx, cfg.RedisURL, log)
	if client != nil {
		defer client.Close()
	}
	a := newApp(cfg, log, tracer, store)

	var ok bool
	if *check {
		if err := initPostgresFunc(ctx, cfg.DatabaseURL, log); err != nil {
			log.WithError(err).Warn("postgres unavailable")
		}
		defer db.Close()
		ok = a.systemCheck(ctx, stdout, *verbose)
	} else {
		ok = a.precache(ctx, stdout)
	}
	if !ok {
		exitFunc(1)
	}
}

func newApp(cfg *config.Config, log logrus.FieldLogger, tracer trace.Tracer, store cache.Store) *app {
	market := newMarketProvider(tracer, cfg)
	svc := service.NewMarketService(service.MarketServiceDeps{
		Tracer: tracer,
		Log:    log,
		Store:  store,
		Guard:  guard.New(store, log, tracer, guard.Options{LockWait: cfg.LockWait()}),
		Market: market,
		News: provider.NewNewsAPIProvider(tracer, provider.Config{
			BaseURL: cfg.NewsAPIBaseURL,
			APIKey:  cfg.NewsAPIKey,
			Timeout: cfg.HTTPTimeout(),
		}),
		Fallback: fallback.NewResolver(cfg.FallbackSnapshotPath, log),
		Analyzer: sentiment.NewAnalyzer(sentiment.NewVaderScorer()),
		Config:   service.MarketConfigFromConfig(cfg),
	})
	return &app{cfg: cfg, log: log, store: store, market: market, service: svc}
}

// precache forces a network fetch so the next server start finds a warm cache.
func (a *app) precache(ctx context.Context, w io.Writer) bool {
	fmt.Fprintln(w, "Pre-caching market data...")
	snapshot := a.service.FetchMarketData(ctx, true, a.service.MinCoins())
	if len(snapshot) == 0 || snapshot.IsFallback() {
		fmt.Fprintln(w, "Failed to cache market data")
		return false
	}
	fmt.Fprintf(w, "Successfully cached %d coins\n", len(snapshot))
	return true
}

// systemCheck reports false only when the cache is unusable.
func (a *app) systemCheck(ctx context.Context, w io.Writer, verbose bool) bool {
	fmt.Fprintln(w, "=== Crypto Tracker System Check ===")

	fmt.Fprintln(w, "\nConfiguration:")
	fmt.Fprintf(w, "  CoinGecko API key: %s\n", configured(a.cfg.CoinGeckoAPIKey, "not set (public rate limit)"))
	fmt.Fprintf(w, "  NewsAPI key: %s\n", configured(a.cfg.NewsAPIKey, "not set (news disabled)"))
	fmt.Fprintf(w, "  Admin API key: %s\n", configured(a.cfg.AdminAPIKey, "not set (admin routes open)"))
	fmt.Fprintf(w, "  Fallback snapshot: %s\n", a.cfg.FallbackSnapshotPath)
	if verbose {
		ops := make([]string, 0, len(a.cfg.RetryPolicies))
		for op := range a.cfg.RetryPolicies {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		for _, op := range ops {
			p := a.cfg.RetryPolicies[op]
			fmt.Fprintf(w, "  Retry %s: max=%d base=%s x%g\n", op, p.MaxRetries, p.BaseDelay(), p.BackoffMultiplier)
		}
	}

	healthy := true
	fmt.Fprintln(w, "\nCache:")
	if err := cache.RoundTrip(ctx, a.store); err != nil {
		healthy = false
		fmt.Fprintf(w, "  ✗ Cache error: %v\n", err)
	} else {
		fmt.Fprintf(w, "  ✓ %s cache working\n", cache.Kind(a.store))
	}

	fmt.Fprintln(w, "\nDatabase:")
	if db.Pool == nil {
		fmt.Fprintln(w, "  - Price history not configured")
	} else if err := db.Pool.Ping(ctx); err != nil {
		fmt.Fprintf(w, "  ✗ Database error: %v\n", err)
	} else {
		fmt.Fprintln(w, "  ✓ PostgreSQL database connected")
	}

	fmt.Fprintln(w, "\nAPI Connectivity:")
	if err := a.market.Ping(ctx); err != nil {
		fmt.Fprintf(w, "  ⚠ CoinGecko API unreachable: %v\n", err)
	} else {
		fmt.Fprintln(w, "  ✓ CoinGecko API accessible")
	}

	fmt.Fprintln(w, "\nRate-limit guard:")
	states, err := a.service.GuardStates(ctx)
	if err != nil {
		fmt.Fprintf(w, "  ✗ Guard state unavailable: %v\n", err)
		return healthy
	}
	for _, st := range states {
		line := "  " + st.Operation + ":"
		if st.RateLimited && st.BlockedUntil != nil {
			line += " rate limited until " + st.BlockedUntil.UTC().Format(time.RFC3339)
		} else {
			line += " ok"
		}
		if st.Locked {
			line += ", fetch in progress"
		}
		if st.CachedAt != nil {
			line += ", cached at " + st.CachedAt.Format(time.RFC3339)
		}
		fmt.Fprintln(w, line)
	}
	return healthy
}

func configured(v, missing string) string {
	if v == "" {
		return missing
	}
	return "configured"
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	"crypto-tracker/internal/cache"
	"crypto-tracker/internal/config"
	"crypto-tracker/internal/db"
	"crypto-tracker/internal/fallback"
	"crypto-tracker/internal/guard"
	"crypto-tracker/internal/handler"
	"crypto-tracker/internal/job"
	"crypto-tracker/internal/logger"
	"crypto-tracker/internal/provider"
	"crypto-tracker/internal/repository"
	"crypto-tracker/internal/sentiment"
	"crypto-tracker/internal/service"
	"crypto-tracker/internal/ticker"
	"crypto-tracker/pkg/tracing"

	_ "crypto-tracker/docs"
)

const serviceName = "crypto-tracker"

var (
	loadEnvFunc       = godotenv.Load
	loadConfigFunc    = config.Load
	initPostgresFunc  = db.InitPostgres
	initCacheFunc     = cache.New
	initTracerFunc    = tracing.InitTracer
	newMarketProvider = func(tracer trace.Tracer, cfg *config.Config) service.MarketProvider {
		return provider.NewCoinGeckoProvider(tracer, provider.Config{
			BaseURL: cfg.CoinGeckoBaseURL,
			APIKey:  cfg.CoinGeckoAPIKey,
			Timeout: cfg.HTTPTimeout(),
		})
	}
	newNewsProvider = func(tracer trace.Tracer, cfg *config.Config) service.NewsProvider {
		return provider.NewNewsAPIProvider(tracer, provider.Config{
			BaseURL: cfg.NewsAPIBaseURL,
			APIKey:  cfg.NewsAPIKey,
			Timeout: cfg.HTTPTimeout(),
		})
	}
	startSchedulerFunc     = func(s *job.RefreshScheduler, ctx context.Context) error { return s.Start(ctx) }
	newRouterFunc          = gin.Default
	setupSignalNotify      = signal.Notify
	waitForSignalFunc      = waitForSignal
	startHTTPServerFunc    = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFunc = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
	exitFunc               = os.Exit
)

// @title           Crypto Tracker API
// @version         1.0
// @description     Rate-limit aware crypto market data, news and sentiment.

// @host      localhost:8080
// @BasePath  /

// @securityDefinitions.apikey  ApiKeyAuth
// @in                          header
// @name                        X-API-Key
func main() {
	_ = loadEnvFunc()
	logger.Init()
	log := logger.GetLogger()

	if err := run(log); err != nil {
		log.WithError(err).Error("server exited with error")
		exitFunc(1)
	}
}

func run(log *logrus.Logger) error {
	cfg := loadConfigFunc()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, tracer, err := initTracerFunc(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("error shutting down tracer provider")
		}
	}()

	store, redisClient := initCacheFunc(ctx, cfg.RedisURL, log)
	defer closeRedis(redisClient, log)

	if err := initPostgresFunc(ctx, cfg.DatabaseURL, log); err != nil {
		log.WithError(err).Warn("postgres unavailable, price history disabled")
	}
	defer db.Close()

	g := guard.New(store, log, tracer, guard.Options{LockWait: cfg.LockWait()})
	marketService := service.NewMarketService(service.MarketServiceDeps{
		Tracer:   tracer,
		Log:      log,
		Store:    store,
		Guard:    g,
		Market:   newMarketProvider(tracer, cfg),
		News:     newNewsProvider(tracer, cfg),
		Fallback: fallback.NewResolver(cfg.FallbackSnapshotPath, log),
		Analyzer: newAnalyzer(cfg),
		Config:   service.MarketConfigFromConfig(cfg),
	})

	hub := ticker.NewHub(marketService, log)
	defer hub.Close()

	h := handler.New(tracer, log, marketService, store)
	h.SetTicker(hub)

	var history job.HistoryStore
	if db.Pool != nil {
		repo := repository.NewPriceHistoryRepository(db.Pool, tracer)
		history = repo
		h.SetHistory(repo)
		h.SetDatabase(db.Pool)
	}

	scheduler := job.NewRefreshScheduler(tracer, log, marketService, history, hub, job.RefreshConfig{
		MarketInterval: time.Duration(cfg.MarketRefreshSecs) * time.Second,
		NewsInterval:   time.Duration(cfg.NewsRefreshSecs) * time.Second,
		Retention:      cfg.HistoryRetention(),
	})
	if err := startSchedulerFunc(scheduler, ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Stop()

	r := newRouterFunc()
	r.Use(otelgin.Middleware(serviceName))
	h.RegisterRoutes(r, cfg.AdminAPIKey)
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("http server listening")
		if err := startHTTPServerFunc(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	if err := waitForSignalFunc(quit, serverErr); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info("shutting down server")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := shutdownHTTPServerFunc(srv, shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	select {
	case err := <-serverErr:
		return fmt.Errorf("listen: %w", err)
	default:
	}

	log.Info("server exiting")
	return nil
}

// waitForSignal blocks until a shutdown signal arrives or the listener fails.
func waitForSignal(quit <-chan os.Signal, serverErr <-chan error) error {
	select {
	case <-quit:
		return nil
	case err := <-serverErr:
		return err
	}
}

func newAnalyzer(cfg *config.Config) *sentiment.Analyzer {
	if !cfg.SentimentEnabled {
		return sentiment.NewAnalyzer(nil)
	}
	return sentiment.NewAnalyzer(sentiment.NewVaderScorer())
}

func closeRedis(client *redis.Client, log logrus.FieldLogger) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		log.WithError(err).Warn("error closing redis client")
	}
}

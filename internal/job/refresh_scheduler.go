package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"crypto-tracker/internal/domain"
	"crypto-tracker/internal/metrics"
)

const (
	JobMarket     = "market_refresh"
	JobNews       = "news_refresh"
	JobValidCoins = "valid_coins_refresh"
	JobPrune      = "history_prune"
)

type MarketRefresher interface {
	FetchMarketData(ctx context.Context, diagnostic bool, minCoins int) domain.MarketSnapshot
	FetchValidCoins(ctx context.Context) domain.CoinSet
	FetchNews(ctx context.Context) []domain.NewsArticle
	FetchSentiment(ctx context.Context) domain.SentimentResult
	MinCoins() int
}

type HistoryStore interface {
	RecordSnapshot(ctx context.Context, snapshot domain.MarketSnapshot, recordedAt time.Time) (int, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type SnapshotBroadcaster interface {
	Broadcast(snapshot domain.MarketSnapshot)
}

type RefreshConfig struct {
	MarketInterval     time.Duration
	NewsInterval       time.Duration
	ValidCoinsInterval time.Duration
	PruneInterval      time.Duration
	// Retention of zero disables pruning.
	Retention time.Duration
}

func (c RefreshConfig) withDefaults() RefreshConfig {
	if c.MarketInterval <= 0 {
		c.MarketInterval = 5 * time.Minute
	}
	if c.NewsInterval <= 0 {
		c.NewsInterval = 30 * time.Minute
	}
	if c.ValidCoinsInterval <= 0 {
		c.ValidCoinsInterval = 24 * time.Hour
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 24 * time.Hour
	}
	return c
}

type scheduledJob struct {
	name     string
	interval time.Duration
	run      func(context.Context)
}

// RefreshScheduler keeps the shared cache warm so request handlers rarely
// reach the providers themselves.
type RefreshScheduler struct {
	cron        *gocron.Scheduler
	tracer      trace.Tracer
	log         logrus.FieldLogger
	service     MarketRefresher
	history     HistoryStore
	broadcaster SnapshotBroadcaster
	cfg         RefreshConfig
	now         func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewRefreshScheduler accepts a nil history store or broadcaster.
func NewRefreshScheduler(tracer trace.Tracer, log logrus.FieldLogger, service MarketRefresher, history HistoryStore, broadcaster SnapshotBroadcaster, cfg RefreshConfig) *RefreshScheduler {
	return &RefreshScheduler{
		cron:        gocron.NewScheduler(time.UTC),
		tracer:      tracer,
		log:         log.WithField("component", "refresh_scheduler"),
		service:     service,
		history:     history,
		broadcaster: broadcaster,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
	}
}

// Start registers every job and runs them once immediately. Jobs stop when
// ctx is cancelled or Stop is called.
func (s *RefreshScheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	s.cron.SingletonModeAll()

	jobs := []scheduledJob{
		{JobMarket, s.cfg.MarketInterval, s.RefreshMarket},
		{JobNews, s.cfg.NewsInterval, s.RefreshNews},
		{JobValidCoins, s.cfg.ValidCoinsInterval, s.RefreshValidCoins},
	}
	if s.history != nil && s.cfg.Retention > 0 {
		jobs = append(jobs, scheduledJob{JobPrune, s.cfg.PruneInterval, s.PruneHistory})
	}

	for _, j := range jobs {
		run := j.run
		if _, err := s.cron.Every(j.interval).Tag(j.name).Do(func() { run(ctx) }); err != nil {
			cancel()
			s.cron.Clear()
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
		s.log.WithField("job", j.name).WithField("interval", j.interval.String()).Info("job scheduled")
	}

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.cron.StartAsync()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	return nil
}

func (s *RefreshScheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.cron.Stop()
	s.log.Info("refresh scheduler stopped")
}

// RefreshMarket fetches market data, records history and pushes the
// snapshot to ticker clients.
func (s *RefreshScheduler) RefreshMarket(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "job.refresh-market")
	defer span.End()

	snapshot := s.service.FetchMarketData(ctx, false, s.service.MinCoins())
	span.SetAttributes(attribute.Int("coins", len(snapshot)), attribute.Bool("fallback", snapshot.IsFallback()))

	status := "ok"
	if snapshot.IsFallback() {
		status = "fallback"
	}

	if s.history != nil && !snapshot.IsFallback() {
		inserted, err := s.history.RecordSnapshot(ctx, snapshot, s.now().UTC())
		if err != nil {
			status = "error"
			span.RecordError(err)
			s.log.WithError(err).Warn("failed to record price history")
		} else {
			s.log.WithField("inserted", inserted).Debug("price history recorded")
		}
	}

	if s.broadcaster != nil && len(snapshot) > 0 {
		s.broadcaster.Broadcast(snapshot)
	}
	metrics.JobRuns.WithLabelValues(JobMarket, status).Inc()
}

// RefreshNews warms news first so sentiment is computed from cached articles.
func (s *RefreshScheduler) RefreshNews(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "job.refresh-news")
	defer span.End()

	articles := s.service.FetchNews(ctx)
	result := s.service.FetchSentiment(ctx)
	span.SetAttributes(attribute.Int("articles", len(articles)), attribute.Float64("sentiment", result.Score))

	s.log.WithFields(logrus.Fields{
		"articles":  len(articles),
		"sentiment": result.Label,
	}).Debug("news refreshed")
	metrics.JobRuns.WithLabelValues(JobNews, "ok").Inc()
}

func (s *RefreshScheduler) RefreshValidCoins(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "job.refresh-valid-coins")
	defer span.End()

	coins := s.service.FetchValidCoins(ctx)
	span.SetAttributes(attribute.Int("coins", coins.Len()))
	metrics.JobRuns.WithLabelValues(JobValidCoins, "ok").Inc()
}

func (s *RefreshScheduler) PruneHistory(ctx context.Context) {
	if s.history == nil || s.cfg.Retention <= 0 {
		return
	}
	ctx, span := s.tracer.Start(ctx, "job.prune-history")
	defer span.End()

	cutoff := s.now().UTC().Add(-s.cfg.Retention)
	deleted, err := s.history.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		s.log.WithError(err).Warn("failed to prune price history")
		metrics.JobRuns.WithLabelValues(JobPrune, "error").Inc()
		return
	}
	s.log.WithField("deleted", deleted).WithField("cutoff", cutoff.Format(time.RFC3339)).Info("price history pruned")
	metrics.JobRuns.WithLabelValues(JobPrune, "ok").Inc()
}

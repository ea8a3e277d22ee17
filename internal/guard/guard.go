// Package guard wraps provider fetches with a shared rate-limit marker, an
// advisory per-operation lock and bounded retries, so callers always receive
// data: live, cached, or fallback.
package guard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"crypto-tracker/internal/cache"
	"crypto-tracker/internal/config"
	"crypto-tracker/internal/metrics"
)

const (
	DefaultLockTTL     = 120 * time.Second
	DefaultLockWait    = 2 * time.Second
	DefaultCacheTTL    = 2 * time.Hour
	DefaultCacheMaxAge = time.Hour

	markerGrace = 60 * time.Second
)

// ErrNoData signals that the provider answered but had nothing usable.
// It is not retried.
var ErrNoData = errors.New("no data available")

// HTTPError is implemented by provider errors that carry a response status.
type HTTPError interface {
	error
	HTTPStatus() int
	ResponseHeader() http.Header
}

type Policy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
}

func PolicyFromConfig(p config.RetryPolicy) Policy {
	return Policy{
		MaxRetries:        p.MaxRetries,
		BaseDelay:         p.BaseDelay(),
		BackoffMultiplier: p.BackoffMultiplier,
	}
}

// Backoff returns BaseDelay * BackoffMultiplier^attempt for a zero-based attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt)))
}

// Operation describes one guarded fetch. Fallback must not fail. Results for
// which Empty reports true are returned but not written to the cache.
type Operation[T any] struct {
	Name     string
	Policy   Policy
	Fetch    func(ctx context.Context) (T, error)
	Fallback func(ctx context.Context) T
	Empty    func(T) bool
}

type Options struct {
	LockTTL     time.Duration
	LockWait    time.Duration
	CacheTTL    time.Duration
	CacheMaxAge time.Duration
	Now         func() time.Time
	Sleep       func(ctx context.Context, d time.Duration) error
}

type Guard struct {
	store  cache.Store
	log    logrus.FieldLogger
	tracer trace.Tracer
	opts   Options
}

func New(store cache.Store, log logrus.FieldLogger, tracer trace.Tracer, opts Options) *Guard {
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.LockWait < 0 {
		opts.LockWait = 0
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.CacheMaxAge <= 0 {
		opts.CacheMaxAge = DefaultCacheMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Guard{store: store, log: log, tracer: tracer, opts: opts}
}

func RateLimitKey(op string) string { return "rate_limit:" + op }
func LockKey(op string) string      { return "lock:" + op }
func CacheKey(op string) string     { return op + "_cache" }

// Keys lists every cache key the guard maintains for op.
func Keys(op string) []string {
	return []string{RateLimitKey(op), LockKey(op), CacheKey(op), cache.TimestampKey(CacheKey(op))}
}

// Run executes op under the guard. It never returns an error: every failure
// resolves to the operation's cached result or its Fallback.
func Run[T any](ctx context.Context, g *Guard, op Operation[T]) T {
	ctx, span := g.tracer.Start(ctx, "guard."+op.Name)
	defer span.End()

	log := g.log.WithField("operation", op.Name)

	if until, ok := g.blockedUntil(ctx, op.Name); ok {
		wait := until.Sub(g.opts.Now())
		log.WithField("wait_seconds", wait.Seconds()).Warn("rate limited, serving cached data")
		g.record(op.Name, metrics.OutcomeRateLimited)
		span.SetAttributes(attribute.String("guard.outcome", metrics.OutcomeRateLimited))
		return cachedOrFallback(ctx, g, op, log)
	}

	token := uuid.NewString()
	acquired, err := g.store.SetNX(ctx, LockKey(op.Name), []byte(token), g.opts.LockTTL)
	if err != nil {
		log.WithError(err).Warn("lock unavailable, fetching without it")
	} else if !acquired {
		log.Info("fetch already in progress, serving cached data")
		g.record(op.Name, metrics.OutcomeLockContended)
		span.SetAttributes(attribute.String("guard.outcome", metrics.OutcomeLockContended))
		_ = g.opts.Sleep(ctx, g.opts.LockWait)
		return cachedOrFallback(ctx, g, op, log)
	}
	if acquired {
		defer g.release(op.Name, token, log)
	}

	attempts := op.Policy.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		alog := log.WithField("attempt", attempt+1)
		result, err := safeFetch(ctx, op.Fetch)
		if err == nil {
			g.onSuccess(ctx, op.Name, result, op.Empty != nil && op.Empty(result), alog)
			span.SetAttributes(attribute.String("guard.outcome", metrics.OutcomeNetwork))
			return result
		}
		span.RecordError(err)

		if ctx.Err() != nil {
			alog.WithError(err).Warn("request cancelled")
			break
		}

		wait, retry := g.classify(ctx, op.Name, op.Policy, attempt, err, alog)
		if !retry || attempt == attempts-1 {
			break
		}
		metrics.RetryWaitSeconds.WithLabelValues(op.Name).Observe(wait.Seconds())
		if err := g.opts.Sleep(ctx, wait); err != nil {
			alog.WithError(err).Warn("retry wait interrupted")
			break
		}
	}

	return cachedOrFallback(ctx, g, op, log)
}

// classify logs err and reports how long to wait before the next attempt and
// whether another attempt is allowed at all.
func (g *Guard) classify(ctx context.Context, name string, policy Policy, attempt int, err error, log logrus.FieldLogger) (time.Duration, bool) {
	if errors.Is(err, ErrNoData) {
		log.WithError(err).Warn("provider returned no usable data")
		return 0, false
	}

	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		status := httpErr.HTTPStatus()
		log = log.WithField("status", status)
		switch {
		case status == http.StatusTooManyRequests:
			now := g.opts.Now()
			wait := RetryWait(httpErr.ResponseHeader(), now, policy.BaseDelay)
			g.markRateLimited(ctx, name, now.Add(wait), wait, log)
			log.WithField("wait_seconds", wait.Seconds()).Warn("provider rate limit hit")
			return wait, true
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			log.WithError(err).Error("provider rejected credentials or quota, not retrying")
			return 0, false
		default:
			wait := policy.Backoff(attempt)
			log.WithError(err).WithField("wait_seconds", wait.Seconds()).Warn("provider error, backing off")
			return wait, true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		wait := policy.Backoff(attempt)
		log.WithError(err).WithField("wait_seconds", wait.Seconds()).Warn("network error, backing off")
		return wait, true
	}

	log.WithError(err).Error("unexpected fetch error, not retrying")
	return 0, false
}

func (g *Guard) onSuccess(ctx context.Context, name string, v any, skipCache bool, log logrus.FieldLogger) {
	g.record(name, metrics.OutcomeNetwork)
	if err := g.store.Delete(ctx, RateLimitKey(name)); err != nil {
		log.WithError(err).Warn("failed to clear rate limit marker")
	}
	if skipCache {
		return
	}
	if err := cache.WriteSnapshot(ctx, g.store, CacheKey(name), v, g.opts.CacheTTL, g.opts.Now()); err != nil {
		log.WithError(err).Warn("failed to cache fetch result")
	}
}

func (g *Guard) markRateLimited(ctx context.Context, name string, until time.Time, wait time.Duration, log logrus.FieldLogger) {
	value := strconv.FormatFloat(float64(until.UnixMilli())/1000, 'f', 3, 64)
	if err := g.store.Set(ctx, RateLimitKey(name), []byte(value), wait+markerGrace); err != nil {
		log.WithError(err).Warn("failed to record rate limit marker")
	}
}

func (g *Guard) blockedUntil(ctx context.Context, name string) (time.Time, bool) {
	raw, ok, err := g.store.Get(ctx, RateLimitKey(name))
	if err != nil {
		g.log.WithError(err).WithField("operation", name).Warn("failed to read rate limit marker")
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}
	until, err := parseEpoch(string(raw))
	if err != nil {
		return time.Time{}, false
	}
	return until, g.opts.Now().Before(until)
}

func (g *Guard) release(name, token string, log logrus.FieldLogger) {
	released, err := g.store.CompareAndDelete(context.Background(), LockKey(name), []byte(token))
	if err != nil {
		log.WithError(err).Error("failed to release lock")
		return
	}
	if !released {
		log.Warn("lock expired before release")
	}
}

func (g *Guard) record(name, outcome string) {
	metrics.FetchOutcomes.WithLabelValues(name, outcome).Inc()
}

func cachedOrFallback[T any](ctx context.Context, g *Guard, op Operation[T], log logrus.FieldLogger) T {
	var cached T
	state, err := cache.ReadSnapshot(ctx, g.store, CacheKey(op.Name), &cached, g.opts.CacheMaxAge, g.opts.Now())
	if err != nil {
		log.WithError(err).Warn("cached result unreadable")
	}
	switch state {
	case cache.Fresh:
		g.record(op.Name, metrics.OutcomeCache)
		return cached
	case cache.Stale:
		log.Warn("serving stale cached result")
		g.record(op.Name, metrics.OutcomeStaleCache)
		return cached
	}

	g.record(op.Name, metrics.OutcomeFallback)
	log.Warn("no cached result, using fallback")
	return op.Fallback(ctx)
}

func safeFetch[T any](ctx context.Context, fetch func(context.Context) (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panicked: %v", r)
		}
	}()
	return fetch(ctx)
}

// RetryWait computes the wait after a 429 as the largest of the
// X-RateLimit-Reset instant, Retry-After and base. Reset values above 1e9 are
// epoch seconds, smaller ones are relative. Retry-After may be delta-seconds
// or an HTTP date.
func RetryWait(h http.Header, now time.Time, base time.Duration) time.Duration {
	wait := base
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			var d time.Duration
			if f > 1e9 {
				d = time.UnixMilli(int64(f * 1000)).Sub(now)
			} else {
				d = time.Duration(f * float64(time.Second))
			}
			if d > wait {
				wait = d
			}
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		var d time.Duration
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d = time.Duration(f * float64(time.Second))
		} else if t, err := http.ParseTime(v); err == nil {
			d = t.Sub(now)
		}
		if d > wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

func parseEpoch(v string) (time.Time, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(f * 1000)), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

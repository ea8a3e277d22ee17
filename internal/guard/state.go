package guard

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"crypto-tracker/internal/cache"
	"crypto-tracker/internal/metrics"
)

// State is a point-in-time view of the guard's bookkeeping for one operation.
type State struct {
	Operation    string     `json:"operation"`
	RateLimited  bool       `json:"rate_limited"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	Locked       bool       `json:"locked"`
	CachedAt     *time.Time `json:"cached_at,omitempty"`
}

func (g *Guard) Snapshot(ctx context.Context, name string) (State, error) {
	state := State{Operation: name}

	if raw, ok, err := g.store.Get(ctx, RateLimitKey(name)); err != nil {
		return state, err
	} else if ok {
		if until, err := parseEpoch(string(raw)); err == nil {
			state.BlockedUntil = &until
			state.RateLimited = g.opts.Now().Before(until)
		}
	}

	_, locked, err := g.store.Get(ctx, LockKey(name))
	if err != nil {
		return state, err
	}
	state.Locked = locked

	raw, ok, err := g.store.Get(ctx, cache.TimestampKey(CacheKey(name)))
	if err != nil {
		return state, err
	}
	if ok {
		if ts, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			at := time.Unix(ts, 0).UTC()
			state.CachedAt = &at
		}
	}
	return state, nil
}

// Reset removes every key the guard keeps for name, including a held lock.
func (g *Guard) Reset(ctx context.Context, name string) error {
	for _, key := range Keys(name) {
		if err := g.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// NoteRateLimit records the rate-limit marker for name when err is a 429
// from a call made outside Run. It reports whether a marker was written.
func (g *Guard) NoteRateLimit(ctx context.Context, name string, policy Policy, err error) bool {
	var httpErr HTTPError
	if !errors.As(err, &httpErr) || httpErr.HTTPStatus() != http.StatusTooManyRequests {
		return false
	}
	now := g.opts.Now()
	wait := RetryWait(httpErr.ResponseHeader(), now, policy.BaseDelay)
	log := g.log.WithField("operation", name).WithField("wait_seconds", wait.Seconds())
	g.markRateLimited(ctx, name, now.Add(wait), wait, log)
	g.record(name, metrics.OutcomeRateLimited)
	log.Warn("provider rate limit hit outside guarded fetch")
	return true
}

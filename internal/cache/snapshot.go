package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

// Freshness classifies a cached snapshot relative to a maximum age.
type Freshness int

const (
	Missing Freshness = iota
	Stale
	Fresh
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "missing"
	}
}

// TimestampKey is the companion key holding a snapshot's write time.
func TimestampKey(key string) string {
	return key + "_timestamp"
}

// WriteSnapshot stores v as JSON under key together with its write time.
func WriteSnapshot(ctx context.Context, s Store, key string, v any, ttl time.Duration, now time.Time) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.Set(ctx, key, payload, ttl); err != nil {
		return err
	}
	return s.Set(ctx, TimestampKey(key), []byte(strconv.FormatInt(now.Unix(), 10)), ttl)
}

// ReadSnapshot decodes key into dst. A snapshot is Fresh only when its
// timestamp is younger than maxAge; a payload without a readable timestamp
// is Stale. dst is left untouched when Missing is returned.
func ReadSnapshot(ctx context.Context, s Store, key string, dst any, maxAge time.Duration, now time.Time) (Freshness, error) {
	payload, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return Missing, err
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return Missing, err
	}

	raw, ok, err := s.Get(ctx, TimestampKey(key))
	if err != nil || !ok {
		return Stale, nil
	}
	ts, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return Stale, nil
	}
	if now.Sub(time.Unix(ts, 0)) < maxAge {
		return Fresh, nil
	}
	return Stale, nil
}

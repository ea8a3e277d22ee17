package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const healthCheckTTL = 10 * time.Second

var ErrRoundTrip = errors.New("cache read/write failed")

// RoundTrip writes, reads back and deletes a check key.
func RoundTrip(ctx context.Context, s Store) error {
	key := "health_check_" + strconv.FormatInt(time.Now().UnixNano(), 10)
	want := []byte("ok")

	if err := s.Set(ctx, key, want, healthCheckTTL); err != nil {
		return fmt.Errorf("set check key: %w", err)
	}
	got, ok, err := s.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get check key: %w", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete check key: %w", err)
	}
	if !ok || string(got) != string(want) {
		return ErrRoundTrip
	}
	return nil
}

// Kind names the backend behind s.
func Kind(s Store) string {
	switch s.(type) {
	case *RedisStore:
		return "redis"
	case *MemoryStore:
		return "memory"
	default:
		return "custom"
	}
}

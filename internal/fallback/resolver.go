// Package fallback supplies last-known-good data once live fetches and the
// cache have nothing to offer.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"crypto-tracker/internal/domain"
)

// DefaultValidCoins is served when the coin catalog has never been fetched.
var DefaultValidCoins = []string{"bitcoin", "ethereum", "binancecoin", "cardano", "solana"}

type Resolver struct {
	path string
	log  logrus.FieldLogger
	mu   sync.Mutex
}

func NewResolver(snapshotPath string, log logrus.FieldLogger) *Resolver {
	return &Resolver{path: snapshotPath, log: log}
}

func (r *Resolver) SnapshotPath() string { return r.path }

// MarketData returns the persisted snapshot, or the emergency records when
// no usable snapshot exists. Emergency prices are NOT for trading.
func (r *Resolver) MarketData(_ context.Context) domain.MarketSnapshot {
	snapshot, err := r.LoadMarketData()
	if err == nil && len(snapshot) > 0 {
		r.log.WithField("coins", len(snapshot)).Info("loaded fallback market data from snapshot file")
		return snapshot
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		r.log.WithError(err).Warn("fallback snapshot unreadable")
	}
	r.log.WithField("severity", "critical").Error("USING EMERGENCY DEFAULT PRICES - NOT FOR TRADING")
	return EmergencyMarketData()
}

func (r *Resolver) News(_ context.Context) []domain.NewsArticle {
	return []domain.NewsArticle{}
}

func (r *Resolver) Sentiment(_ context.Context) domain.SentimentResult {
	return domain.NeutralSentiment()
}

func (r *Resolver) ValidCoins(_ context.Context) domain.CoinSet {
	return domain.NewCoinSet(DefaultValidCoins...)
}

// LoadMarketData reads the snapshot file.
func (r *Resolver) LoadMarketData() (domain.MarketSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, err
	}
	var snapshot domain.MarketSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snapshot, nil
}

// SaveMarketData replaces the snapshot file atomically. Empty and emergency
// snapshots are never persisted.
func (r *Resolver) SaveMarketData(snapshot domain.MarketSnapshot) error {
	if len(snapshot) == 0 || snapshot.IsFallback() {
		return nil
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

func EmergencyMarketData() domain.MarketSnapshot {
	rank := func(n int) *int { return &n }
	return domain.MarketSnapshot{
		"bitcoin": {
			Price:          decimal.NewFromInt(60000),
			MarketCapRank:  rank(1),
			Symbol:         "BTC",
			DisplayName:    "Bitcoin",
			LastUpdated:    domain.FallbackTimestamp,
			SentimentLabel: domain.SentimentNeutral,
		},
		"ethereum": {
			Price:          decimal.NewFromInt(2500),
			MarketCapRank:  rank(2),
			Symbol:         "ETH",
			DisplayName:    "Ethereum",
			LastUpdated:    domain.FallbackTimestamp,
			SentimentLabel: domain.SentimentNeutral,
		},
	}
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Operation names shared by the guard, cache keys and retry policies.
const (
	OpMarketData = "fetch_market_data"
	OpValidCoins = "fetch_valid_coins"
	OpNews       = "fetch_news"
	OpSentiment  = "fetch_sentiment"
)

type RetryPolicy struct {
	MaxRetries        int     `yaml:"max_retries"`
	BaseDelaySecs     float64 `yaml:"base_delay_secs"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

func (p RetryPolicy) BaseDelay() time.Duration {
	return time.Duration(p.BaseDelaySecs * float64(time.Second))
}

func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", p.MaxRetries)
	}
	if p.BaseDelaySecs < 0 {
		return fmt.Errorf("base_delay_secs must not be negative, got %v", p.BaseDelaySecs)
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1, got %v", p.BackoffMultiplier)
	}
	return nil
}

func DefaultRetryPolicies() map[string]RetryPolicy {
	return map[string]RetryPolicy{
		OpMarketData: {MaxRetries: 3, BaseDelaySecs: 60, BackoffMultiplier: 2},
		OpValidCoins: {MaxRetries: 2, BaseDelaySecs: 10, BackoffMultiplier: 2},
		OpNews:       {MaxRetries: 2, BaseDelaySecs: 10, BackoffMultiplier: 2},
		OpSentiment:  {MaxRetries: 2, BaseDelaySecs: 10, BackoffMultiplier: 2},
	}
}

type retryFile struct {
	Policies map[string]RetryPolicy `yaml:"policies"`
}

// LoadRetryPolicies overlays the policies in a YAML file onto the defaults.
// Unknown operations and invalid entries fail the whole file.
func LoadRetryPolicies(path string) (map[string]RetryPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read retry policy file: %w", err)
	}
	return ParseRetryPolicies(data)
}

func ParseRetryPolicies(data []byte) (map[string]RetryPolicy, error) {
	var file retryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse retry policy file: %w", err)
	}

	policies := DefaultRetryPolicies()
	for op, p := range file.Policies {
		if _, ok := policies[op]; !ok {
			return nil, fmt.Errorf("unknown operation %q", op)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %s: %w", op, err)
		}
		policies[op] = p
	}
	return policies, nil
}

package domain

import (
	"sort"

	"github.com/shopspring/decimal"
)

// DecimalPlaces is the fixed precision every numeric market field is rounded to.
const DecimalPlaces = 8

// FallbackTimestamp marks records that did not come from a live provider
// response. Such prices must never be used for trading decisions.
const FallbackTimestamp = "FALLBACK"

// CoinMarket is one normalized entry of a MarketSnapshot.
type CoinMarket struct {
	Price          decimal.Decimal `json:"price"`
	Change24h      decimal.Decimal `json:"change_24h"`
	Volume24h      decimal.Decimal `json:"volume_24h"`
	MarketCap      decimal.Decimal `json:"market_cap"`
	MarketCapRank  *int            `json:"market_cap_rank,omitempty"`
	Symbol         string          `json:"symbol"`
	DisplayName    string          `json:"display_name"`
	LastUpdated    string          `json:"last_updated"`
	SentimentLabel SentimentLabel  `json:"sentiment_label"`
}

// MarketSnapshot maps lowercase provider coin identifiers to their market record.
// Snapshots are replaced wholesale, never merged.
type MarketSnapshot map[string]CoinMarket

// IDs returns the coin identifiers in sorted order.
func (m MarketSnapshot) IDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsFallback reports whether any record carries the FALLBACK marker.
func (m MarketSnapshot) IsFallback() bool {
	for _, coin := range m {
		if coin.LastUpdated == FallbackTimestamp {
			return true
		}
	}
	return false
}

// RoundDecimal applies the snapshot's fixed precision.
func RoundDecimal(d decimal.Decimal) decimal.Decimal {
	return d.Round(DecimalPlaces)
}

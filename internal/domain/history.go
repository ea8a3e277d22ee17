package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricePoint is one recorded observation of a coin's market data.
type PricePoint struct {
	Cryptocurrency  string          `json:"cryptocurrency"`
	PriceUSD        decimal.Decimal `json:"price_usd"`
	Change24h       decimal.Decimal `json:"change_24h"`
	MarketCap       decimal.Decimal `json:"market_cap"`
	Volume24h       decimal.Decimal `json:"volume_24h"`
	SourceUpdatedAt time.Time       `json:"source_updated_at"`
	RecordedAt      time.Time       `json:"recorded_at"`
}

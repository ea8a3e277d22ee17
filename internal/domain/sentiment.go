package domain

import "math"

type SentimentLabel string

const (
	SentimentVeryNegative SentimentLabel = "Very Negative"
	SentimentNegative     SentimentLabel = "Negative"
	SentimentNeutral      SentimentLabel = "Neutral"
	SentimentPositive     SentimentLabel = "Positive"
	SentimentVeryPositive SentimentLabel = "Very Positive"
)

// NeutralScore is the score assigned when no usable text or analyzer exists.
const NeutralScore = 0.5

type SentimentResult struct {
	Score float64        `json:"score"`
	Label SentimentLabel `json:"label"`
}

// LabelForScore buckets a [0,1] score. Thresholds are strict lower bounds.
func LabelForScore(score float64) SentimentLabel {
	switch {
	case score > 0.65:
		return SentimentVeryPositive
	case score > 0.55:
		return SentimentPositive
	case score > 0.45:
		return SentimentNeutral
	case score > 0.35:
		return SentimentNegative
	default:
		return SentimentVeryNegative
	}
}

// NewSentimentResult rounds score to 3 decimals and labels it.
func NewSentimentResult(score float64) SentimentResult {
	rounded := RoundScore(score)
	return SentimentResult{Score: rounded, Label: LabelForScore(rounded)}
}

func NeutralSentiment() SentimentResult {
	return SentimentResult{Score: NeutralScore, Label: SentimentNeutral}
}

func RoundScore(score float64) float64 {
	return math.Round(score*1000) / 1000
}

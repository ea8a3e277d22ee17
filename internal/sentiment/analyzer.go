// Package sentiment scores free text into a bounded, labelled sentiment.
package sentiment

import (
	"strings"
	"unicode/utf8"

	"crypto-tracker/internal/domain"
)

// MinTextLength is the shortest text worth scoring.
const MinTextLength = 10

// PolarityScorer returns a compound polarity in [-1, 1].
type PolarityScorer interface {
	Polarity(text string) float64
}

type Analyzer struct {
	scorer PolarityScorer
}

// NewAnalyzer returns an analyzer backed by scorer. A nil scorer yields an
// analyzer that always reports neutral.
func NewAnalyzer(scorer PolarityScorer) *Analyzer {
	return &Analyzer{scorer: scorer}
}

func (a *Analyzer) Enabled() bool {
	return a != nil && a.scorer != nil
}

// Analyze rescales the scorer's compound polarity to [0, 1].
func (a *Analyzer) Analyze(text string) domain.SentimentResult {
	text = strings.TrimSpace(text)
	if !a.Enabled() || utf8.RuneCountInString(text) < MinTextLength {
		return domain.NeutralSentiment()
	}
	compound := clamp(a.scorer.Polarity(text), -1, 1)
	return domain.NewSentimentResult((compound + 1) / 2)
}

// Aggregate averages scores and re-buckets the mean. It reports false when
// there is nothing to average.
func Aggregate(results []domain.SentimentResult) (domain.SentimentResult, bool) {
	if len(results) == 0 {
		return domain.SentimentResult{}, false
	}
	var sum float64
	for _, r := range results {
		sum += r.Score
	}
	return domain.NewSentimentResult(sum / float64(len(results))), true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

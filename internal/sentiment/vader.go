package sentiment

import "github.com/jonreiter/govader"

// VaderScorer reports VADER's compound score.
type VaderScorer struct {
	analyzer *govader.SentimentIntensityAnalyzer
}

func NewVaderScorer() *VaderScorer {
	return &VaderScorer{analyzer: govader.NewSentimentIntensityAnalyzer()}
}

func (s *VaderScorer) Polarity(text string) float64 {
	return s.analyzer.PolarityScores(text).Compound
}

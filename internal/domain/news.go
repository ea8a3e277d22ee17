package domain

import "time"

// NewsArticle keeps the provider's reverse-chronological order.
type NewsArticle struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	URL         string          `json:"url"`
	PublishedAt time.Time       `json:"published_at"`
	Sentiment   SentimentResult `json:"sentiment"`
}

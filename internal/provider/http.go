package provider

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"crypto-tracker/internal/metrics"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

// Config holds what every provider client needs.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func doRequest(ctx context.Context, client *http.Client, provider, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(provider, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	metrics.ProviderRequests.WithLabelValues(provider, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       string(body),
		}
	}

	return io.ReadAll(resp.Body)
}

package provider

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrMissingAPIKey = errors.New("api key not configured")

// APIError is returned for any non-200 provider response.
type APIError struct {
	Provider   string
	StatusCode int
	Header     http.Header
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

func (e *APIError) HTTPStatus() int { return e.StatusCode }

func (e *APIError) ResponseHeader() http.Header {
	if e.Header == nil {
		return http.Header{}
	}
	return e.Header
}

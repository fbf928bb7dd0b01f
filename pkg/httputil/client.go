// Package httputil provides shared HTTP client utilities for the CRM adapters.
package httputil

import (
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const userAgent = "crmsync/1.0"

// NewRestyClient returns a resty client with the common settings used by every
// CRM adapter. Transport-level retries are disabled: a failed call surfaces as
// an error and the webhook queue owns retry and backoff.
func NewRestyClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", userAgent)

	client.OnError(func(req *resty.Request, err error) {
		log.Debug().Err(err).Str("method", req.Method).Str("url", req.URL).Msg("HTTP request failed")
	})
	return client
}

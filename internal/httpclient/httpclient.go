// Package httpclient provides the tuned HTTP transport and retry
// classification every provider adapter shares, so connection pooling
// and retry policy stay in one place instead of being reimplemented
// per provider.
package httpclient

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// NewTransport returns an http.Transport tuned for many short-lived
// requests against a handful of upstream hosts: a provider issuing one
// request per sensor or per model benefits from connection reuse far
// more than from any per-request tuning.
func NewTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,

		ForceAttemptHTTP2: true,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
}

// NewClient returns an *http.Client using NewTransport, with the given
// overall per-request timeout.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: NewTransport(),
		Timeout:   timeout,
	}
}

// RetryableError classifies a request failure as worth retrying or
// not, based on its HTTP status code (when known) and the error text
// otherwise.
type RetryableError struct {
	Err         error
	StatusCode  int
	ShouldRetry bool
}

func (e *RetryableError) Error() string {
	if e.ShouldRetry {
		return "retryable: " + e.Err.Error()
	}
	return "non-retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error { return e.Err }

var transientSubstrings = []string{
	"timeout", "connection refused", "connection reset", "EOF", "broken pipe", "no such host",
}

// Classify decides whether a failed request is worth retrying. 4xx
// responses other than 429 are permanent client errors; 429 and 5xx
// are worth retrying; a zero status code (no response at all) falls
// back to matching the error text against a list of known-transient
// network failures.
func Classify(err error, statusCode int) *RetryableError {
	if err == nil {
		return nil
	}
	if statusCode >= 400 && statusCode < 500 && statusCode != http.StatusTooManyRequests {
		return &RetryableError{Err: err, StatusCode: statusCode, ShouldRetry: false}
	}
	if statusCode == http.StatusTooManyRequests || statusCode >= 500 {
		return &RetryableError{Err: err, StatusCode: statusCode, ShouldRetry: true}
	}

	errStr := err.Error()
	for _, substr := range transientSubstrings {
		if strings.Contains(errStr, substr) {
			return &RetryableError{Err: err, StatusCode: statusCode, ShouldRetry: true}
		}
	}
	return &RetryableError{Err: err, StatusCode: statusCode, ShouldRetry: false}
}

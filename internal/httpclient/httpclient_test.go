package httpclient

import (
	"errors"
	"net/http"
	"testing"
)

func TestClassifyClientErrorNotRetryable(t *testing.T) {
	c := Classify(errors.New("bad request"), http.StatusBadRequest)
	if c.ShouldRetry {
		t.Fatalf("expected 400 to be non-retryable")
	}
}

func TestClassifyRateLimitedIsRetryable(t *testing.T) {
	c := Classify(errors.New("slow down"), http.StatusTooManyRequests)
	if !c.ShouldRetry {
		t.Fatalf("expected 429 to be retryable")
	}
}

func TestClassifyServerErrorIsRetryable(t *testing.T) {
	c := Classify(errors.New("oops"), http.StatusInternalServerError)
	if !c.ShouldRetry {
		t.Fatalf("expected 5xx to be retryable")
	}
}

func TestClassifyTransientNetworkErrorIsRetryable(t *testing.T) {
	c := Classify(errors.New("dial tcp: connection refused"), 0)
	if !c.ShouldRetry {
		t.Fatalf("expected a connection-refused error with no status to be retryable")
	}
}

func TestClassifyNilErrorReturnsNil(t *testing.T) {
	if Classify(nil, 0) != nil {
		t.Fatalf("expected nil for a nil error")
	}
}

// Package netutil holds HTTP helpers shared by outbound clients: a retrying
// transport for revocation and proof lookups, and a size-capped reader for
// request and response bodies.
package netutil

import (
	"net/http"
	"strconv"
	"time"
)

// RetryTransport retries idempotent requests on network errors and
// transient status codes with exponential backoff. Waiting honours the
// request context, so a caller's deadline bounds the whole exchange.
type RetryTransport struct {
	// Base defaults to http.DefaultTransport.
	Base http.RoundTripper

	// OnRetry is invoked before each retry with the 1-based attempt number.
	OnRetry func(attempt int, wait time.Duration, statusCode int)

	// MaxRetries is the number of additional attempts; zero disables retries.
	MaxRetries int

	// InitialBackoff defaults to 100ms, MaxBackoff to 2s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	initial := t.InitialBackoff
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	maxWait := t.MaxBackoff
	if maxWait <= 0 {
		maxWait = 2 * time.Second
	}

	for attempt := 0; ; attempt++ {
		attemptReq := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			attemptReq.Body = body
		}

		resp, err := base.RoundTrip(attemptReq)
		status := 0
		if err == nil {
			if !IsRetryableStatus(resp.StatusCode) {
				return resp, nil
			}
			status = resp.StatusCode
		}
		if attempt >= t.MaxRetries {
			return resp, err
		}

		wait := backoff(attempt, initial, maxWait, resp)
		if resp != nil {
			_ = resp.Body.Close()
		}
		if t.OnRetry != nil {
			t.OnRetry(attempt+1, wait, status)
		}

		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
}

func backoff(attempt int, initial, maxWait time.Duration, resp *http.Response) time.Duration {
	if resp != nil {
		if header := resp.Header.Get("Retry-After"); header != "" {
			if seconds, err := strconv.Atoi(header); err == nil {
				return min(time.Duration(seconds)*time.Second, maxWait)
			}
			if at, err := http.ParseTime(header); err == nil {
				return max(min(time.Until(at), maxWait), initial)
			}
		}
	}
	return min(initial<<attempt, maxWait)
}

// IsRetryableStatus reports whether statusCode signals a transient failure.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

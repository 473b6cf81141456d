package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"CredProof/internal/certs"
	"CredProof/internal/netutil"
)

const (
	maxStatusResponse = 64 << 10
	maxStatusAge      = 5 * time.Minute
)

// HTTPStatusChecker queries the status URL embedded in a certificate and
// only trusts answers signed by the chain root.
type HTTPStatusChecker struct {
	client *http.Client
	maxAge time.Duration
	now    func() time.Time
}

// NewHTTPStatusChecker returns a checker whose requests are bounded by
// timeout and retried up to retries times on transient failures.
func NewHTTPStatusChecker(timeout time.Duration, retries int) *HTTPStatusChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPStatusChecker{
		client: &http.Client{
			Timeout: timeout,
			Transport: &netutil.RetryTransport{
				MaxRetries:     retries,
				InitialBackoff: 50 * time.Millisecond,
				MaxBackoff:     timeout / 2,
			},
		},
		maxAge: maxStatusAge,
		now:    time.Now,
	}
}

// CheckStatus implements StatusChecker.
func (c *HTTPStatusChecker) CheckStatus(ctx context.Context, cert, issuer *certs.Certificate) (certs.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cert.StatusURL, nil)
	if err != nil {
		return certs.StatusUnknown, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return certs.StatusUnknown, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return certs.StatusUnknown, fmt.Errorf("status responder returned %d", resp.StatusCode)
	}

	body, err := netutil.ReadAll(resp.Body, maxStatusResponse)
	if err != nil {
		return certs.StatusUnknown, err
	}
	var status certs.StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return certs.StatusUnknown, fmt.Errorf("decode status response: %w", err)
	}
	if status.CertificateID != cert.ID {
		return certs.StatusUnknown, fmt.Errorf("status response for %s, expected %s", status.CertificateID, cert.ID)
	}
	if err := status.CheckSignatureFrom(issuer); err != nil {
		return certs.StatusUnknown, fmt.Errorf("status response signature: %w", err)
	}
	if !status.FreshAt(c.now(), c.maxAge) {
		return certs.StatusUnknown, fmt.Errorf("status response produced at %s is stale", status.ProducedAt.Format(time.RFC3339))
	}
	return status.Status, nil
}

// Package credproof is a Go client for the CredProof REST API.
package credproof

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"CredProof/internal/netutil"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// ProofReferenceHeader carries the proof reference on binary sign responses.
const ProofReferenceHeader = "X-Proof-Reference"

// Client wraps the HTTP interactions with the CredProof API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("credproof api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("credproof api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the CredProof API. When httpClient is
// nil, a default client retrying transient transport failures is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   DefaultHTTPTimeout,
			Transport: &netutil.RetryTransport{MaxRetries: 2},
		}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

type contentRequest struct {
	Content    []byte      `json:"content"`
	Assertions []Assertion `json:"assertions,omitempty"`
}

// Sign signs content and returns the signed bytes together with the manifest.
func (c *Client) Sign(ctx context.Context, content []byte, assertions ...Assertion) (SignResult, error) {
	var res SignResult
	if err := c.post(ctx, "/api/v1/sign", contentRequest{Content: content, Assertions: assertions}, &res); err != nil {
		return SignResult{}, err
	}
	return res, nil
}

// SignBinary uploads raw content and returns the signed bytes and the proof
// reference without the JSON envelope.
func (c *Client) SignBinary(ctx context.Context, content []byte) ([]byte, string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/sign", bytes.NewReader(content))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, "", parseError(resp)
	}
	signed, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}
	return signed, resp.Header.Get(ProofReferenceHeader), nil
}

// Verify assesses content and returns its trust score.
func (c *Client) Verify(ctx context.Context, content []byte) (VerifyResult, error) {
	var res VerifyResult
	if err := c.post(ctx, "/api/v1/verify", contentRequest{Content: content}, &res); err != nil {
		return VerifyResult{}, err
	}
	return res, nil
}

// Proof fetches a stored manifest by proof reference.
func (c *Client) Proof(ctx context.Context, ref string) (Manifest, error) {
	var m Manifest
	if err := c.get(ctx, "/api/v1/proofs/"+url.PathEscape(ref), &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Certificate fetches a certificate by id.
func (c *Client) Certificate(ctx context.Context, id string) (Certificate, error) {
	var cert Certificate
	if err := c.get(ctx, "/api/v1/certificates/"+url.PathEscape(id), &cert); err != nil {
		return Certificate{}, err
	}
	return cert, nil
}

// CertificateStatus queries the online revocation status of a certificate.
func (c *Client) CertificateStatus(ctx context.Context, id string) (CertificateStatus, error) {
	var status CertificateStatus
	if err := c.get(ctx, "/api/v1/certificates/"+url.PathEscape(id)+"/status", &status); err != nil {
		return CertificateStatus{}, err
	}
	return status, nil
}

// RevocationList fetches the current revocation list.
func (c *Client) RevocationList(ctx context.Context) (RevocationList, error) {
	var crl RevocationList
	if err := c.get(ctx, "/api/v1/crl", &crl); err != nil {
		return RevocationList{}, err
	}
	return crl, nil
}

// SubmitJob creates a batch verification job.
func (c *Client) SubmitJob(ctx context.Context, submission JobSubmission) (Job, error) {
	var job Job
	if err := c.post(ctx, "/api/v1/jobs", submission, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetJob fetches job details by identifier.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var job Job
	if err := c.get(ctx, "/api/v1/jobs/"+url.PathEscape(id), &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// ListJobs lists jobs matching filter.
func (c *Client) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	var out struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.get(ctx, "/api/v1/jobs"+filter.encode(), &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// JobStats returns job counts matching filter.
func (c *Client) JobStats(ctx context.Context, filter JobFilter) (JobStats, error) {
	var stats JobStats
	if err := c.get(ctx, "/api/v1/jobs/stats"+filter.encode(), &stats); err != nil {
		return JobStats{}, err
	}
	return stats, nil
}

// WaitForJob polls until the job finishes or ctx is done.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if job.Finished() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Health reports server health. A degraded server answers 503 with a body,
// which is returned alongside the error.
func (c *Client) Health(ctx context.Context) (Health, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return Health{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Health{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return Health{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return health, &APIError{StatusCode: resp.StatusCode, Message: "server " + health.Status}
	}
	return health, nil
}

func (f JobFilter) encode() string {
	values := url.Values{}
	if len(f.Statuses) > 0 {
		values.Set("status", strings.Join(f.Statuses, ","))
	}
	if len(f.ErrorCodes) > 0 {
		values.Set("error_code", strings.Join(f.ErrorCodes, ","))
	}
	if f.Query != "" {
		values.Set("q", f.Query)
	}
	if f.Limit > 0 {
		values.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		values.Set("offset", strconv.Itoa(f.Offset))
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rawPath, rawQuery, _ := strings.Cut(endpoint, "?")
	rel := &url.URL{Path: path.Join(c.baseURL.Path, rawPath), RawQuery: rawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseError(resp *http.Response) error {
	apiErr := APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &struct {
			Error *APIError `json:"error"`
		}{Error: &apiErr}); err != nil {
			// 兼容扁平结构的错误响应
			_ = json.Unmarshal(data, &apiErr)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return &apiErr
}

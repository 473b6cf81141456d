package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CredProof/internal/api"
	"CredProof/internal/api/apitest"
	"CredProof/internal/batchproof"
	"CredProof/internal/certs"
	"CredProof/internal/confidence"
	"CredProof/internal/container"
	"CredProof/internal/manifest"
	"CredProof/internal/task"
	"CredProof/internal/testutil"
)

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSignAndVerifyOverHTTP(t *testing.T) {
	stack := apitest.NewStack(t)
	image := testutil.JPEG(t, testutil.BlockImage(), 90)

	resp := postJSON(t, stack.URL()+"/api/v1/sign", api.ContentRequest{
		Content:    image,
		Assertions: []manifest.Claim{{Label: "org.example.desk", Value: "photo"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	signed := decode[struct {
		ProofReference    string `json:"proof_reference"`
		SignedContent     []byte `json:"signed_content"`
		Fingerprint       string `json:"fingerprint"`
		EmbeddingStatus   string `json:"embedding_status"`
		FingerprintDetail struct {
			ContentHash string `json:"content_hash"`
		} `json:"fingerprint_detail"`
		Embedding struct {
			Status string `json:"status"`
		} `json:"embedding"`
	}](t, resp)
	require.NotEmpty(t, signed.ProofReference)
	require.NotEmpty(t, signed.SignedContent)
	assert.Equal(t, string(container.StatusFull), signed.EmbeddingStatus)
	assert.Equal(t, signed.Embedding.Status, signed.EmbeddingStatus)
	assert.True(t, strings.HasPrefix(signed.Fingerprint, signed.FingerprintDetail.ContentHash+"/"), signed.Fingerprint)

	verifyResp, err := http.Post(stack.URL()+"/api/v1/verify", "application/octet-stream", bytes.NewReader(signed.SignedContent))
	require.NoError(t, err)
	defer verifyResp.Body.Close()
	require.Equal(t, http.StatusOK, verifyResp.StatusCode)
	result := decode[struct {
		TrustScore     *int             `json:"trust_score"`
		Level          confidence.Level `json:"level"`
		ProofReference string           `json:"proof_reference"`
		Binding        string           `json:"binding"`
		Fingerprint    string           `json:"fingerprint"`
		Factors        []struct {
			Name string `json:"name"`
		} `json:"factors"`
		Chain struct {
			Valid bool `json:"valid"`
		} `json:"chain"`
	}](t, verifyResp)
	require.NotNil(t, result.TrustScore)
	assert.GreaterOrEqual(t, *result.TrustScore, 90)
	assert.Equal(t, signed.Fingerprint, result.Fingerprint)
	assert.Len(t, result.Factors, 6)
	assert.Equal(t, confidence.LevelVeryHigh, result.Level)
	assert.Equal(t, signed.ProofReference, result.ProofReference)
	assert.Equal(t, string(confidence.BindingExact), result.Binding)
	assert.True(t, result.Chain.Valid)

	proof := get(t, stack.URL()+"/api/v1/proofs/"+signed.ProofReference)
	require.Equal(t, http.StatusOK, proof.StatusCode)
	m := decode[manifest.Manifest](t, proof)
	assert.True(t, m.Signed())
}

func TestSignReturnsBinaryWhenAsked(t *testing.T) {
	stack := apitest.NewStack(t)
	req, err := http.NewRequest(http.MethodPost, stack.URL()+"/api/v1/sign", bytes.NewReader([]byte("plain text document")))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(api.ProofReferenceHeader))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "plain text document")
}

func TestErrorMapping(t *testing.T) {
	stack := apitest.NewStack(t)

	cases := []struct {
		name   string
		do     func() *http.Response
		status int
		code   string
	}{
		{"empty sign", func() *http.Response {
			return postJSON(t, stack.URL()+"/api/v1/sign", api.ContentRequest{})
		}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"reserved label", func() *http.Response {
			return postJSON(t, stack.URL()+"/api/v1/sign", api.ContentRequest{
				Content:    []byte("x"),
				Assertions: []manifest.Claim{{Label: manifest.LabelContentHash, Value: "forged"}},
			})
		}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"malformed json", func() *http.Response {
			resp, err := http.Post(stack.URL()+"/api/v1/verify", "application/json", bytes.NewReader([]byte("{")))
			require.NoError(t, err)
			t.Cleanup(func() { _ = resp.Body.Close() })
			return resp
		}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"too large", func() *http.Response {
			resp, err := http.Post(stack.URL()+"/api/v1/verify", "application/octet-stream", bytes.NewReader(make([]byte, 4<<20+1024)))
			require.NoError(t, err)
			t.Cleanup(func() { _ = resp.Body.Close() })
			return resp
		}, http.StatusRequestEntityTooLarge, "VALIDATION_ERROR"},
		{"unknown proof", func() *http.Response {
			return get(t, stack.URL()+"/api/v1/proofs/pr_00000000000000000000000000000000")
		}, http.StatusNotFound, "NOT_FOUND"},
		{"invalid proof reference", func() *http.Response {
			return get(t, stack.URL()+"/api/v1/proofs/not-a-ref")
		}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown certificate", func() *http.Response {
			return get(t, stack.URL()+"/api/v1/certificates/nope")
		}, http.StatusNotFound, "NOT_FOUND"},
		{"unknown job", func() *http.Response {
			return get(t, stack.URL()+"/api/v1/jobs/missing")
		}, http.StatusNotFound, string(task.CodeTaskNotFound)},
		{"empty job", func() *http.Response {
			return postJSON(t, stack.URL()+"/api/v1/jobs", task.SubmitRequest{})
		}, http.StatusBadRequest, string(task.CodeTaskValidation)},
		{"bad job filter", func() *http.Response {
			return get(t, stack.URL()+"/api/v1/jobs?status=exploded")
		}, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := tc.do()
			assert.Equal(t, tc.status, resp.StatusCode)
			body := decode[api.ErrorBody](t, resp)
			assert.Equal(t, tc.code, body.Error.Code)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestCertificateEndpoints(t *testing.T) {
	stack := apitest.NewStack(t)
	leaf := stack.Certificates.CurrentCertificate()

	resp := get(t, stack.URL()+"/api/v1/certificates/"+leaf.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cert := decode[certs.Certificate](t, resp)
	assert.Equal(t, leaf.ID, cert.ID)
	assert.Equal(t, stack.URL()+"/api/v1/certificates/"+leaf.ID+"/status", cert.StatusURL)

	status := decode[certs.StatusResponse](t, get(t, cert.StatusURL))
	assert.Equal(t, certs.StatusGood, status.Status)

	require.NoError(t, stack.Certificates.Revoke(context.Background(), leaf.ID, "key compromise"))
	status = decode[certs.StatusResponse](t, get(t, cert.StatusURL))
	assert.Equal(t, certs.StatusRevoked, status.Status)
	assert.Equal(t, "key compromise", status.Reason)
	assert.NoError(t, status.CheckSignatureFrom(stack.Certificates.Root()))

	unknown := decode[certs.StatusResponse](t, get(t, stack.URL()+"/api/v1/certificates/nope/status"))
	assert.Equal(t, certs.StatusUnknown, unknown.Status)

	crlResp := get(t, stack.URL()+"/api/v1/crl")
	require.Equal(t, http.StatusOK, crlResp.StatusCode)
	crl := decode[certs.RevocationList](t, crlResp)
	_, revoked := crl.Lookup(leaf.ID)
	assert.True(t, revoked)
	assert.NoError(t, crl.CheckSignatureFrom(stack.Certificates.Root()))
}

func TestJobsEndpoints(t *testing.T) {
	stack := apitest.NewStack(t)
	ctx := context.Background()

	signed, err := stack.Authenticity.Sign(ctx, []byte("batch member one"), nil)
	require.NoError(t, err)

	resp := postJSON(t, stack.URL()+"/api/v1/jobs", task.SubmitRequest{
		ID: "batch-http",
		Items: []task.Item{
			{Name: "one.txt", Content: signed.Content},
			{Name: "two.txt", Content: []byte("never signed")},
		},
		Metadata: map[string]string{"desk": "news"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/api/v1/jobs/batch-http", resp.Header.Get("Location"))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = stack.Jobs.WaitUntilCompleted(waitCtx, "batch-http", 10*time.Millisecond)
	require.NoError(t, err)

	detail := decode[task.Task](t, get(t, stack.URL()+"/api/v1/jobs/batch-http"))
	assert.Equal(t, task.StatusSucceeded, detail.Status)
	assert.Equal(t, 2, detail.ItemCount)
	require.NotNil(t, detail.Result)
	require.Len(t, detail.Result.Items, 2)
	assert.Equal(t, "one.txt", detail.Result.Items[0].Name)
	assert.Greater(t, detail.Result.Items[0].Score, detail.Result.Items[1].Score)
	assert.Equal(t, string(confidence.LevelVeryLow), detail.Result.Items[1].Level)

	list := decode[api.JobList](t, get(t, stack.URL()+"/api/v1/jobs?q=news&status=succeeded"))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, "batch-http", list.Jobs[0].ID)

	stats := decode[task.Stats](t, get(t, stack.URL()+"/api/v1/jobs/stats"))
	assert.Equal(t, 1, stats.Succeeded)
}

func TestSignJobCommitsEveryManifest(t *testing.T) {
	stack := apitest.NewStack(t)
	ctx := context.Background()

	resp := postJSON(t, stack.URL()+"/api/v1/jobs", task.SubmitRequest{
		ID:   "retro-http",
		Kind: task.KindSign,
		Items: []task.Item{
			{Name: "archive-1.txt", Content: []byte("archived story one"), Assertions: []manifest.Claim{{Label: "author", Value: "Desk A"}}},
			{Name: "archive-2.txt", Content: []byte("archived story two")},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := stack.Jobs.WaitUntilCompleted(waitCtx, "retro-http", 10*time.Millisecond)
	require.NoError(t, err)

	detail := decode[task.Task](t, get(t, stack.URL()+"/api/v1/jobs/retro-http"))
	assert.Equal(t, task.StatusSucceeded, detail.Status)
	assert.Equal(t, task.KindSign, detail.Kind)
	require.NotNil(t, detail.Result)
	require.NotNil(t, detail.Result.Batch)
	assert.EqualValues(t, 2, detail.Result.Batch.Size)
	require.Len(t, detail.Result.Items, 2)

	for _, item := range detail.Result.Items {
		require.NotNil(t, item.Inclusion, item.Name)
		require.NoError(t, batchproof.Verify(item.ManifestDigest, *item.Inclusion, detail.Result.Batch.Root))
		assert.Equal(t, string(container.StatusFull), item.EmbeddingStatus)

		verified, err := stack.Authenticity.Verify(ctx, item.SignedContent)
		require.NoError(t, err)
		assert.Equal(t, item.ProofReference, verified.ProofReference)
		assert.True(t, verified.Signature.Valid)
		got, err := manifest.Digest(verified.Manifest)
		require.NoError(t, err)
		assert.Equal(t, item.ManifestDigest, got)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	stack := apitest.NewStack(t)

	health := get(t, stack.URL()+"/healthz")
	require.Equal(t, http.StatusOK, health.StatusCode)
	status := decode[api.HealthStatus](t, health)
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "ok", status.Checks["certificates"])

	metricsResp := get(t, stack.URL()+"/metrics")
	require.Equal(t, http.StatusOK, metricsResp.StatusCode)
	body, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `credproof_http_requests_total{handler="GET /healthz",method="GET",code="200"}`)
}

package netutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedTransport struct {
	statuses []int
	errs     []error
	calls    int
}

func (s *scriptedTransport) RoundTrip(*http.Request) (*http.Response, error) {
	idx := s.calls
	s.calls++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	status := http.StatusOK
	if idx < len(s.statuses) {
		status = s.statuses[idx]
	}
	return &http.Response{StatusCode: status, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func TestRetryTransportRetriesTransientFailures(t *testing.T) {
	base := &scriptedTransport{
		statuses: []int{0, http.StatusServiceUnavailable, http.StatusOK},
		errs:     []error{errors.New("connection reset")},
	}
	var attempts []int
	transport := &RetryTransport{
		Base:           base,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		OnRetry:        func(attempt int, _ time.Duration, _ int) { attempts = append(attempts, attempt) },
	}

	req, _ := http.NewRequest(http.MethodGet, "http://status.invalid/x", nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, base.calls)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestRetryTransportDoesNotRetryClientErrors(t *testing.T) {
	base := &scriptedTransport{statuses: []int{http.StatusNotFound}}
	transport := &RetryTransport{Base: base, MaxRetries: 3, InitialBackoff: time.Millisecond}

	req, _ := http.NewRequest(http.MethodGet, "http://status.invalid/x", nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 1, base.calls)
}

func TestRetryTransportHonoursContext(t *testing.T) {
	base := &scriptedTransport{statuses: []int{http.StatusBadGateway, http.StatusBadGateway}}
	transport := &RetryTransport{Base: base, MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://status.invalid/x", nil)
	_, err := transport.RoundTrip(req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, base.calls)
}

func TestLimitedReader(t *testing.T) {
	data, err := ReadAll(bytes.NewReader([]byte("12345")), 5)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(data))

	_, err = ReadAll(bytes.NewReader([]byte("123456")), 5)
	require.Error(t, err)
	assert.True(t, IsSizeLimitExceeded(err))
}

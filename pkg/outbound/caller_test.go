package outbound

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/syncbridge/pkg/audit"
	"github.com/Mindburn-Labs/syncbridge/pkg/fault"
	"github.com/Mindburn-Labs/syncbridge/pkg/metrics"
)

func testCaller(t *testing.T) *Caller {
	t.Helper()
	met, err := metrics.New()
	require.NoError(t, err)
	return NewCaller("src", met, audit.NewLoggerWithWriter(io.Discard),
		WithRateLimit(rate.Inf, 1))
}

func getRequest(url string) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, url, nil)
	}
}

func TestDoSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	resp, err := testCaller(t).Do(context.Background(), "get_issue", getRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := testCaller(t).Do(context.Background(), "update_page", getRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testCaller(t).Do(context.Background(), "update_page", getRequest(srv.URL))
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindUpstreamTransient), "got %v", err)
	assert.Equal(t, int32(maxAttempts), calls.Load())
}

func TestDoPermanentIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testCaller(t).Do(context.Background(), "get_page", getRequest(srv.URL))
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindUpstreamPermanent), "got %v", err)
	assert.True(t, NotFound(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoNotImplementedIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotImplemented)
	}))
	defer srv.Close()

	_, err := testCaller(t).Do(context.Background(), "query_database", getRequest(srv.URL))
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindUpstreamPermanent), "501 is excluded from retry")
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := testCaller(t).Do(context.Background(), "create_page", getRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDoRetryAfterExhaustionStaysTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testCaller(t).Do(context.Background(), "create_page", getRequest(srv.URL))
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindUpstreamTransient),
		"an upstream that rate limits to the end is still a transient failure, got %v", err)
	assert.Contains(t, err.Error(), "HTTP 429")
	assert.Equal(t, int32(maxAttempts), calls.Load())
}

func TestTransientStatus(t *testing.T) {
	assert.True(t, transientStatus(http.StatusRequestTimeout))
	assert.True(t, transientStatus(http.StatusTooManyRequests))
	assert.True(t, transientStatus(http.StatusBadGateway))
	assert.False(t, transientStatus(http.StatusNotImplemented))
	assert.False(t, transientStatus(http.StatusHTTPVersionNotSupported))
	assert.False(t, transientStatus(http.StatusBadRequest))
	assert.False(t, transientStatus(http.StatusOK))
}

func TestHasStatus(t *testing.T) {
	notFound := fault.New(fault.KindUpstreamPermanent, "get_page: HTTP 404: gone")
	assert.True(t, HasStatus(notFound, http.StatusNotFound))
	assert.False(t, HasStatus(notFound, http.StatusUnprocessableEntity))

	transient := fault.New(fault.KindUpstreamTransient, "HTTP 503")
	assert.False(t, HasStatus(transient, http.StatusServiceUnavailable), "only permanent failures carry a terminal status")
	assert.False(t, NotFound(nil))
}

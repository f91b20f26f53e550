package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/errs"
)

func TestRequest_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{MaxRetries: 5, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}, zap.NewNop())
	resp, err := c.Request(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRequest_DoesNotRetry4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{MaxRetries: 5, BackoffBase: time.Millisecond}, zap.NewNop())
	resp, err := c.Request(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCircuitBreaker_OpensAtThresholdAndHalfOpens(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 5 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := Config{
		MaxRetries:       0,
		BackoffBase:      time.Millisecond,
		FailureThreshold: 5,
		Cooldown:         20 * time.Millisecond,
	}
	c := New(cfg, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := c.Request(context.Background(), http.MethodGet, srv.URL, nil, nil)
		require.Error(t, err)
	}

	// circuit now open: next call must fail fast without hitting the server
	before := atomic.LoadInt32(&calls)
	_, err := c.Request(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTransport))
	assert.Equal(t, before, atomic.LoadInt32(&calls), "circuit open must not contact the network")

	time.Sleep(cfg.Cooldown + 5*time.Millisecond)

	resp, err := c.Request(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBackoffDelay_CapsAtMax(t *testing.T) {
	d := backoffDelay(time.Second, 60*time.Second, 10)
	assert.Equal(t, 60*time.Second, d)
}

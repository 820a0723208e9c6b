package resilience_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kartstack/payments-bridge/internal/resilience"
)

func TestHTTPClientRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cl := resilience.HTTPClient{
		Client:      ts.Client(),
		BaseBackoff: time.Millisecond,
		MaxAttempts: 3,
	}
	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)

	resp, err := cl.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int32(3), calls.Load())
}

func TestHTTPClientReplaysBodyAcrossAttempts(t *testing.T) {
	var bodies []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		bodies = append(bodies, string(buf[:n]))
		if len(bodies) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cl := resilience.HTTPClient{
		Client:      ts.Client(),
		BaseBackoff: time.Millisecond,
		MaxAttempts: 2,
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL, strings.NewReader(`{"order_id":"ord_1"}`))
	require.NoError(t, err)

	resp, err := cl.Do(context.Background(), req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, bodies, 2)
	require.Equal(t, bodies[0], bodies[1])
}

func TestHTTPClientBodyReadableAfterSlowResponse(t *testing.T) {
	payload := bytes.Repeat([]byte(`{"order_id":"ord_1"}`), 4096)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write(payload)
	}))
	defer ts.Close()

	cl := resilience.HTTPClient{
		Client:      ts.Client(),
		Timeout:     5 * time.Second,
		MaxAttempts: 1,
	}
	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)

	resp, err := cl.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestHTTPClientOpenBreakerShortCircuits(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	breaker := resilience.NewBreaker(1, 0.5, time.Minute)
	cl := resilience.HTTPClient{
		Client:      ts.Client(),
		Breaker:     breaker,
		BaseBackoff: time.Millisecond,
		MaxAttempts: 2,
	}

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	_, err = cl.Do(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load(), "breaker should block the second attempt")

	req2, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	_, err = cl.Do(context.Background(), req2)
	require.ErrorIs(t, err, resilience.ErrOpenCircuit)
	require.Equal(t, int32(1), calls.Load())
}

func TestHTTPClientFallback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	cl := resilience.HTTPClient{
		Client:      ts.Client(),
		BaseBackoff: time.Millisecond,
		MaxAttempts: 1,
		Fallback: func(ctx context.Context, req *http.Request, cause error) (*http.Response, error) {
			rec := httptest.NewRecorder()
			rec.WriteHeader(http.StatusServiceUnavailable)
			return rec.Result(), nil
		},
	}

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	resp, err := cl.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

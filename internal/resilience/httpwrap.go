package resilience

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPClient layers retry, per-call timeout and circuit breaking over an
// http.Client for outbound gateway calls. A 5xx response counts as a failed
// attempt; 4xx responses are returned to the caller untouched.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	Timeout     time.Duration
	Target      string
	Logger      *zerolog.Logger
	Fallback    func(context.Context, *http.Request, error) (*http.Response, error)
}

// Do runs the request with retry semantics. The body is buffered once so
// every attempt sends identical bytes. A tripped breaker yields
// ErrOpenCircuit unless a Fallback is set.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	breaker := cl.Breaker
	if breaker == nil {
		breaker = NewBreaker(1, 1, time.Second)
	}
	attempts := cl.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoffBase := cl.BaseBackoff
	if backoffBase <= 0 {
		backoffBase = 100 * time.Millisecond
	}

	payload, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if !breaker.Allow(ctx) {
			lastErr = ErrOpenCircuit
			break
		}

		resp, attemptErr := cl.attempt(ctx, req, payload)
		if attemptErr == nil && resp.StatusCode < 500 {
			breaker.Report(ctx, true)
			return resp, nil
		}
		if attemptErr != nil {
			lastErr = attemptErr
		} else {
			lastErr = errors.New(resp.Status)
			_ = resp.Body.Close()
		}
		breaker.Report(ctx, false)
		if cl.Logger != nil {
			cl.Logger.Warn().Err(lastErr).
				Str("target", cl.Target).
				Int("attempt", attempt).
				Msg("outbound request attempt failed")
		}

		if attempt == attempts {
			break
		}
		if err := sleepCtx(ctx, Backoff(backoffBase, attempt, cl.Jitter)); err != nil {
			return nil, err
		}
	}

	if cl.Fallback != nil {
		return cl.Fallback(ctx, req, lastErr)
	}
	return nil, lastErr
}

func (cl HTTPClient) attempt(ctx context.Context, req *http.Request, payload []byte) (*http.Response, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = cl.Client.Timeout
	}
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	clone := req.Clone(callCtx)
	if payload != nil {
		attachBody(clone, payload)
	}
	resp, err := cl.Client.Do(clone)
	if err != nil {
		cancel()
		return nil, err
	}
	// The caller reads the body after Do returns, so the attempt context
	// must stay alive until the body is closed.
	resp.Body = &bodyWithCancel{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type bodyWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *bodyWithCancel) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// bufferBody drains the request body into memory and reinstalls a replayable
// reader so retries and the caller both see the full payload.
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	src := io.ReadCloser(req.Body)
	if req.GetBody != nil {
		fresh, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		src = fresh
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	_ = src.Close()
	attachBody(req, data)
	return data, nil
}

func attachBody(req *http.Request, data []byte) {
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the breaker refuses a request outright.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State is the breaker's position in its closed/open/half-open cycle.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type outcomeWindow struct {
	failures  int
	successes int
}

func (w *outcomeWindow) total() int { return w.failures + w.successes }

func (w *outcomeWindow) ratio() float64 {
	if w.total() == 0 {
		return 0
	}
	return float64(w.failures) / float64(w.total())
}

// decay halves both counters so old outcomes stop dominating the ratio.
func (w *outcomeWindow) decay() {
	w.failures = int(math.Ceil(float64(w.failures) * 0.5))
	w.successes = int(math.Ceil(float64(w.successes) * 0.5))
}

func (w *outcomeWindow) reset() { *w = outcomeWindow{} }

// Breaker guards an outbound gateway endpoint with a failure-ratio trip wire.
// It opens once the observed failure ratio crosses the threshold, rejects
// traffic for a cool-off period, then lets a single probe decide recovery.
type Breaker struct {
	mu      sync.Mutex
	state   State
	window  outcomeWindow
	opened  time.Time
	minReqs int
	ratio   float64
	openFor time.Duration
	target  string
	logger  *zerolog.Logger
}

// NewBreaker builds a breaker. Out-of-range arguments snap to sane values.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	if minRequests <= 0 {
		minRequests = 1
	}
	if failureRatio <= 0 || failureRatio > 1 {
		failureRatio = 0.5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{minReqs: minRequests, ratio: failureRatio, openFor: openFor}
}

// WithTarget names the guarded endpoint for metric labels and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	b.publishState()
	return b
}

// WithLogger sets the logger used when no request-scoped logger is available.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = &logger
	return b
}

// Allow reports whether a request may proceed. An open breaker stays shut
// until the cool-off elapses, then flips to half-open and admits one probe.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return true
	}
	if time.Since(b.opened) < b.openFor {
		return false
	}
	b.shift(ctx, HalfOpen)
	return true
}

// Report feeds a request outcome back into the state machine.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		if success {
			b.shift(ctx, Closed)
		} else {
			b.shift(ctx, Open)
		}
		return
	}

	if success {
		b.window.successes++
	} else {
		b.window.failures++
	}
	if b.window.total() < b.minReqs {
		return
	}
	if b.window.ratio() >= b.ratio {
		b.shift(ctx, Open)
		return
	}
	if b.window.total() > b.minReqs*2 {
		b.window.decay()
	}
}

// shift moves to the next state, resets the window and emits telemetry.
// Callers hold b.mu.
func (b *Breaker) shift(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		b.publishState()
		return
	}
	b.state = next
	b.opened = time.Time{}
	if next == Open {
		b.opened = time.Now()
	}
	b.window.reset()
	b.publishState()

	label := b.label()
	if BreakerTransitions != nil {
		BreakerTransitions.WithLabelValues(label, prev.String(), next.String()).Inc()
	}
	if next == Open && BreakerOpenedTotal != nil {
		BreakerOpenedTotal.WithLabelValues(label).Inc()
	}
	evt := b.transitionLogger(ctx).Info().
		Str("target", label).
		Str("from_state", prev.String()).
		Str("to_state", next.String())
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		evt = evt.Str("trace_id", span.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) publishState() {
	if BreakerState == nil {
		return
	}
	var v float64
	switch b.state {
	case Closed:
		v = 0
	case Open:
		v = 1
	case HalfOpen:
		v = 2
	default:
		v = -1
	}
	BreakerState.WithLabelValues(b.label()).Set(v)
}

func (b *Breaker) label() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}

var discardLogger = zerolog.Nop()

func (b *Breaker) transitionLogger(ctx context.Context) *zerolog.Logger {
	if ctxLogger := zerolog.Ctx(ctx); ctxLogger.GetLevel() != zerolog.Disabled {
		return ctxLogger
	}
	if b.logger != nil {
		return b.logger
	}
	return &discardLogger
}

// Backoff computes the exponential delay for a retry attempt, with jitter
// expressed as a fraction of the computed delay.
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << uint(attempt-1)
	if jitterPct <= 0 {
		return d
	}
	spread := float64(d) * jitterPct
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

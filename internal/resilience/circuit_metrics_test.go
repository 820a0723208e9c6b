package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/kartstack/payments-bridge/internal/resilience"
)

func gaugeFor(t *testing.T, target string) float64 {
	t.Helper()
	return testutil.ToFloat64(resilience.BreakerState.WithLabelValues(target))
}

func transitionCount(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	return testutil.ToFloat64(vec.WithLabelValues(labels...))
}

func TestBreakerMetricsFollowLifecycle(t *testing.T) {
	resilience.BreakerState.Reset()
	resilience.BreakerTransitions.Reset()
	resilience.BreakerOpenedTotal.Reset()

	const target = "cashfree"
	breaker := resilience.NewBreaker(1, 0.5, 20*time.Millisecond).WithTarget(target)
	ctx := context.Background()

	// one failure trips the breaker at minRequests=1
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.Equal(t, 1.0, gaugeFor(t, target))

	// cool-off expiry admits a probe and goes half-open
	require.Eventually(t, func() bool {
		return breaker.Allow(ctx)
	}, 100*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, 2.0, gaugeFor(t, target))

	// successful probe closes
	breaker.Report(ctx, true)
	require.Equal(t, 0.0, gaugeFor(t, target))

	require.Equal(t, 1.0, testutil.ToFloat64(resilience.BreakerOpenedTotal.WithLabelValues(target)))
	for _, hop := range [][2]string{
		{"closed", "open"},
		{"open", "half_open"},
		{"half_open", "closed"},
	} {
		require.Equal(t, 1.0,
			transitionCount(t, resilience.BreakerTransitions, target, hop[0], hop[1]),
			"transition %s -> %s", hop[0], hop[1])
	}
}

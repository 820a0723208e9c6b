package obs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics groups the request-level Prometheus collectors.
type HTTPMetrics struct {
	ReqTotal *prometheus.CounterVec
	ReqDur   *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

var defaultLatencyBucketsMillis = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// NewHTTPMetrics builds and registers the HTTP collectors. A nil registerer
// falls back to the default registry; an AlreadyRegistered error resolves to
// the existing collector so repeated initialisation is safe.
func NewHTTPMetrics(namespace string, buckets []float64, reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if len(buckets) == 0 {
		buckets = defaultLatencyBucketsMillis
	} else {
		sort.Float64s(buckets)
	}

	m := &HTTPMetrics{
		ReqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled by the server.",
		}, []string{"method", "route", "status"}),
		ReqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency distribution in milliseconds.",
			Buckets:   buckets,
		}, []string{"method", "route"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
	}

	m.ReqTotal = registerOrExisting(reg, m.ReqTotal).(*prometheus.CounterVec)
	m.ReqDur = registerOrExisting(reg, m.ReqDur).(*prometheus.HistogramVec)
	m.InFlight = registerOrExisting(reg, m.InFlight).(prometheus.Gauge)
	return m
}

func registerOrExisting(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		return are.ExistingCollector
	}
	panic(fmt.Errorf("register http metric: %w", err))
}

// ParseBucketsCSV parses comma-separated histogram bucket boundaries in
// milliseconds. Blank, unparsable and non-positive entries are skipped.
func ParseBucketsCSV(csv string) []float64 {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || v <= 0 {
			continue
		}
		out = append(out, v)
	}
	return out
}

// DurationMillis converts a duration to milliseconds for histogram observation.
func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

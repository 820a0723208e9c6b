package obs

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// StatusRecorder captures the response status and body size for the
// logging and metrics middleware.
type StatusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *StatusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *StatusRecorder) Write(p []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += int64(n)
	return n, err
}

func (sr *StatusRecorder) Status() int         { return sr.status }
func (sr *StatusRecorder) BytesWritten() int64 { return sr.bytes }

type routePatternKey struct{}

// RoutePatternMiddleware stores chi's matched pattern in the context so
// downstream middleware labels by route template, not raw path.
func RoutePatternMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if rc := chi.RouteContext(ctx); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				ctx = context.WithValue(ctx, routePatternKey{}, pattern)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// routeFor resolves the best available route label for a request.
func routeFor(r *http.Request) string {
	if pattern, ok := r.Context().Value(routePatternKey{}).(string); ok && pattern != "" {
		return pattern
	}
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// HTTPObs feeds the request counters and latency histogram.
type HTTPObs struct {
	Metrics *HTTPMetrics
}

func (o HTTPObs) Middleware(next http.Handler) http.Handler {
	if o.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := NewStatusRecorder(w)
		o.Metrics.InFlight.Inc()
		start := time.Now()
		next.ServeHTTP(rec, r)
		o.Metrics.InFlight.Dec()

		route := routeFor(r)
		if route == r.URL.Path && chi.RouteContext(r.Context()) == nil {
			route = "unknown"
		}
		o.Metrics.ReqTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.Status())).Inc()
		o.Metrics.ReqDur.WithLabelValues(r.Method, route).Observe(DurationMillis(time.Since(start)))
	})
}

// TracingMiddleware opens a server span per request named "METHOD route".
func TracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("http.server")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeFor(r)
		ctx, span := tracer.Start(r.Context(), r.Method+" "+route)
		defer span.End()

		rec := NewStatusRecorder(w)
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("http.target", r.URL.Path),
			attribute.Int("http.status_code", rec.Status()),
		)
		if rec.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.Status()))
		}
	})
}

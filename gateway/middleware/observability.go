package middleware

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"gigvault/observability"
)

// Observability wraps handlers with a tracing span and request metrics.
type Observability struct {
	tracer  trace.Tracer
	metrics *observability.GatewayMetrics
}

// NewObservability builds the middleware against the shared gateway metrics.
func NewObservability(serviceName string, metrics *observability.GatewayMetrics) *Observability {
	return &Observability{
		tracer:  otel.Tracer(serviceName),
		metrics: metrics,
	}
}

// Middleware instruments the handler under the supplied route label.
func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, span := o.tracer.Start(r.Context(), route, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			))
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", recorder.status))
			span.End()
			if o.metrics != nil {
				o.metrics.Observe(route, r.Method, recorder.status, time.Since(start))
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

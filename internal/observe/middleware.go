package observe

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests outside the known routes so arbitrary paths
// cannot grow metric cardinality.
const unmatchedRoute = "unmatched"

// responseRecorder captures the status and size of a response.
type responseRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *responseRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// Middleware instruments a handler. Each request continues any W3C trace
// context, runs in a server span named after its route and gets an
// X-Correlation-ID header. Duration is recorded per route, method and status.
//
// routes lists the paths reported verbatim; the probe and scrape endpoints
// are always known. Other paths are reported as "unmatched". Probes, scrapes
// and CORS preflights log at debug level.
func Middleware(m *Metrics, routes ...string) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}
	known := append([]string{"/healthz", "/readyz"}, routes...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeOf(r.URL.Path, known)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRoute(route),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}

			rec := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r.WithContext(ctx))
			status := rec.code()
			elapsed := time.Since(start)

			span.SetAttributes(semconv.HTTPResponseStatusCode(status))
			if m != nil {
				m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
					metric.WithAttributes(
						attribute.String("method", r.Method),
						attribute.String("route", route),
						attribute.Int("status", status),
					),
				)
			}

			level := slog.LevelInfo
			if isProbe(r.URL.Path) || r.Method == http.MethodOptions {
				level = slog.LevelDebug
			}
			Logger(ctx).LogAttrs(ctx, level, "http: request",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", status),
				slog.Int64("bytes", rec.written),
				slog.Duration("duration", elapsed),
			)
		})
	}
}

func routeOf(path string, known []string) string {
	if isProbe(path) && strings.HasPrefix(path, "/metrics") {
		return "/metrics"
	}
	if slices.Contains(known, path) {
		return path
	}
	return unmatchedRoute
}

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz" || strings.HasPrefix(path, "/metrics")
}

package middleware

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/SkynetNext/sockdispatch/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CloudNativeMiddleware traces admin API requests and records their metrics
func CloudNativeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1. Extract trace context (for distributed tracing)
		ctx := observability.ExtractTraceContext(r.Context(), r)

		// 2. Start span
		ctx, span := observability.StartSpan(ctx, "admin.request",
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		// 3. Add K8s Pod metadata to span
		if podName := os.Getenv("POD_NAME"); podName != "" {
			span.SetAttributes(
				attribute.String("k8s.pod.name", podName),
				attribute.String("k8s.namespace", os.Getenv("POD_NAMESPACE")),
				attribute.String("k8s.node.name", os.Getenv("NODE_NAME")),
			)
		}

		// 4. Add request attributes
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)

		// 5. Add cloud-native headers
		if podName := os.Getenv("POD_NAME"); podName != "" {
			w.Header().Set("X-Sockdispatch-Pod", podName)
		}
		w.Header().Set("X-Sockdispatch-Version", observability.Version)
		if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.HasTraceID() {
			w.Header().Set("X-Request-ID", spanCtx.TraceID().String())
		}

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		duration := time.Since(start)

		// 6. Update span with response
		span.SetAttributes(
			attribute.Int("http.status_code", ww.statusCode),
			attribute.Int64("http.duration_ms", duration.Milliseconds()),
		)

		// 7. Record metrics
		RecordAdminRequest(r.Method, strconv.Itoa(ww.statusCode), duration.Seconds())
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Package middleware wraps the local debug API with tracing, request ids,
// latency metrics and request logs.
package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"linkup/internal/metrics"
	"linkup/internal/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// RequestIDHeader is echoed on every response
const RequestIDHeader = "X-Request-ID"

// Observability starts a span per request, tags the response with a request
// id and records latency by route template.
func Observability(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeTemplate(r)

			ctx, span := tracing.StartSpan(r.Context(), "debug "+r.Method+" "+route,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("client.address", clientIP(r)),
			)
			defer span.End()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r.WithContext(ctx))

			elapsed := time.Since(start)
			span.SetAttributes(attribute.Int("http.status_code", wrapper.statusCode))
			metrics.RecordTimer(metrics.DebugRequestLatency, elapsed, map[string]string{
				"route":  route,
				"status": strconv.Itoa(wrapper.statusCode),
			})

			entry := logger.WithFields(logrus.Fields{
				"request_id":  requestID,
				"trace_id":    tracing.TraceID(ctx),
				"method":      r.Method,
				"route":       route,
				"status":      wrapper.statusCode,
				"duration_ms": elapsed.Milliseconds(),
				"bytes":       wrapper.size,
			})
			if wrapper.statusCode >= http.StatusInternalServerError {
				entry.Warn("Debug request failed")
				return
			}
			entry.Debug("Debug request served")
		})
	}
}

// routeTemplate keeps ids out of metric labels
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode  int
	size        int
	wroteHeader bool
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	if !rw.wroteHeader {
		rw.statusCode = statusCode
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(data)
	rw.size += n
	return n, err
}

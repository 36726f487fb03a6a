package middleware

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"KiroGate/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
	khttp "github.com/go-kratos/kratos/v2/transport/http"
)

// NewRequestID mints a request id in the req_<ms>_<rand> shape carried by
// every log line and error body.
func NewRequestID() string {
	return "req_" + strconv.FormatInt(time.Now().UnixMilli(), 10) +
		"_" + strconv.FormatInt(rand.Int63n(1<<40), 36)
}

// statusRecorder captures the status code while passing Flush through so SSE
// handlers keep streaming.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLog stamps a request id, logs one access line per request and feeds
// the chat_requests_total counter for the /v1 surfaces.
func RequestLog(logger log.Logger) khttp.FilterFunc {
	helper := log.NewHelper(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := r.Header.Get("X-Request-Id")
			if requestID == "" {
				requestID = NewRequestID()
			}
			w.Header().Set("X-Request-Id", requestID)
			r = r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if strings.HasPrefix(r.URL.Path, "/v1/") {
				metrics.ChatRequests.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
			}
			helper.Infow("msg", "http request",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"ip", remoteHost(r))
		})
	}
}

func remoteHost(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	return r.RemoteAddr
}

package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/eldtechnologies/leasehold/internal/metrics"
)

// Metrics records request counts and latency. The chi wrapper keeps
// http.Hijacker available for the websocket upgrade.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := normalizePath(r.URL.Path)

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// pathPatterns collapse ids in the path so label cardinality stays bounded.
// A "*" segment matches any single non-empty segment.
var pathPatterns = []string{
	"/sessions/*/start",
	"/sessions/*/realtime-token",
	"/sessions/*",
	"/keys/*",
	"/internal/sessions/*/events",
	"/admin/users/*/balance",
}

func normalizePath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for _, pattern := range pathPatterns {
		if matchSegments(strings.Split(strings.Trim(pattern, "/"), "/"), segments) {
			return strings.ReplaceAll(pattern, "*", ":id")
		}
	}
	return path
}

func matchSegments(pattern, segments []string) bool {
	if len(pattern) != len(segments) {
		return false
	}
	for i, p := range pattern {
		if segments[i] == "" {
			return false
		}
		if p != "*" && p != segments[i] {
			return false
		}
	}
	return true
}

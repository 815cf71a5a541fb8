package server

import "net/http"

// RequestObserver counts completed requests, typically the metrics
// collector.
type RequestObserver interface {
	ObserveRequest(path string, status int)
}

// MetricsMiddleware records a counter per completed request.
func MetricsMiddleware(obs RequestObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			obs.ObserveRequest(r.URL.Path, wrapped.statusCode)
		})
	}
}

package api

import "net/http"

var healthBody = []byte(`{"status":"ok"}`)

// HealthHandler reports liveness. It never touches the trace store, so a
// stalled store does not fail health checks.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(healthBody)
	})
}

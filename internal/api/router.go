package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/ongoingai/llmtrace/internal/pathutil"
)

type RouterOptions struct {
	AppVersion string
	// ChatPath is where Relay is mounted for POST requests.
	ChatPath string
	Relay    http.Handler
	// Metrics is mounted at MetricsPath when non-nil.
	Metrics     http.Handler
	MetricsPath string
}

// Routes lists the paths NewRouter mounts for options.
func Routes(options RouterOptions) []string {
	routes := []string{pathutil.NormalizePath(options.ChatPath), "/health"}
	if options.Metrics != nil {
		routes = append(routes, pathutil.NormalizePath(options.MetricsPath))
	}
	return routes
}

func NewRouter(options RouterOptions) http.Handler {
	mux := http.NewServeMux()

	relay := options.Relay
	if relay == nil {
		relay = http.NotFoundHandler()
	}
	mux.Handle("POST "+pathutil.NormalizePath(options.ChatPath), relay)
	mux.Handle("GET /health", HealthHandler())
	if options.Metrics != nil {
		mux.Handle("GET "+pathutil.NormalizePath(options.MetricsPath), options.Metrics)
	}
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "llmtrace",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

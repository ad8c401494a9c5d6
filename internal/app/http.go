package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kristzz/kursadarbs/internal/relay"
)

// healthResponse is the operational monitoring payload.
type healthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Environment string    `json:"environment"`
	Connections int       `json:"connections"`
	Uptime      int64     `json:"uptime"`
}

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	registry *relay.Registry,
	gateway *relay.Gateway,
	startedAt time.Time,
) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		applyCORS(w, r, cfg.AllowedOrigins)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Environment: cfg.Environment,
			Connections: registry.Count(),
			Uptime:      int64(time.Since(startedAt).Seconds()),
		})
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	// Everything else is a websocket connect: the channel name is the path.
	mux.Handle("/", gateway)
}

// applyCORS sets response headers for allowed origins on the plain HTTP
// endpoints fronting the relay.
func applyCORS(w http.ResponseWriter, r *http.Request, allowed []string) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
			return
		}
	}
}

package server

import (
	"log/slog"
	"net/http"
)

// Config contains HTTP-layer options that are independent of the job
// service itself.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
}

// DefaultConfig allows any origin, which suits a localhost-only server.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
	}
}

// register wires the synthesis API onto the mux using Go 1.22 method
// patterns. Job mutations are POST or DELETE; everything read-only is GET.
func (h *Handlers) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /jobs", h.CreateJob)
	mux.HandleFunc("GET /jobs", h.ListJobs)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", h.CancelJob)
	mux.HandleFunc("DELETE /jobs/{id}", h.DeleteJob)
}

// NewRouter builds the routed handler wrapped in the middleware chain.
// Recovery sits outermost so panics anywhere below still produce a JSON
// 500; request IDs are assigned before logging so log lines and response
// headers agree.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()
	h.register(mux)

	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		RequestIDMiddleware(),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}

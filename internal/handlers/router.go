package handlers

import (
	"net/http"

	"github.com/gluk-w/claworc/webssh/internal/sshaudit"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// RouterConfig collects what NewRouter mounts.
type RouterConfig struct {
	Gateway        *Gateway
	Hub            *Hub
	Auditor        *sshaudit.Auditor
	AllowedOrigins []string
}

// NewRouter builds the HTTP surface: health, REST API and the websocket
// endpoint.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", cfg.Gateway.HealthCheck)
	r.Get("/ws", TerminalGateway(cfg.Gateway, cfg.Hub, TerminalOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Auditor:        cfg.Auditor,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/connections", cfg.Gateway.ListConnections)
		r.Delete("/connections/{id}", cfg.Gateway.DeleteConnection)
		r.Get("/audit", AuditLogs(cfg.Auditor))
		r.Get("/server-logs", GetServerLogs)
		r.Delete("/server-logs", ClearServerLogs)
	})

	return r
}

package handlers

import (
	"log"
	"net/http"

	"github.com/gluk-w/claworc/webssh/internal/logutil"
	"github.com/go-chi/chi/v5"
)

// HealthCheck reports the gateway's live connection and channel counts.
func (g *Gateway) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"connections": g.registry.Len(),
		"channels":    g.table.Len(),
	})
}

// ListConnections returns the same snapshot as the list_connections event.
func (g *Gateway) ListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, connectionsListPayload{Connections: g.registry.Snapshot()})
}

// DeleteConnection removes a connection by ID and clears it from every
// channel driving it.
func (g *Gateway) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing connection ID")
		return
	}
	if !g.RemoveConnection(id) {
		writeError(w, http.StatusNotFound, "Connection not found")
		return
	}
	log.Printf("[gateway] connection %s removed via API", logutil.SanitizeForLog(id))
	w.WriteHeader(http.StatusNoContent)
}

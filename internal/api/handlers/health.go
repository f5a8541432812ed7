package handlers

import (
	"net/http"
	"time"

	"github.com/calendar-hub/backend/internal/storage"
	"github.com/calendar-hub/backend/internal/websocket"
)

// HealthResponse reports basic liveness.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
}

// StatusResponse reports service-level counters.
type StatusResponse struct {
	Status           string `json:"status"`
	Connections      int    `json:"connections"`
	WebSocketClients int    `json:"websocket_clients"`
}

// HealthCheck reports whether the service and its database are reachable.
func HealthCheck(db *storage.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:    "ok",
			Timestamp: time.Now().UTC(),
			Database:  "ok",
		}

		status := http.StatusOK
		if err := db.PingContext(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Database = err.Error()
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

// Status reports calendar connection and client counts.
func Status(connections *storage.ConnectionRepository, hub *websocket.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns, err := connections.ListConnected(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, StatusResponse{Status: "error"})
			return
		}
		writeJSON(w, http.StatusOK, StatusResponse{
			Status:           "ok",
			Connections:      len(conns),
			WebSocketClients: hub.ClientCount(),
		})
	}
}

// Package api provides HTTP routing and handlers for the REST API.
package api

import (
	"github.com/gorilla/mux"

	"github.com/calendar-hub/backend/internal/api/handlers"
	"github.com/calendar-hub/backend/internal/api/middleware"
	"github.com/calendar-hub/backend/internal/feed"
	"github.com/calendar-hub/backend/internal/provider"
	"github.com/calendar-hub/backend/internal/storage"
	"github.com/calendar-hub/backend/internal/sync"
	"github.com/calendar-hub/backend/internal/token"
	"github.com/calendar-hub/backend/internal/vault"
	"github.com/calendar-hub/backend/internal/webhook"
	"github.com/calendar-hub/backend/internal/websocket"
)

// Deps bundles the services the API routes depend on.
type Deps struct {
	DB          *storage.DB
	Connections *storage.ConnectionRepository
	Events      *storage.EventRepository
	Vault       vault.Vault
	Tokens      *token.Manager
	Registry    *provider.Registry
	Poller      *feed.Poller
	Engine      *sync.Engine
	Webhooks    *webhook.Manager
	Hub         *websocket.Hub
	Broadcaster *websocket.Broadcaster
}

// NewRouter creates and configures the HTTP router with all API routes.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.Logging)
	r.Use(middleware.ErrorRecovery)

	api := r.PathPrefix("/api").Subrouter()

	// Health and status endpoints
	api.HandleFunc("/health", handlers.HealthCheck(d.DB)).Methods("GET")
	api.HandleFunc("/status", handlers.Status(d.Connections, d.Hub)).Methods("GET")

	// WebSocket endpoint
	api.HandleFunc("/ws", handlers.WebSocketUpgrade(d.Hub)).Methods("GET")

	// OAuth consent flow
	api.HandleFunc("/oauth/{provider}/authorize", handlers.OAuthAuthorize(d.Tokens)).Methods("GET")
	api.HandleFunc("/oauth/{provider}/callback", handlers.OAuthCallback(d.Tokens, d.Registry, d.Connections, d.Engine, d.Webhooks, d.Broadcaster)).Methods("GET")

	// Connection endpoints
	api.HandleFunc("/connections", handlers.ListConnections(d.Connections)).Methods("GET")
	api.HandleFunc("/connections/feed", handlers.ConnectFeed(d.Connections, d.Vault, d.Poller, d.Engine)).Methods("POST")
	api.HandleFunc("/connections/{id}", handlers.Disconnect(d.Connections, d.Tokens, d.Webhooks, d.Broadcaster)).Methods("DELETE")
	api.HandleFunc("/connections/{id}/sync", handlers.SyncNow(d.Connections, d.Engine)).Methods("POST")

	// Event endpoints
	api.HandleFunc("/events", handlers.ListEvents(d.Events)).Methods("GET")
	api.HandleFunc("/events", handlers.CreateEvent(d.Connections, d.Events, d.Tokens, d.Registry)).Methods("POST")
	api.HandleFunc("/events/{id}", handlers.UpdateEvent(d.Connections, d.Events, d.Tokens, d.Registry)).Methods("PUT")
	api.HandleFunc("/events/{id}", handlers.DeleteEvent(d.Connections, d.Events, d.Tokens, d.Registry)).Methods("DELETE")

	// Availability
	api.HandleFunc("/freebusy", handlers.FreeBusy(d.Events)).Methods("GET")

	// Provider notification ingress
	api.HandleFunc("/webhooks/google", handlers.GoogleWebhook(d.Webhooks)).Methods("POST")
	api.HandleFunc("/webhooks/microsoft", handlers.MicrosoftWebhook(d.Webhooks)).Methods("POST")

	return r
}

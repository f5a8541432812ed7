package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/calendar-hub/backend/internal/api/middleware"
	"github.com/calendar-hub/backend/internal/feed"
	"github.com/calendar-hub/backend/internal/storage"
	"github.com/calendar-hub/backend/internal/storage/models"
	"github.com/calendar-hub/backend/internal/sync"
	"github.com/calendar-hub/backend/internal/token"
	"github.com/calendar-hub/backend/internal/vault"
	"github.com/calendar-hub/backend/internal/webhook"
	ws "github.com/calendar-hub/backend/internal/websocket"
)

// ListConnections returns the caller's calendar connections.
func ListConnections(connections *storage.ConnectionRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns, err := connections.ListByUser(r.Context(), requestUserID(r))
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query connections")
			return
		}
		if conns == nil {
			conns = []models.CalendarConnection{}
		}
		writeJSON(w, http.StatusOK, conns)
	}
}

// ConnectFeedRequest subscribes the caller to an ICS feed URL.
type ConnectFeedRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// ConnectFeed validates an ICS feed and creates a read-only connection for
// it. The feed URL is stored encrypted; a digest of it serves as the
// calendar identity so re-subscribing the same URL reactivates the existing
// connection.
func ConnectFeed(
	connections *storage.ConnectionRepository,
	v vault.Vault,
	poller *feed.Poller,
	engine *sync.Engine,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ConnectFeedRequest
		if err := decodeJSON(r, &req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		req.URL = strings.TrimSpace(req.URL)
		if req.URL == "" || (!strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://")) {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "A feed URL is required")
			return
		}

		name, _, err := poller.Validate(r.Context(), req.URL)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "Feed did not validate: "+err.Error())
			return
		}
		if req.Name != "" {
			name = req.Name
		}

		userID := requestUserID(r)
		digest := sha256.Sum256([]byte(req.URL))
		calendarID := hex.EncodeToString(digest[:])

		existing, err := connections.FindActive(r.Context(), userID, models.ProviderICS, calendarID)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query connections")
			return
		}
		if existing != nil {
			if existing.IsConnected {
				middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "Feed is already connected")
				return
			}
			if err := connections.Reconnect(r.Context(), existing.ID); err != nil {
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to reconnect feed")
				return
			}
			triggerInitialSync(engine, existing.ID)
			writeJSON(w, http.StatusOK, existing)
			return
		}

		encURL, err := v.Encrypt(req.URL)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to store feed URL")
			return
		}
		conn := &models.CalendarConnection{
			UserID:       userID,
			Provider:     models.ProviderICS,
			CalendarID:   calendarID,
			CalendarName: name,
			FeedURL:      &encURL,
			IsConnected:  true,
			IsReadOnly:   true,
		}
		if err := connections.Create(r.Context(), conn); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to create connection")
			return
		}

		triggerInitialSync(engine, conn.ID)
		writeJSON(w, http.StatusCreated, conn)
	}
}

func triggerInitialSync(engine *sync.Engine, connectionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := engine.SyncConnection(ctx, connectionID); err != nil && !errors.Is(err, sync.ErrSyncInProgress) {
			log.Printf("Initial sync of connection %s failed: %v", connectionID, err)
		}
	}()
}

// Disconnect tears down a connection: webhooks are stopped, tokens revoked
// best effort, and the connection soft-deleted with its cursor cleared.
func Disconnect(
	connections *storage.ConnectionRepository,
	tokens *token.Manager,
	webhooks *webhook.Manager,
	broadcaster *ws.Broadcaster,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		conn, err := loadOwnedConnection(w, r, connections, id)
		if conn == nil || err != nil {
			return
		}

		webhooks.Teardown(r.Context(), conn.ID)
		tokens.Revoke(r.Context(), conn)

		if err := connections.Disconnect(r.Context(), conn.ID); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to disconnect")
			return
		}
		if broadcaster != nil {
			broadcaster.ConnectionChanged(conn.UserID, conn.ID, "disconnected")
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// SyncNow triggers an immediate sync pass for the connection. Returns 202
// whether the pass started or was coalesced into one already running.
func SyncNow(connections *storage.ConnectionRepository, engine *sync.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		conn, err := loadOwnedConnection(w, r, connections, id)
		if conn == nil || err != nil {
			return
		}
		if !conn.IsConnected {
			middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "Connection is disconnected")
			return
		}

		triggerInitialSync(engine, conn.ID)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync_started"})
	}
}

// loadOwnedConnection fetches the connection and enforces ownership,
// writing the error response itself when the lookup fails.
func loadOwnedConnection(w http.ResponseWriter, r *http.Request, connections *storage.ConnectionRepository, id string) (*models.CalendarConnection, error) {
	conn, err := connections.GetByID(r.Context(), id)
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query connection")
		return nil, err
	}
	if conn == nil || conn.UserID != requestUserID(r) {
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Connection not found")
		return nil, nil
	}
	return conn, nil
}

package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/calendar-hub/backend/internal/api/middleware"
	"github.com/calendar-hub/backend/internal/provider"
	"github.com/calendar-hub/backend/internal/storage"
	"github.com/calendar-hub/backend/internal/storage/models"
	"github.com/calendar-hub/backend/internal/sync"
	"github.com/calendar-hub/backend/internal/token"
	"github.com/calendar-hub/backend/internal/webhook"
	ws "github.com/calendar-hub/backend/internal/websocket"
)

func pathProvider(r *http.Request) (models.Provider, bool) {
	p := models.Provider(mux.Vars(r)["provider"])
	return p, p.Valid() && p.OAuth()
}

// OAuthAuthorize starts the consent flow: issues a single-use state and
// redirects the browser to the provider's consent screen.
func OAuthAuthorize(tokens *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := pathProvider(r)
		if !ok {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Unknown provider")
			return
		}
		if !tokens.Configured(p) {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Provider is not configured")
			return
		}

		url, err := tokens.AuthorizeURL(r.Context(), requestUserID(r), p)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to start authorization")
			return
		}
		http.Redirect(w, r, url, http.StatusFound)
	}
}

// OAuthCallback completes the consent flow: validates the state, exchanges
// the code, connects the account's primary calendar, and kicks off the
// initial sync and webhook registration in the background.
func OAuthCallback(
	tokens *token.Manager,
	registry *provider.Registry,
	connections *storage.ConnectionRepository,
	engine *sync.Engine,
	webhooks *webhook.Manager,
	broadcaster *ws.Broadcaster,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := pathProvider(r)
		if !ok {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Unknown provider")
			return
		}

		query := r.URL.Query()
		if errCode := query.Get("error"); errCode != "" {
			// The user declined consent. Not a state failure.
			middleware.WriteError(w, http.StatusBadRequest, "consent_denied", "Authorization was denied: "+errCode)
			return
		}
		state, code := query.Get("state"), query.Get("code")
		if state == "" || code == "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "state and code are required")
			return
		}

		consumed, tok, err := tokens.Exchange(r.Context(), state, code)
		if errors.Is(err, token.ErrInvalidState) {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrUnauthorized, "Authorization state is invalid or expired")
			return
		}
		if err != nil {
			middleware.WriteError(w, http.StatusBadGateway, middleware.ErrInternalError, "Code exchange failed")
			return
		}
		if consumed.Provider != p {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "State does not belong to this provider")
			return
		}

		adapter := registry.Get(p)
		if adapter == nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Provider unavailable")
			return
		}
		calendars, err := adapter.ListCalendars(r.Context(), tok.AccessToken)
		if err != nil || len(calendars) == 0 {
			middleware.WriteError(w, http.StatusBadGateway, middleware.ErrInternalError, "Failed to list calendars")
			return
		}
		primary := calendars[0]
		for _, cal := range calendars {
			if cal.Primary {
				primary = cal
				break
			}
		}

		conn, err := connections.FindActive(r.Context(), consumed.UserID, p, primary.ID)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query connections")
			return
		}
		status := http.StatusOK
		if conn == nil {
			conn = &models.CalendarConnection{
				UserID:       consumed.UserID,
				Provider:     p,
				CalendarID:   primary.ID,
				CalendarName: primary.Name,
				IsConnected:  true,
				IsReadOnly:   primary.ReadOnly,
			}
			if primary.Color != "" {
				color := primary.Color
				conn.CalendarColor = &color
			}
			if err := connections.Create(r.Context(), conn); err != nil {
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to create connection")
				return
			}
			status = http.StatusCreated
		} else if err := connections.Reconnect(r.Context(), conn.ID); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to reconnect")
			return
		}

		if err := tokens.StoreTokens(r.Context(), conn.ID, tok); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to store tokens")
			return
		}

		connectionID := conn.ID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if _, err := engine.SyncConnection(ctx, connectionID); err != nil && !errors.Is(err, sync.ErrSyncInProgress) {
				log.Printf("Initial sync of connection %s failed: %v", connectionID, err)
			}
			if err := webhooks.Ensure(ctx, connectionID); err != nil {
				log.Printf("Webhook registration for connection %s failed: %v", connectionID, err)
			}
		}()

		if broadcaster != nil {
			broadcaster.ConnectionChanged(conn.UserID, conn.ID, "connected")
		}
		writeJSON(w, status, conn)
	}
}

package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/calendar-hub/backend/internal/api/middleware"
	"github.com/calendar-hub/backend/internal/provider"
	"github.com/calendar-hub/backend/internal/recurrence"
	"github.com/calendar-hub/backend/internal/storage"
	"github.com/calendar-hub/backend/internal/storage/models"
	"github.com/calendar-hub/backend/internal/token"
)

const defaultListWindow = 30 * 24 * time.Hour

func parseWindow(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	start, end := now, now.Add(defaultListWindow)
	var err error
	if s := r.URL.Query().Get("start"); s != "" {
		if start, err = time.Parse(time.RFC3339, s); err != nil {
			return start, end, errors.New("start must be RFC 3339")
		}
	}
	if s := r.URL.Query().Get("end"); s != "" {
		if end, err = time.Parse(time.RFC3339, s); err != nil {
			return start, end, errors.New("end must be RFC 3339")
		}
	}
	if !end.After(start) {
		return start, end, errors.New("end must be after start")
	}
	return start, end, nil
}

// ListEvents returns the caller's events in a time window, with recurring
// series expanded into concrete occurrences. Series master rows themselves
// are not returned; their occurrences carry synthetic instance ids.
func ListEvents(events *storage.EventRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start, end, err := parseWindow(r)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, err.Error())
			return
		}

		rows, err := events.ListForUserWindow(r.Context(), requestUserID(r), start, end)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query events")
			return
		}

		out := make([]models.CalendarEvent, 0, len(rows))
		for i := range rows {
			ev := rows[i]
			if ev.Status == models.EventCancelled {
				continue
			}
			if ev.IsRecurring {
				out = append(out, recurrence.Expand(&ev, start, end, recurrence.DefaultMaxInstances)...)
				continue
			}
			out = append(out, ev)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].StartTime.Equal(out[j].StartTime) {
				return out[i].ID < out[j].ID
			}
			return out[i].StartTime.Before(out[j].StartTime)
		})
		writeJSON(w, http.StatusOK, out)
	}
}

// EventRequest is the write payload for creating or updating an event.
type EventRequest struct {
	ConnectionID   string    `json:"connection_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Location       string    `json:"location"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Timezone       string    `json:"timezone"`
	IsAllDay       bool      `json:"is_all_day"`
	RecurrenceRule string    `json:"recurrence_rule"`
}

func (req *EventRequest) validate() error {
	if req.Title == "" {
		return errors.New("title is required")
	}
	if req.StartTime.IsZero() || req.EndTime.IsZero() {
		return errors.New("start_time and end_time are required")
	}
	if !req.EndTime.After(req.StartTime) {
		return errors.New("end_time must be after start_time")
	}
	return nil
}

func (req *EventRequest) neutral(providerEventID string) *provider.Event {
	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return &provider.Event{
		ProviderID:     providerEventID,
		Title:          req.Title,
		Description:    req.Description,
		Location:       req.Location,
		Start:          req.StartTime,
		End:            req.EndTime,
		Timezone:       tz,
		AllDay:         req.IsAllDay,
		Status:         models.EventConfirmed,
		RecurrenceRule: req.RecurrenceRule,
	}
}

// writableConnection loads the connection for a write operation, rejecting
// feeds and calendars the provider grants only read access to.
func writableConnection(w http.ResponseWriter, r *http.Request, connections *storage.ConnectionRepository, id string) *models.CalendarConnection {
	conn, err := loadOwnedConnection(w, r, connections, id)
	if conn == nil || err != nil {
		return nil
	}
	if !conn.IsConnected {
		middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "Connection is disconnected")
		return nil
	}
	if conn.IsReadOnly || !conn.Provider.OAuth() {
		middleware.WriteError(w, http.StatusForbidden, middleware.ErrBadRequest, "Calendar is read-only")
		return nil
	}
	return conn
}

func writeProviderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, provider.ErrAuth):
		middleware.WriteError(w, http.StatusUnauthorized, middleware.ErrUnauthorized, "Provider authorization expired; reconnect the calendar")
	case errors.Is(err, provider.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Event not found at the provider")
	case provider.IsRateLimited(err):
		middleware.WriteError(w, http.StatusTooManyRequests, "rate_limited", "Provider rate limit hit; retry shortly")
	default:
		middleware.WriteError(w, http.StatusBadGateway, middleware.ErrInternalError, "Provider call failed: "+err.Error())
	}
}

// CreateEvent writes the event to the provider first, then mirrors it into
// the local store so it is visible without waiting for the next sync pass.
func CreateEvent(
	connections *storage.ConnectionRepository,
	events *storage.EventRepository,
	tokens *token.Manager,
	registry *provider.Registry,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EventRequest
		if err := decodeJSON(r, &req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		if err := req.validate(); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, err.Error())
			return
		}

		conn := writableConnection(w, r, connections, req.ConnectionID)
		if conn == nil {
			return
		}
		accessToken, err := tokens.AccessToken(r.Context(), conn)
		if err != nil {
			writeProviderError(w, err)
			return
		}
		adapter := registry.Get(conn.Provider)
		if adapter == nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Provider unavailable")
			return
		}

		providerID, err := adapter.CreateEvent(r.Context(), accessToken, conn.CalendarID, req.neutral(""))
		if err != nil {
			writeProviderError(w, err)
			return
		}

		row := req.localRow(conn.ID, providerID)
		err = events.Transaction(func(tx *sql.Tx) error {
			_, err := events.Upsert(r.Context(), tx, row)
			return err
		})
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Event created remotely but failed to store locally")
			return
		}
		writeJSON(w, http.StatusCreated, row)
	}
}

func (req *EventRequest) localRow(connectionID, providerEventID string) *models.CalendarEvent {
	row := &models.CalendarEvent{
		ConnectionID:    connectionID,
		ProviderEventID: providerEventID,
		Title:           req.Title,
		StartTime:       req.StartTime.UTC(),
		EndTime:         req.EndTime.UTC(),
		Timezone:        req.Timezone,
		IsAllDay:        req.IsAllDay,
		Status:          models.EventConfirmed,
		SyncStatus:      models.SyncSynced,
	}
	if row.Timezone == "" {
		row.Timezone = "UTC"
	}
	if req.Description != "" {
		row.Description = &req.Description
	}
	if req.Location != "" {
		row.Location = &req.Location
	}
	if req.RecurrenceRule != "" {
		row.IsRecurring = true
		rule := req.RecurrenceRule
		row.RecurrenceRule = &rule
	}
	return row
}

// UpdateEvent pushes changed fields to the provider and refreshes the local
// row. Expanded occurrence ids are rejected; edits target the stored row.
func UpdateEvent(
	connections *storage.ConnectionRepository,
	events *storage.EventRepository,
	tokens *token.Manager,
	registry *provider.Registry,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, conn := loadOwnedEvent(w, r, connections, events)
		if ev == nil {
			return
		}
		connOK := writableConnection(w, r, connections, conn.ID)
		if connOK == nil {
			return
		}

		var req EventRequest
		if err := decodeJSON(r, &req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
			return
		}
		if err := req.validate(); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, err.Error())
			return
		}

		accessToken, err := tokens.AccessToken(r.Context(), conn)
		if err != nil {
			writeProviderError(w, err)
			return
		}
		adapter := registry.Get(conn.Provider)
		if adapter == nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Provider unavailable")
			return
		}

		if err := adapter.UpdateEvent(r.Context(), accessToken, conn.CalendarID, req.neutral(ev.ProviderEventID)); err != nil {
			writeProviderError(w, err)
			return
		}

		row := req.localRow(conn.ID, ev.ProviderEventID)
		err = events.Transaction(func(tx *sql.Tx) error {
			_, err := events.Upsert(r.Context(), tx, row)
			return err
		})
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Event updated remotely but failed to store locally")
			return
		}
		writeJSON(w, http.StatusOK, row)
	}
}

// DeleteEvent removes the event at the provider and soft-deletes the local
// row. A provider-side 404 is treated as already deleted.
func DeleteEvent(
	connections *storage.ConnectionRepository,
	events *storage.EventRepository,
	tokens *token.Manager,
	registry *provider.Registry,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, conn := loadOwnedEvent(w, r, connections, events)
		if ev == nil {
			return
		}
		connOK := writableConnection(w, r, connections, conn.ID)
		if connOK == nil {
			return
		}

		accessToken, err := tokens.AccessToken(r.Context(), conn)
		if err != nil {
			writeProviderError(w, err)
			return
		}
		adapter := registry.Get(conn.Provider)
		if adapter == nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Provider unavailable")
			return
		}

		if err := adapter.DeleteEvent(r.Context(), accessToken, conn.CalendarID, ev.ProviderEventID); err != nil && !errors.Is(err, provider.ErrNotFound) {
			writeProviderError(w, err)
			return
		}

		err = events.Transaction(func(tx *sql.Tx) error {
			_, err := events.SoftDeleteByProviderID(r.Context(), tx, conn.ID, ev.ProviderEventID)
			return err
		})
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Event deleted remotely but failed to update locally")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// loadOwnedEvent resolves the path id to a stored event row and its
// connection, enforcing ownership. Synthetic occurrence ids produced by
// recurrence expansion are not stored rows and are reported as such.
func loadOwnedEvent(w http.ResponseWriter, r *http.Request, connections *storage.ConnectionRepository, events *storage.EventRepository) (*models.CalendarEvent, *models.CalendarConnection) {
	id := mux.Vars(r)["id"]
	ev, err := events.GetByID(r.Context(), id)
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query event")
		return nil, nil
	}
	if ev == nil {
		if _, _, err := recurrence.ParseInstanceID(id); err == nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Occurrences are edited through their series event")
			return nil, nil
		}
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Event not found")
		return nil, nil
	}

	conn, err := connections.GetByID(r.Context(), ev.ConnectionID)
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query connection")
		return nil, nil
	}
	if conn == nil || conn.UserID != requestUserID(r) {
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Event not found")
		return nil, nil
	}
	return ev, conn
}

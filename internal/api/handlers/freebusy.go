package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/calendar-hub/backend/internal/api/middleware"
	"github.com/calendar-hub/backend/internal/freebusy"
	"github.com/calendar-hub/backend/internal/storage"
	"github.com/calendar-hub/backend/internal/storage/models"
)

// FreeBusyResponse aggregates availability across the requested users:
// per-user merged busy intervals plus the free slots common to everyone.
type FreeBusyResponse struct {
	Start time.Time                  `json:"start"`
	End   time.Time                  `json:"end"`
	Busy  map[string][]freebusy.Slot `json:"busy"`
	Free  []freebusy.Slot            `json:"free"`
}

// FreeBusy computes merged availability over a window.
//
// Query parameters: users (comma-separated, defaults to the caller), start,
// end (RFC 3339), min_slot (Go duration), exclude_from / exclude_to (daily
// hour range to remove from free slots, wrapping past midnight when
// exclude_from > exclude_to).
func FreeBusy(events *storage.EventRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start, end, err := parseWindow(r)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, err.Error())
			return
		}

		query := r.URL.Query()
		var users []string
		for _, u := range strings.Split(query.Get("users"), ",") {
			if u = strings.TrimSpace(u); u != "" {
				users = append(users, u)
			}
		}
		if len(users) == 0 {
			users = []string{requestUserID(r)}
		}

		opts := freebusy.Options{}
		if s := query.Get("min_slot"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil || d < 0 {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "min_slot must be a duration like 30m")
				return
			}
			opts.MinSlot = d
		}
		if from, to := query.Get("exclude_from"), query.Get("exclude_to"); from != "" || to != "" {
			hr, err := parseHourRange(from, to)
			if err != nil {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, err.Error())
				return
			}
			opts.ExcludedHours = hr
		}

		resp := FreeBusyResponse{
			Start: start,
			End:   end,
			Busy:  make(map[string][]freebusy.Slot, len(users)),
		}
		var combined []models.BusyInterval
		for _, userID := range users {
			rows, err := events.ListForUserWindow(r.Context(), userID, start, end)
			if err != nil {
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternalError, "Failed to query events")
				return
			}
			busy := freebusy.BusyFromEvents(userID, rows, start, end)
			resp.Busy[userID] = freebusy.MergeBusy(busy)
			combined = append(combined, busy...)
		}
		resp.Free = freebusy.FreeSlots(combined, start, end, opts)

		writeJSON(w, http.StatusOK, resp)
	}
}

func parseHourRange(from, to string) (*freebusy.HourRange, error) {
	errRange := errors.New("exclude_from and exclude_to must both be hours between 0 and 24")
	f, err := strconv.Atoi(from)
	if err != nil || f < 0 || f > 23 {
		return nil, errRange
	}
	t, err := strconv.Atoi(to)
	if err != nil || t < 0 || t > 24 {
		return nil, errRange
	}
	return &freebusy.HourRange{From: f, To: t}, nil
}

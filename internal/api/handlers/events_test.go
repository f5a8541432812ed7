package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/calendar-hub/backend/internal/storage"
	"github.com/calendar-hub/backend/internal/storage/models"
)

func seedEventStore(t *testing.T) (*storage.EventRepository, string) {
	t.Helper()
	db, err := storage.NewMemoryDB()
	if err != nil {
		t.Fatalf("opening in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.RunMigrations(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	connections := storage.NewConnectionRepository(db)
	conn := &models.CalendarConnection{
		UserID:       DefaultUserID,
		Provider:     models.ProviderGoogle,
		CalendarID:   "primary",
		CalendarName: "Primary",
		IsConnected:  true,
	}
	if err := connections.Create(context.Background(), conn); err != nil {
		t.Fatalf("creating connection: %v", err)
	}
	return storage.NewEventRepository(db), conn.ID
}

func TestListEventsExpandsRecurringSeries(t *testing.T) {
	events, connID := seedEventStore(t)
	ctx := context.Background()

	rule := "FREQ=DAILY;COUNT=3"
	master := &models.CalendarEvent{
		ConnectionID:    connID,
		ProviderEventID: "series-1",
		Title:           "Morning run",
		StartTime:       time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC),
		EndTime:         time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		Timezone:        "UTC",
		Status:          models.EventConfirmed,
		SyncStatus:      models.SyncSynced,
		IsRecurring:     true,
		RecurrenceRule:  &rule,
	}
	plain := &models.CalendarEvent{
		ConnectionID:    connID,
		ProviderEventID: "ev-1",
		Title:           "Dentist",
		StartTime:       time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC),
		EndTime:         time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC),
		Timezone:        "UTC",
		Status:          models.EventConfirmed,
		SyncStatus:      models.SyncSynced,
	}
	for _, ev := range []*models.CalendarEvent{master, plain} {
		if _, err := events.Upsert(ctx, events.DB(), ev); err != nil {
			t.Fatalf("seeding %s: %v", ev.ProviderEventID, err)
		}
	}

	handler := ListEvents(events)
	req := httptest.NewRequest("GET", "/api/events?start=2026-03-01T00:00:00Z&end=2026-03-08T00:00:00Z", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var got []models.CalendarEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	// Three expanded occurrences plus the plain event; the series master
	// row itself is not listed.
	if len(got) != 4 {
		t.Fatalf("events = %d, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].StartTime.Before(got[i-1].StartTime) {
			t.Fatal("events are not sorted by start time")
		}
	}
	for _, ev := range got {
		if ev.ID == master.ID {
			t.Fatal("series master leaked into the listing")
		}
	}
}

func TestListEventsRejectsBadWindow(t *testing.T) {
	events, _ := seedEventStore(t)
	handler := ListEvents(events)

	req := httptest.NewRequest("GET", "/api/events?start=2026-03-08T00:00:00Z&end=2026-03-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestFreeBusyMergesAndFindsGaps(t *testing.T) {
	events, connID := seedEventStore(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	busyTimes := []struct{ start, end int }{
		{9, 10},
		{9, 11}, // overlaps the first, must merge
		{14, 15},
	}
	for i, b := range busyTimes {
		ev := &models.CalendarEvent{
			ConnectionID:    connID,
			ProviderEventID: "busy-" + string(rune('a'+i)),
			Title:           "Busy",
			StartTime:       day.Add(time.Duration(b.start) * time.Hour),
			EndTime:         day.Add(time.Duration(b.end) * time.Hour),
			Timezone:        "UTC",
			Status:          models.EventConfirmed,
			SyncStatus:      models.SyncSynced,
		}
		if _, err := events.Upsert(ctx, events.DB(), ev); err != nil {
			t.Fatalf("seeding busy event: %v", err)
		}
	}

	handler := FreeBusy(events)
	req := httptest.NewRequest("GET", "/api/freebusy?start=2026-03-02T08:00:00Z&end=2026-03-02T17:00:00Z", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp FreeBusyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	merged := resp.Busy[DefaultUserID]
	if len(merged) != 2 {
		t.Fatalf("busy intervals = %d, want 2 after merging", len(merged))
	}
	if !merged[0].Start.Equal(day.Add(9*time.Hour)) || !merged[0].End.Equal(day.Add(11*time.Hour)) {
		t.Fatalf("first busy interval = %v-%v, want 09:00-11:00", merged[0].Start, merged[0].End)
	}

	// Free: 08-09, 11-14, 15-17.
	if len(resp.Free) != 3 {
		t.Fatalf("free slots = %d, want 3", len(resp.Free))
	}
	if !resp.Free[1].Start.Equal(day.Add(11*time.Hour)) || !resp.Free[1].End.Equal(day.Add(14*time.Hour)) {
		t.Fatalf("middle free slot = %v-%v, want 11:00-14:00", resp.Free[1].Start, resp.Free[1].End)
	}
}

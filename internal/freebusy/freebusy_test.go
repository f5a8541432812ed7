package freebusy

import (
	"testing"
	"time"

	"github.com/calendar-hub/backend/internal/storage/models"
)

func at(hour, min int) time.Time {
	return time.Date(2026, 3, 2, hour, min, 0, 0, time.UTC)
}

func busy(start, end time.Time) models.BusyInterval {
	return models.BusyInterval{OwnerID: "u1", Start: start, End: end}
}

func TestMergeBusyOverlapping(t *testing.T) {
	merged := MergeBusy([]models.BusyInterval{
		busy(at(9, 0), at(10, 0)),
		busy(at(9, 30), at(11, 0)),
	})

	if len(merged) != 1 {
		t.Fatalf("expected 1 merged interval, got %d", len(merged))
	}
	if !merged[0].Start.Equal(at(9, 0)) || !merged[0].End.Equal(at(11, 0)) {
		t.Errorf("merged = [%v, %v], want [09:00, 11:00]", merged[0].Start, merged[0].End)
	}
}

func TestMergeBusyDisjointAndAdjacent(t *testing.T) {
	merged := MergeBusy([]models.BusyInterval{
		busy(at(13, 0), at(14, 0)),
		busy(at(9, 0), at(10, 0)),
		busy(at(10, 0), at(10, 30)), // touching merges
	})

	if len(merged) != 2 {
		t.Fatalf("expected 2 merged intervals, got %d", len(merged))
	}
	if !merged[0].End.Equal(at(10, 30)) {
		t.Errorf("first interval end = %v, want 10:30", merged[0].End)
	}
}

func TestFreeSlotsBasic(t *testing.T) {
	free := FreeSlots([]models.BusyInterval{
		busy(at(9, 0), at(10, 0)),
		busy(at(9, 30), at(11, 0)),
	}, at(8, 0), at(12, 0), Options{})

	want := []Slot{
		{Start: at(8, 0), End: at(9, 0)},
		{Start: at(11, 0), End: at(12, 0)},
	}
	if len(free) != len(want) {
		t.Fatalf("expected %d free slots, got %d: %v", len(want), len(free), free)
	}
	for i := range want {
		if !free[i].Start.Equal(want[i].Start) || !free[i].End.Equal(want[i].End) {
			t.Errorf("slot %d = [%v, %v], want [%v, %v]",
				i, free[i].Start, free[i].End, want[i].Start, want[i].End)
		}
	}
}

func TestFreeSlotsMinDuration(t *testing.T) {
	free := FreeSlots([]models.BusyInterval{
		busy(at(9, 0), at(11, 45)),
	}, at(8, 0), at(12, 0), Options{MinSlot: 30 * time.Minute})

	// The 15-minute tail after 11:45 is dropped.
	if len(free) != 1 {
		t.Fatalf("expected 1 free slot, got %d: %v", len(free), free)
	}
	if !free[0].Start.Equal(at(8, 0)) || !free[0].End.Equal(at(9, 0)) {
		t.Errorf("slot = [%v, %v], want [08:00, 09:00]", free[0].Start, free[0].End)
	}
}

func TestFreeSlotsNoBusy(t *testing.T) {
	free := FreeSlots(nil, at(8, 0), at(12, 0), Options{})
	if len(free) != 1 || !free[0].Start.Equal(at(8, 0)) || !free[0].End.Equal(at(12, 0)) {
		t.Fatalf("expected whole window free, got %v", free)
	}
}

func TestFreeSlotsExcludedHours(t *testing.T) {
	free := FreeSlots(nil, at(8, 0), at(20, 0), Options{
		ExcludedHours: &HourRange{From: 12, To: 13},
	})

	want := []Slot{
		{Start: at(8, 0), End: at(12, 0)},
		{Start: at(13, 0), End: at(20, 0)},
	}
	if len(free) != len(want) {
		t.Fatalf("expected %d slots, got %d: %v", len(want), len(free), free)
	}
	for i := range want {
		if !free[i].Start.Equal(want[i].Start) || !free[i].End.Equal(want[i].End) {
			t.Errorf("slot %d = [%v, %v], want [%v, %v]",
				i, free[i].Start, free[i].End, want[i].Start, want[i].End)
		}
	}
}

func TestFreeSlotsExcludedHoursWrapMidnight(t *testing.T) {
	windowStart := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	windowEnd := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)

	free := FreeSlots(nil, windowStart, windowEnd, Options{
		ExcludedHours: &HourRange{From: 22, To: 6},
	})

	want := []Slot{
		{Start: windowStart, End: time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)},
		{Start: time.Date(2026, 3, 3, 6, 0, 0, 0, time.UTC), End: windowEnd},
	}
	if len(free) != len(want) {
		t.Fatalf("expected %d slots, got %d: %v", len(want), len(free), free)
	}
	for i := range want {
		if !free[i].Start.Equal(want[i].Start) || !free[i].End.Equal(want[i].End) {
			t.Errorf("slot %d = [%v, %v], want [%v, %v]",
				i, free[i].Start, free[i].End, want[i].Start, want[i].End)
		}
	}
}

func TestBusyFromEventsExpandsRecurringAndSkipsCancelled(t *testing.T) {
	rule := "RRULE:FREQ=DAILY;COUNT=2"
	events := []models.CalendarEvent{
		{
			ID:             "series-1",
			StartTime:      at(9, 0),
			EndTime:        at(9, 30),
			Status:         models.EventConfirmed,
			IsRecurring:    true,
			RecurrenceRule: &rule,
		},
		{
			ID:        "cancelled-1",
			StartTime: at(14, 0),
			EndTime:   at(15, 0),
			Status:    models.EventCancelled,
		},
		{
			ID:        "plain-1",
			StartTime: at(16, 0),
			EndTime:   at(17, 0),
			Status:    models.EventConfirmed,
		},
	}

	windowStart := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	windowEnd := time.Date(2026, 3, 3, 23, 0, 0, 0, time.UTC)

	intervals := BusyFromEvents("u1", events, windowStart, windowEnd)
	if len(intervals) != 3 {
		t.Fatalf("expected 2 occurrences + 1 plain event, got %d", len(intervals))
	}
	for _, iv := range intervals {
		if iv.OwnerID != "u1" {
			t.Errorf("interval owner = %q, want u1", iv.OwnerID)
		}
	}
}

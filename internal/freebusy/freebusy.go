// Package freebusy computes merged availability across calendars without
// exposing event details.
package freebusy

import (
	"sort"
	"time"

	"github.com/calendar-hub/backend/internal/recurrence"
	"github.com/calendar-hub/backend/internal/storage/models"
)

// Slot is one contiguous time range.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// HourRange excludes a daily hour span [From, To) from free slots. From
// greater than To wraps past midnight, e.g. {22, 6} excludes nights.
type HourRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Options tune free-slot computation.
type Options struct {
	// MinSlot drops free slots shorter than this. Zero keeps everything.
	MinSlot time.Duration

	// ExcludedHours removes a daily hour range from every free slot.
	ExcludedHours *HourRange
}

// BusyFromEvents projects a user's events onto privacy-preserving busy
// intervals inside the window. Recurring masters are expanded; cancelled and
// transparent events contribute nothing.
func BusyFromEvents(userID string, events []models.CalendarEvent, windowStart, windowEnd time.Time) []models.BusyInterval {
	var busy []models.BusyInterval

	add := func(ev *models.CalendarEvent) {
		if ev.Status == models.EventCancelled {
			return
		}
		if !ev.StartTime.Before(windowEnd) || !ev.EndTime.After(windowStart) {
			return
		}
		busy = append(busy, models.BusyInterval{
			OwnerID: userID,
			Start:   ev.StartTime,
			End:     ev.EndTime,
			AllDay:  ev.IsAllDay,
		})
	}

	for i := range events {
		ev := &events[i]
		if ev.IsRecurring {
			for _, inst := range recurrence.Expand(ev, windowStart, windowEnd, recurrence.DefaultMaxInstances) {
				add(&inst)
			}
			continue
		}
		add(ev)
	}
	return busy
}

// MergeBusy collapses overlapping and adjacent busy intervals into a sorted
// minimal set.
func MergeBusy(intervals []models.BusyInterval) []Slot {
	if len(intervals) == 0 {
		return nil
	}

	sorted := make([]models.BusyInterval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	merged := []Slot{{Start: sorted[0].Start, End: sorted[0].End}}
	for _, iv := range sorted[1:] {
		last := &merged[len(merged)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, Slot{Start: iv.Start, End: iv.End})
	}
	return merged
}

// FreeSlots returns the gaps between merged busy intervals inside the
// window, with excluded hours carved out and short slots dropped.
func FreeSlots(busy []models.BusyInterval, windowStart, windowEnd time.Time, opts Options) []Slot {
	if !windowEnd.After(windowStart) {
		return nil
	}

	var gaps []Slot
	cursor := windowStart
	for _, b := range MergeBusy(busy) {
		if !b.Start.Before(windowEnd) {
			break
		}
		if b.Start.After(cursor) {
			gaps = append(gaps, Slot{Start: cursor, End: minTime(b.Start, windowEnd)})
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
	}
	if cursor.Before(windowEnd) {
		gaps = append(gaps, Slot{Start: cursor, End: windowEnd})
	}

	if opts.ExcludedHours != nil {
		gaps = subtractAll(gaps, excludedIntervals(*opts.ExcludedHours, windowStart, windowEnd))
	}

	var out []Slot
	for _, g := range gaps {
		if g.End.Sub(g.Start) >= opts.MinSlot {
			out = append(out, g)
		}
	}
	return out
}

// excludedIntervals materializes the daily excluded hour range as absolute
// intervals covering the window, handling ranges that wrap midnight.
func excludedIntervals(hr HourRange, windowStart, windowEnd time.Time) []Slot {
	if hr.From == hr.To {
		return nil
	}

	var out []Slot
	day := windowStart.Truncate(24 * time.Hour).AddDate(0, 0, -1)
	for !day.After(windowEnd) {
		from := day.Add(time.Duration(hr.From) * time.Hour)
		to := day.Add(time.Duration(hr.To) * time.Hour)
		if hr.From > hr.To {
			// Wraps midnight into the next day.
			to = to.AddDate(0, 0, 1)
		}
		out = append(out, Slot{Start: from, End: to})
		day = day.AddDate(0, 0, 1)
	}
	return out
}

func subtractAll(slots, holes []Slot) []Slot {
	out := slots
	for _, h := range holes {
		var next []Slot
		for _, s := range out {
			next = append(next, subtract(s, h)...)
		}
		out = next
	}
	return out
}

// subtract removes hole from slot, yielding zero, one, or two remnants.
func subtract(slot, hole Slot) []Slot {
	if !hole.Start.Before(slot.End) || !hole.End.After(slot.Start) {
		return []Slot{slot}
	}
	var out []Slot
	if hole.Start.After(slot.Start) {
		out = append(out, Slot{Start: slot.Start, End: hole.Start})
	}
	if hole.End.Before(slot.End) {
		out = append(out, Slot{Start: hole.End, End: slot.End})
	}
	return out
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

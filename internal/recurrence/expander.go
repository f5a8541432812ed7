// Package recurrence expands recurring series masters into concrete
// occurrences within a query window.
package recurrence

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/calendar-hub/backend/internal/storage/models"
)

// InstanceID builds the composite identifier for one occurrence of a series.
func InstanceID(seriesID string, start time.Time) string {
	return fmt.Sprintf("%s_%s", seriesID, start.UTC().Format(time.RFC3339))
}

// ParseInstanceID splits a composite occurrence id back into the series id
// and the occurrence start.
func ParseInstanceID(id string) (string, time.Time, error) {
	idx := strings.LastIndex(id, "_")
	if idx <= 0 {
		return "", time.Time{}, fmt.Errorf("not an occurrence id: %q", id)
	}
	start, err := time.Parse(time.RFC3339, id[idx+1:])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parsing occurrence start in %q: %w", id, err)
	}
	return id[:idx], start, nil
}

// DefaultMaxInstances bounds expansion for caller-supplied windows. A
// minute-frequency rule over a year stays well under it; anything past the
// cap is noise, not a listing anyone reads.
const DefaultMaxInstances = 1000

// Expand materializes the series master's occurrences that overlap the
// window [windowStart, windowEnd], at most maxInstances of them. The rule
// search starts one event-duration early so an occurrence already in
// progress at windowStart is included. Exception dates suppress occurrences
// by calendar date. A master without a parseable rule expands to nothing.
func Expand(master *models.CalendarEvent, windowStart, windowEnd time.Time, maxInstances int) []models.CalendarEvent {
	if master.RecurrenceRule == nil {
		return nil
	}
	if maxInstances <= 0 {
		maxInstances = DefaultMaxInstances
	}
	ruleText := strings.TrimPrefix(*master.RecurrenceRule, "RRULE:")
	rule, err := rrule.StrToRRule(ruleText)
	if err != nil {
		log.Printf("Unparseable recurrence rule on event %s: %v", master.ID, err)
		return nil
	}
	rule.DTStart(master.StartTime)

	duration := master.Duration()
	exceptions := exceptionSet(master.ExceptionDates)

	// Iterate rather than materialize: a high-frequency rule against a
	// wide window must stop at the cap, not allocate first.
	searchStart := windowStart.Add(-duration)
	next := rule.Iterator()

	var out []models.CalendarEvent
	for len(out) < maxInstances {
		start, ok := next()
		if !ok || start.After(windowEnd) {
			break
		}
		if start.Before(searchStart) {
			continue
		}
		if exceptions[start.UTC().Format("2006-01-02")] {
			continue
		}
		end := start.Add(duration)
		if !end.After(windowStart) {
			continue
		}

		inst := *master
		inst.ID = InstanceID(master.ID, start)
		inst.StartTime = start
		inst.EndTime = end
		inst.IsRecurring = false
		inst.RecurrenceRule = nil
		inst.RecurrenceFreq = nil
		inst.RecurrenceInterval = nil
		inst.RecurrenceEndDate = nil
		inst.RecurrenceCount = nil
		inst.ExceptionDates = nil
		parent := master.ID
		inst.ParentEventID = &parent
		out = append(out, inst)
	}
	return out
}

func exceptionSet(dates *string) map[string]bool {
	set := map[string]bool{}
	if dates == nil {
		return set
	}
	for _, d := range strings.Split(*dates, ",") {
		if d = strings.TrimSpace(d); d != "" {
			set[d] = true
		}
	}
	return set
}

package models

import (
	"time"
)

// EventStatus is the provider-reported status of an event.
type EventStatus string

const (
	EventConfirmed EventStatus = "confirmed"
	EventTentative EventStatus = "tentative"
	EventCancelled EventStatus = "cancelled"
)

// SyncStatus tracks how an event row relates to its provider copy.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
	SyncDeleted SyncStatus = "deleted"
)

// RsvpStatus is an attendee's response to an invitation.
type RsvpStatus string

const (
	RsvpNeedsAction RsvpStatus = "needs_action"
	RsvpAccepted    RsvpStatus = "accepted"
	RsvpDeclined    RsvpStatus = "declined"
	RsvpTentative   RsvpStatus = "tentative"
)

// ReminderMethod is how a reminder is delivered.
type ReminderMethod string

const (
	ReminderEmail ReminderMethod = "email"
	ReminderPopup ReminderMethod = "popup"
)

// CalendarEvent is the canonical, provider-agnostic representation of one
// provider event or recurring-series master. (connection, provider event id)
// is unique across all rows, soft-deleted included, so upserts stay
// idempotent when an event reappears.
type CalendarEvent struct {
	ID              string `json:"id"`
	ConnectionID    string `json:"connection_id"`
	ProviderEventID string `json:"provider_event_id"`

	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Location    *string `json:"location,omitempty"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Timezone  string    `json:"timezone"`
	IsAllDay  bool      `json:"is_all_day"`

	Status     EventStatus `json:"status"`
	SyncStatus SyncStatus  `json:"sync_status"`

	// Recurrence descriptor. RecurrenceRule is the RRULE text; the broken-out
	// fields mirror it for querying. ExceptionDates is a comma-separated list
	// of YYYY-MM-DD dates skipped by expansion.
	IsRecurring        bool       `json:"is_recurring"`
	RecurrenceRule     *string    `json:"recurrence_rule,omitempty"`
	RecurrenceFreq     *string    `json:"recurrence_frequency,omitempty"`
	RecurrenceInterval *int       `json:"recurrence_interval,omitempty"`
	RecurrenceEndDate  *time.Time `json:"recurrence_end_date,omitempty"`
	RecurrenceCount    *int       `json:"recurrence_count,omitempty"`
	ExceptionDates     *string    `json:"exception_dates,omitempty"`

	// ParentEventID links a detached instance back to its local series row;
	// SeriesMasterID is the provider-side series identifier.
	ParentEventID  *string `json:"parent_event_id,omitempty"`
	SeriesMasterID *string `json:"series_master_id,omitempty"`

	HTMLLink         *string `json:"html_link,omitempty"`
	ProviderMetadata *string `json:"-"` // raw JSON blob, provider-specific

	Attendees []EventAttendee `json:"attendees,omitempty"`
	Reminders []EventReminder `json:"reminders,omitempty"`

	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"-"`
}

// Duration returns the event length.
func (e *CalendarEvent) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// EventAttendee is one participant of an event. (event, email) is unique.
type EventAttendee struct {
	ID          string     `json:"id"`
	EventID     string     `json:"event_id"`
	Email       string     `json:"email"`
	DisplayName *string    `json:"display_name,omitempty"`
	RsvpStatus  RsvpStatus `json:"rsvp_status"`
	IsOrganizer bool       `json:"is_organizer"`
	IsOptional  bool       `json:"is_optional"`
}

// EventReminder is one notification setting on an event.
type EventReminder struct {
	ID            string         `json:"id"`
	EventID       string         `json:"event_id"`
	Method        ReminderMethod `json:"method"`
	MinutesBefore int            `json:"minutes_before"`
}

// BusyInterval is the privacy-preserving free/busy view of an event: owner
// and time bounds only, never titles, attendees, or descriptions.
type BusyInterval struct {
	OwnerID string    `json:"owner_id"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	AllDay  bool      `json:"all_day"`
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calendar-hub/backend/internal/storage/models"
)

// UpsertOutcome reports what an upsert did to the local row.
type UpsertOutcome int

const (
	UpsertNew UpsertOutcome = iota
	UpsertUpdated
	UpsertUnchanged
)

// EventRepository provides data access for canonical calendar events.
//
// Mutating methods take a Queryable so the reconciliation engine can apply a
// whole provider batch and the cursor advancement inside one transaction.
type EventRepository struct {
	BaseRepository
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{BaseRepository: NewBaseRepository(db)}
}

const eventColumns = `
	id, connection_id, provider_event_id, title, description, location,
	start_time, end_time, timezone, is_all_day, status, sync_status,
	is_recurring, recurrence_rule, recurrence_frequency, recurrence_interval,
	recurrence_end_date, recurrence_count, exception_dates,
	parent_event_id, series_master_id, html_link, provider_metadata,
	last_synced_at, created_at, updated_at, deleted_at`

func scanEvent(row interface{ Scan(...any) error }) (*models.CalendarEvent, error) {
	e := &models.CalendarEvent{}
	err := row.Scan(
		&e.ID, &e.ConnectionID, &e.ProviderEventID, &e.Title, &e.Description, &e.Location,
		&e.StartTime, &e.EndTime, &e.Timezone, &e.IsAllDay, &e.Status, &e.SyncStatus,
		&e.IsRecurring, &e.RecurrenceRule, &e.RecurrenceFreq, &e.RecurrenceInterval,
		&e.RecurrenceEndDate, &e.RecurrenceCount, &e.ExceptionDates,
		&e.ParentEventID, &e.SeriesMasterID, &e.HTMLLink, &e.ProviderMetadata,
		&e.LastSyncedAt, &e.CreatedAt, &e.UpdatedAt, &e.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetByID finds an event row by primary key, soft-deleted rows included.
// Returns nil when not found.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*models.CalendarEvent, error) {
	e, err := scanEvent(r.DB().QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM calendar_events WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}
	if err := r.loadChildren(ctx, r.DB(), e); err != nil {
		return nil, err
	}
	return e, nil
}

// GetByProviderID finds the row for (connection, provider event id),
// soft-deleted rows included. Returns nil when not found.
func (r *EventRepository) GetByProviderID(ctx context.Context, q Queryable, connectionID, providerEventID string) (*models.CalendarEvent, error) {
	e, err := scanEvent(q.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM calendar_events
		WHERE connection_id = ? AND provider_event_id = ?
	`, connectionID, providerEventID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return e, nil
}

// Upsert inserts the event or updates the existing row for the same
// (connection, provider event id). A row whose mapped fields already match
// only gets its last-synced timestamp bumped and reports UpsertUnchanged,
// which keeps repeated full-sync batches from inflating update counts.
func (r *EventRepository) Upsert(ctx context.Context, q Queryable, ev *models.CalendarEvent) (UpsertOutcome, error) {
	now := r.Now()

	existing, err := r.GetByProviderID(ctx, q, ev.ConnectionID, ev.ProviderEventID)
	if err != nil {
		return UpsertUnchanged, err
	}

	if existing == nil {
		if ev.ID == "" {
			ev.ID = GenerateID()
		}
		ev.SyncStatus = models.SyncSynced
		_, err := q.ExecContext(ctx, `
			INSERT INTO calendar_events (
				id, connection_id, provider_event_id, title, description, location,
				start_time, end_time, timezone, is_all_day, status, sync_status,
				is_recurring, recurrence_rule, recurrence_frequency, recurrence_interval,
				recurrence_end_date, recurrence_count, exception_dates,
				parent_event_id, series_master_id, html_link, provider_metadata,
				last_synced_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			ev.ID, ev.ConnectionID, ev.ProviderEventID, ev.Title, ev.Description, ev.Location,
			ev.StartTime, ev.EndTime, ev.Timezone, ev.IsAllDay, ev.Status, ev.SyncStatus,
			ev.IsRecurring, ev.RecurrenceRule, ev.RecurrenceFreq, ev.RecurrenceInterval,
			ev.RecurrenceEndDate, ev.RecurrenceCount, ev.ExceptionDates,
			ev.ParentEventID, ev.SeriesMasterID, ev.HTMLLink, ev.ProviderMetadata,
			now, now, now,
		)
		if err != nil {
			return UpsertUnchanged, fmt.Errorf("inserting event: %w", err)
		}
		if err := r.replaceChildren(ctx, q, ev); err != nil {
			return UpsertUnchanged, err
		}
		return UpsertNew, nil
	}

	ev.ID = existing.ID

	if existing.DeletedAt == nil && sameEventFields(existing, ev) {
		if err := r.loadChildren(ctx, q, existing); err != nil {
			return UpsertUnchanged, err
		}
		if sameEventChildren(existing, ev) {
			_, err := q.ExecContext(ctx,
				`UPDATE calendar_events SET last_synced_at = ? WHERE id = ?`, now, existing.ID)
			if err != nil {
				return UpsertUnchanged, fmt.Errorf("touching event: %w", err)
			}
			return UpsertUnchanged, nil
		}

		// Attendee or reminder change only, e.g. an RSVP update.
		if err := r.replaceChildren(ctx, q, ev); err != nil {
			return UpsertUnchanged, err
		}
		_, err := q.ExecContext(ctx,
			`UPDATE calendar_events SET last_synced_at = ?, updated_at = ? WHERE id = ?`,
			now, now, existing.ID)
		if err != nil {
			return UpsertUnchanged, fmt.Errorf("touching event: %w", err)
		}
		return UpsertUpdated, nil
	}

	// Update clears deleted_at so a reappearing event is reactivated.
	_, err = q.ExecContext(ctx, `
		UPDATE calendar_events SET
			title = ?, description = ?, location = ?,
			start_time = ?, end_time = ?, timezone = ?, is_all_day = ?,
			status = ?, sync_status = ?,
			is_recurring = ?, recurrence_rule = ?, recurrence_frequency = ?,
			recurrence_interval = ?, recurrence_end_date = ?, recurrence_count = ?,
			exception_dates = ?, parent_event_id = ?, series_master_id = ?,
			html_link = ?, provider_metadata = ?,
			last_synced_at = ?, updated_at = ?, deleted_at = NULL
		WHERE id = ?
	`,
		ev.Title, ev.Description, ev.Location,
		ev.StartTime, ev.EndTime, ev.Timezone, ev.IsAllDay,
		ev.Status, models.SyncSynced,
		ev.IsRecurring, ev.RecurrenceRule, ev.RecurrenceFreq,
		ev.RecurrenceInterval, ev.RecurrenceEndDate, ev.RecurrenceCount,
		ev.ExceptionDates, ev.ParentEventID, ev.SeriesMasterID,
		ev.HTMLLink, ev.ProviderMetadata,
		now, now, existing.ID,
	)
	if err != nil {
		return UpsertUnchanged, fmt.Errorf("updating event: %w", err)
	}
	if err := r.replaceChildren(ctx, q, ev); err != nil {
		return UpsertUnchanged, err
	}
	return UpsertUpdated, nil
}

func sameEventFields(a, b *models.CalendarEvent) bool {
	return a.Title == b.Title &&
		eqStrPtr(a.Description, b.Description) &&
		eqStrPtr(a.Location, b.Location) &&
		a.StartTime.Equal(b.StartTime) &&
		a.EndTime.Equal(b.EndTime) &&
		a.Timezone == b.Timezone &&
		a.IsAllDay == b.IsAllDay &&
		a.Status == b.Status &&
		a.IsRecurring == b.IsRecurring &&
		eqStrPtr(a.RecurrenceRule, b.RecurrenceRule) &&
		eqStrPtr(a.ExceptionDates, b.ExceptionDates) &&
		eqStrPtr(a.SeriesMasterID, b.SeriesMasterID)
}

// sameEventChildren compares attendee and reminder sets, ignoring order and
// row ids.
func sameEventChildren(a, b *models.CalendarEvent) bool {
	if len(a.Attendees) != len(b.Attendees) || len(a.Reminders) != len(b.Reminders) {
		return false
	}

	att := make(map[string]models.EventAttendee, len(a.Attendees))
	for _, x := range a.Attendees {
		att[x.Email] = x
	}
	for _, y := range b.Attendees {
		x, ok := att[y.Email]
		if !ok ||
			x.RsvpStatus != y.RsvpStatus ||
			x.IsOrganizer != y.IsOrganizer ||
			x.IsOptional != y.IsOptional ||
			!eqStrPtr(x.DisplayName, y.DisplayName) {
			return false
		}
	}

	rem := make(map[models.ReminderMethod]map[int]int, len(a.Reminders))
	for _, x := range a.Reminders {
		if rem[x.Method] == nil {
			rem[x.Method] = make(map[int]int)
		}
		rem[x.Method][x.MinutesBefore]++
	}
	for _, y := range b.Reminders {
		if rem[y.Method] == nil || rem[y.Method][y.MinutesBefore] == 0 {
			return false
		}
		rem[y.Method][y.MinutesBefore]--
	}
	return true
}

func eqStrPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (r *EventRepository) replaceChildren(ctx context.Context, q Queryable, ev *models.CalendarEvent) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM event_attendees WHERE event_id = ?`, ev.ID); err != nil {
		return fmt.Errorf("clearing attendees: %w", err)
	}
	for _, a := range ev.Attendees {
		_, err := q.ExecContext(ctx, `
			INSERT OR IGNORE INTO event_attendees (id, event_id, email, display_name, rsvp_status, is_organizer, is_optional)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, GenerateID(), ev.ID, a.Email, a.DisplayName, a.RsvpStatus, a.IsOrganizer, a.IsOptional)
		if err != nil {
			return fmt.Errorf("inserting attendee: %w", err)
		}
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM event_reminders WHERE event_id = ?`, ev.ID); err != nil {
		return fmt.Errorf("clearing reminders: %w", err)
	}
	for _, rem := range ev.Reminders {
		_, err := q.ExecContext(ctx, `
			INSERT INTO event_reminders (id, event_id, method, minutes_before)
			VALUES (?, ?, ?, ?)
		`, GenerateID(), ev.ID, rem.Method, rem.MinutesBefore)
		if err != nil {
			return fmt.Errorf("inserting reminder: %w", err)
		}
	}
	return nil
}

// SoftDeleteByProviderID marks the row for (connection, provider event id)
// deleted. Reports whether a live row was actually deleted.
func (r *EventRepository) SoftDeleteByProviderID(ctx context.Context, q Queryable, connectionID, providerEventID string) (bool, error) {
	now := r.Now()
	result, err := q.ExecContext(ctx, `
		UPDATE calendar_events SET deleted_at = ?, sync_status = ?, updated_at = ?
		WHERE connection_id = ? AND provider_event_id = ? AND deleted_at IS NULL
	`, now, models.SyncDeleted, now, connectionID, providerEventID)
	if err != nil {
		return false, fmt.Errorf("soft-deleting event: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// SoftDeleteMissing prunes live rows whose provider event id was not observed
// in the batch. Only full-sync (snapshot) batches may call this; incremental
// change-sets say nothing about rows they omit.
func (r *EventRepository) SoftDeleteMissing(ctx context.Context, q Queryable, connectionID string, seen map[string]bool) (int, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT provider_event_id FROM calendar_events
		WHERE connection_id = ? AND deleted_at IS NULL
	`, connectionID)
	if err != nil {
		return 0, fmt.Errorf("querying live events: %w", err)
	}
	defer rows.Close()

	var missing []string
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return 0, fmt.Errorf("scanning event id: %w", err)
		}
		if !seen[pid] {
			missing = append(missing, pid)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	deleted := 0
	for _, pid := range missing {
		ok, err := r.SoftDeleteByProviderID(ctx, q, connectionID, pid)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// ListActiveByConnection returns non-deleted events for a connection.
func (r *EventRepository) ListActiveByConnection(ctx context.Context, connectionID string) ([]models.CalendarEvent, error) {
	return r.listEvents(ctx, `
		SELECT `+eventColumns+` FROM calendar_events
		WHERE connection_id = ? AND deleted_at IS NULL
		ORDER BY start_time
	`, connectionID)
}

// ListForUserWindow returns a user's non-deleted events that overlap the
// window, plus every recurring series master so callers can expand instances
// into the window.
func (r *EventRepository) ListForUserWindow(ctx context.Context, userID string, start, end time.Time) ([]models.CalendarEvent, error) {
	events, err := r.listEvents(ctx, `
		SELECT `+eventColumnsPrefixed("e")+`
		FROM calendar_events e
		JOIN calendar_connections c ON c.id = e.connection_id
		WHERE c.user_id = ? AND c.is_connected = 1 AND c.deleted_at IS NULL
		  AND e.deleted_at IS NULL
		  AND (e.is_recurring = 1 OR (e.start_time < ? AND e.end_time > ?))
		ORDER BY e.start_time
	`, userID, end, start)
	if err != nil {
		return nil, err
	}

	for i := range events {
		if err := r.loadChildren(ctx, r.DB(), &events[i]); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func eventColumnsPrefixed(alias string) string {
	return alias + `.id, ` + alias + `.connection_id, ` + alias + `.provider_event_id, ` +
		alias + `.title, ` + alias + `.description, ` + alias + `.location, ` +
		alias + `.start_time, ` + alias + `.end_time, ` + alias + `.timezone, ` +
		alias + `.is_all_day, ` + alias + `.status, ` + alias + `.sync_status, ` +
		alias + `.is_recurring, ` + alias + `.recurrence_rule, ` + alias + `.recurrence_frequency, ` +
		alias + `.recurrence_interval, ` + alias + `.recurrence_end_date, ` + alias + `.recurrence_count, ` +
		alias + `.exception_dates, ` + alias + `.parent_event_id, ` + alias + `.series_master_id, ` +
		alias + `.html_link, ` + alias + `.provider_metadata, ` +
		alias + `.last_synced_at, ` + alias + `.created_at, ` + alias + `.updated_at, ` + alias + `.deleted_at`
}

func (r *EventRepository) listEvents(ctx context.Context, query string, args ...any) ([]models.CalendarEvent, error) {
	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []models.CalendarEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (r *EventRepository) loadChildren(ctx context.Context, q Queryable, ev *models.CalendarEvent) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, event_id, email, display_name, rsvp_status, is_organizer, is_optional
		FROM event_attendees WHERE event_id = ?
	`, ev.ID)
	if err != nil {
		return fmt.Errorf("querying attendees: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a models.EventAttendee
		if err := rows.Scan(&a.ID, &a.EventID, &a.Email, &a.DisplayName, &a.RsvpStatus, &a.IsOrganizer, &a.IsOptional); err != nil {
			return fmt.Errorf("scanning attendee: %w", err)
		}
		ev.Attendees = append(ev.Attendees, a)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	remRows, err := q.QueryContext(ctx, `
		SELECT id, event_id, method, minutes_before
		FROM event_reminders WHERE event_id = ?
	`, ev.ID)
	if err != nil {
		return fmt.Errorf("querying reminders: %w", err)
	}
	defer remRows.Close()
	for remRows.Next() {
		var rem models.EventReminder
		if err := remRows.Scan(&rem.ID, &rem.EventID, &rem.Method, &rem.MinutesBefore); err != nil {
			return fmt.Errorf("scanning reminder: %w", err)
		}
		ev.Reminders = append(ev.Reminders, rem)
	}
	return remRows.Err()
}

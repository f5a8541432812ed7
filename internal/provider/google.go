package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/calendar-hub/backend/internal/storage/models"
)

const googlePageSize = 250

// GoogleAdapter talks to the Google Calendar API. Incremental sync uses the
// nextSyncToken issued on the last page of a listing; a 410 from the API
// means the token lapsed and surfaces as ErrCursorInvalid.
type GoogleAdapter struct{}

// NewGoogleAdapter creates a Google Calendar adapter.
func NewGoogleAdapter() *GoogleAdapter {
	return &GoogleAdapter{}
}

// Name returns the provider identifier.
func (a *GoogleAdapter) Name() models.Provider {
	return models.ProviderGoogle
}

func (a *GoogleAdapter) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := calendar.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("initializing calendar service: %w", err)
	}
	return svc, nil
}

// ListCalendars returns the calendars on the account's calendar list.
func (a *GoogleAdapter) ListCalendars(ctx context.Context, accessToken string) ([]CalendarInfo, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var out []CalendarInfo
	pageToken := ""
	for {
		call := svc.CalendarList.List().Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return nil, classifyGoogleError(err)
		}
		for _, item := range list.Items {
			out = append(out, CalendarInfo{
				ID:       item.Id,
				Name:     item.Summary,
				Color:    item.BackgroundColor,
				Primary:  item.Primary,
				ReadOnly: item.AccessRole == "reader" || item.AccessRole == "freeBusyReader",
			})
		}
		if list.NextPageToken == "" {
			return out, nil
		}
		pageToken = list.NextPageToken
	}
}

// FetchEvents lists events for the calendar. An empty cursor performs a
// windowed full fetch and returns the fresh sync token; a cursor returns the
// changes since that token. Deleted events arrive as cancelled entries
// because listings always request showDeleted.
func (a *GoogleAdapter) FetchEvents(ctx context.Context, accessToken, calendarID string, window Window, cursor string) (*FetchResult, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	result := &FetchResult{FullSnapshot: cursor == ""}
	pageToken := ""
	for {
		call := svc.Events.List(calendarID).
			Context(ctx).
			ShowDeleted(true).
			MaxResults(googlePageSize)
		if cursor != "" {
			call = call.SyncToken(cursor)
		} else {
			call = call.
				TimeMin(window.Start.Format(time.RFC3339)).
				TimeMax(window.End.Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err != nil {
			return nil, classifyGoogleError(err)
		}

		for _, item := range page.Items {
			result.Events = append(result.Events, googleEventToNeutral(item))
		}

		if page.NextPageToken == "" {
			result.NextCursor = page.NextSyncToken
			return result, nil
		}
		pageToken = page.NextPageToken
	}
}

func googleEventToNeutral(item *calendar.Event) Event {
	ev := Event{
		ProviderID:     item.Id,
		Title:          item.Summary,
		Description:    item.Description,
		Location:       item.Location,
		HTMLLink:       item.HtmlLink,
		SeriesMasterID: item.RecurringEventId,
		Status:         models.EventConfirmed,
	}

	switch item.Status {
	case "cancelled":
		ev.Status = models.EventCancelled
		ev.Removed = true
	case "tentative":
		ev.Status = models.EventTentative
	}

	if item.Start != nil {
		ev.Start, ev.AllDay = parseGoogleTime(item.Start)
		ev.Timezone = item.Start.TimeZone
	}
	if item.End != nil {
		ev.End, _ = parseGoogleTime(item.End)
	}
	if ev.Timezone == "" {
		ev.Timezone = "UTC"
	}

	for _, line := range item.Recurrence {
		if strings.HasPrefix(line, "RRULE:") {
			ev.RecurrenceRule = line
		}
		if strings.HasPrefix(line, "EXDATE") {
			ev.ExceptionDates = append(ev.ExceptionDates, parseExdateLine(line)...)
		}
	}

	for _, att := range item.Attendees {
		if att.Email == "" {
			continue
		}
		a := models.EventAttendee{
			Email:       att.Email,
			RsvpStatus:  googleRsvp(att.ResponseStatus),
			IsOrganizer: att.Organizer,
			IsOptional:  att.Optional,
		}
		if att.DisplayName != "" {
			name := att.DisplayName
			a.DisplayName = &name
		}
		ev.Attendees = append(ev.Attendees, a)
	}

	if item.Reminders != nil {
		for _, o := range item.Reminders.Overrides {
			method := models.ReminderPopup
			if o.Method == "email" {
				method = models.ReminderEmail
			}
			ev.Reminders = append(ev.Reminders, models.EventReminder{
				Method:        method,
				MinutesBefore: int(o.Minutes),
			})
		}
	}

	return ev
}

func parseGoogleTime(dt *calendar.EventDateTime) (time.Time, bool) {
	if dt.Date != "" {
		t, err := time.Parse("2006-01-02", dt.Date)
		if err != nil {
			return time.Time{}, true
		}
		return t, true
	}
	t, err := time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), false
}

// parseExdateLine extracts the calendar dates from an EXDATE property line.
func parseExdateLine(line string) []string {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return nil
	}
	var dates []string
	for _, v := range strings.Split(line[idx+1:], ",") {
		v = strings.TrimSpace(v)
		if len(v) >= 8 {
			dates = append(dates, fmt.Sprintf("%s-%s-%s", v[0:4], v[4:6], v[6:8]))
		}
	}
	return dates
}

func googleRsvp(s string) models.RsvpStatus {
	switch s {
	case "accepted":
		return models.RsvpAccepted
	case "declined":
		return models.RsvpDeclined
	case "tentative":
		return models.RsvpTentative
	default:
		return models.RsvpNeedsAction
	}
}

func neutralToGoogleEvent(ev *Event) *calendar.Event {
	item := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
	}
	if ev.AllDay {
		item.Start = &calendar.EventDateTime{Date: ev.Start.Format("2006-01-02")}
		item.End = &calendar.EventDateTime{Date: ev.End.Format("2006-01-02")}
	} else {
		item.Start = &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: ev.Timezone}
		item.End = &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: ev.Timezone}
	}
	if ev.RecurrenceRule != "" {
		item.Recurrence = []string{ev.RecurrenceRule}
	}
	return item
}

// CreateEvent inserts an event and returns the provider-issued id.
func (a *GoogleAdapter) CreateEvent(ctx context.Context, accessToken, calendarID string, ev *Event) (string, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	created, err := svc.Events.Insert(calendarID, neutralToGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return "", classifyGoogleError(err)
	}
	return created.Id, nil
}

// UpdateEvent replaces the remote event identified by ev.ProviderID.
func (a *GoogleAdapter) UpdateEvent(ctx context.Context, accessToken, calendarID string, ev *Event) error {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return err
	}
	_, err = svc.Events.Update(calendarID, ev.ProviderID, neutralToGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return classifyGoogleError(err)
	}
	return nil
}

// DeleteEvent removes the remote event.
func (a *GoogleAdapter) DeleteEvent(ctx context.Context, accessToken, calendarID, providerEventID string) error {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(calendarID, providerEventID).Context(ctx).Do(); err != nil {
		return classifyGoogleError(err)
	}
	return nil
}

// Watch opens a push channel for the calendar's events collection.
func (a *GoogleAdapter) Watch(ctx context.Context, accessToken, calendarID, notificationURL, clientState string) (*WatchResult, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	ch, err := svc.Events.Watch(calendarID, &calendar.Channel{
		Id:      uuid.NewString(),
		Type:    "web_hook",
		Address: notificationURL,
		Token:   clientState,
	}).Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogleError(err)
	}
	return &WatchResult{
		SubscriptionID: ch.Id,
		ResourcePath:   ch.ResourceId,
		ExpiresAt:      time.UnixMilli(ch.Expiration).UTC(),
	}, nil
}

// RenewWatch is unsupported: Google channels cannot be extended, callers
// must stop the channel and open a new one.
func (a *GoogleAdapter) RenewWatch(ctx context.Context, accessToken string, sub *models.WebhookSubscription) (time.Time, error) {
	return time.Time{}, ErrWatchUnsupported
}

// StopWatch closes the push channel.
func (a *GoogleAdapter) StopWatch(ctx context.Context, accessToken string, sub *models.WebhookSubscription) error {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return err
	}
	err = svc.Channels.Stop(&calendar.Channel{
		Id:         sub.SubscriptionID,
		ResourceId: sub.ResourcePath,
	}).Context(ctx).Do()
	if err != nil {
		return classifyGoogleError(err)
	}
	return nil
}

func classifyGoogleError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	switch gerr.Code {
	case 410:
		return fmt.Errorf("%w: %v", ErrCursorInvalid, err)
	case 401, 403:
		for _, e := range gerr.Errors {
			if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
				return &RateLimitError{}
			}
		}
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case 404:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case 429:
		return &RateLimitError{RetryAfter: retryAfterHeader(gerr.Header.Get("Retry-After"))}
	}
	return err
}

func retryAfterHeader(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

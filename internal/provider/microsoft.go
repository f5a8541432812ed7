package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/calendar-hub/backend/internal/storage/models"
)

const (
	msGraphBaseURL = "https://graph.microsoft.com/v1.0"

	// Graph caps calendar subscription lifetimes at 4230 minutes.
	msSubscriptionTTL = 4230 * time.Minute

	msPageSize = 50
)

// MicrosoftAdapter talks to the Microsoft Graph calendar API. Incremental
// sync stores the @odata.deltaLink issued at the end of a delta walk; a 410
// response means the link lapsed and surfaces as ErrCursorInvalid. Deleted
// events arrive as @removed tombstones carrying only the id.
type MicrosoftAdapter struct {
	client *http.Client
}

// NewMicrosoftAdapter creates a Microsoft Graph adapter.
func NewMicrosoftAdapter() *MicrosoftAdapter {
	return &MicrosoftAdapter{client: &http.Client{Timeout: 30 * time.Second}}
}

// Name returns the provider identifier.
func (a *MicrosoftAdapter) Name() models.Provider {
	return models.ProviderMicrosoft
}

func (a *MicrosoftAdapter) do(ctx context.Context, accessToken, method, rawURL string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling graph: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyGraphError(resp, data)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding graph response: %w", err)
		}
	}
	return nil
}

func classifyGraphError(resp *http.Response, body []byte) error {
	switch resp.StatusCode {
	case 410:
		return fmt.Errorf("%w: graph delta link gone", ErrCursorInvalid)
	case 401:
		return fmt.Errorf("%w: graph returned 401", ErrAuth)
	case 403:
		return fmt.Errorf("%w: graph returned 403", ErrAuth)
	case 404:
		return fmt.Errorf("%w: graph returned 404", ErrNotFound)
	case 429:
		return &RateLimitError{RetryAfter: retryAfterHeader(resp.Header.Get("Retry-After"))}
	}
	if strings.Contains(string(body), "SyncStateNotFound") {
		return fmt.Errorf("%w: sync state not found", ErrCursorInvalid)
	}
	return fmt.Errorf("graph returned %d: %s", resp.StatusCode, string(body))
}

type msCalendar struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	HexColor  string `json:"hexColor"`
	IsDefault bool   `json:"isDefaultCalendar"`
	CanEdit   bool   `json:"canEdit"`
}

// ListCalendars returns the account's calendars.
func (a *MicrosoftAdapter) ListCalendars(ctx context.Context, accessToken string) ([]CalendarInfo, error) {
	var out []CalendarInfo
	next := msGraphBaseURL + "/me/calendars"
	for next != "" {
		var page struct {
			Value    []msCalendar `json:"value"`
			NextLink string       `json:"@odata.nextLink"`
		}
		if err := a.do(ctx, accessToken, http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		for _, c := range page.Value {
			out = append(out, CalendarInfo{
				ID:       c.ID,
				Name:     c.Name,
				Color:    c.HexColor,
				Primary:  c.IsDefault,
				ReadOnly: !c.CanEdit,
			})
		}
		next = page.NextLink
	}
	return out, nil
}

type msDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type msEvent struct {
	ID      string `json:"id"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`

	Subject     string `json:"subject"`
	BodyPreview string `json:"bodyPreview"`
	Location    *struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`

	Start       *msDateTime `json:"start"`
	End         *msDateTime `json:"end"`
	IsAllDay    bool        `json:"isAllDay"`
	IsCancelled bool        `json:"isCancelled"`
	ShowAs      string      `json:"showAs"`
	Type        string      `json:"type"`

	SeriesMasterID string        `json:"seriesMasterId"`
	Recurrence     *msRecurrence `json:"recurrence"`

	WebLink   string `json:"webLink"`
	Attendees []struct {
		EmailAddress struct {
			Address string `json:"address"`
			Name    string `json:"name"`
		} `json:"emailAddress"`
		Status struct {
			Response string `json:"response"`
		} `json:"status"`
		Type string `json:"type"`
	} `json:"attendees"`

	IsReminderOn               bool `json:"isReminderOn"`
	ReminderMinutesBeforeStart int  `json:"reminderMinutesBeforeStart"`
}

type msRecurrence struct {
	Pattern struct {
		Type       string   `json:"type"`
		Interval   int      `json:"interval"`
		DaysOfWeek []string `json:"daysOfWeek"`
		DayOfMonth int      `json:"dayOfMonth"`
	} `json:"pattern"`
	Range struct {
		Type                string `json:"type"`
		StartDate           string `json:"startDate"`
		EndDate             string `json:"endDate"`
		NumberOfOccurrences int    `json:"numberOfOccurrences"`
	} `json:"range"`
}

// FetchEvents walks the calendarView delta. An empty cursor starts a fresh
// windowed walk; otherwise the stored delta link is followed directly. Either
// way every @odata.nextLink page is consumed before the new delta link is
// returned as the next cursor.
func (a *MicrosoftAdapter) FetchEvents(ctx context.Context, accessToken, calendarID string, window Window, cursor string) (*FetchResult, error) {
	next := cursor
	if next == "" {
		params := url.Values{}
		params.Set("startDateTime", window.Start.UTC().Format(time.RFC3339))
		params.Set("endDateTime", window.End.UTC().Format(time.RFC3339))
		next = fmt.Sprintf("%s/me/calendars/%s/calendarView/delta?%s",
			msGraphBaseURL, url.PathEscape(calendarID), params.Encode())
	}

	result := &FetchResult{FullSnapshot: cursor == ""}
	for next != "" {
		var page struct {
			Value     []msEvent `json:"value"`
			NextLink  string    `json:"@odata.nextLink"`
			DeltaLink string    `json:"@odata.deltaLink"`
		}
		if err := a.do(ctx, accessToken, http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		for i := range page.Value {
			result.Events = append(result.Events, graphEventToNeutral(&page.Value[i]))
		}
		if page.DeltaLink != "" {
			result.NextCursor = page.DeltaLink
			return result, nil
		}
		next = page.NextLink
	}
	return result, nil
}

func graphEventToNeutral(item *msEvent) Event {
	ev := Event{
		ProviderID:     item.ID,
		Title:          item.Subject,
		Description:    item.BodyPreview,
		HTMLLink:       item.WebLink,
		SeriesMasterID: item.SeriesMasterID,
		AllDay:         item.IsAllDay,
		Status:         models.EventConfirmed,
		Timezone:       "UTC",
	}

	if item.Removed != nil || item.IsCancelled {
		ev.Removed = true
		ev.Status = models.EventCancelled
		return ev
	}

	if item.Location != nil {
		ev.Location = item.Location.DisplayName
	}
	if item.ShowAs == "tentative" {
		ev.Status = models.EventTentative
	}
	if item.Start != nil {
		ev.Start = parseGraphTime(item.Start)
	}
	if item.End != nil {
		ev.End = parseGraphTime(item.End)
	}
	if item.Recurrence != nil && item.Type == "seriesMaster" {
		ev.RecurrenceRule = graphRecurrenceToRRule(item.Recurrence)
	}

	for _, att := range item.Attendees {
		if att.EmailAddress.Address == "" {
			continue
		}
		ma := models.EventAttendee{
			Email:      att.EmailAddress.Address,
			RsvpStatus: graphRsvp(att.Status.Response),
			IsOptional: att.Type == "optional",
		}
		if att.EmailAddress.Name != "" {
			name := att.EmailAddress.Name
			ma.DisplayName = &name
		}
		ev.Attendees = append(ev.Attendees, ma)
	}

	if item.IsReminderOn {
		ev.Reminders = append(ev.Reminders, models.EventReminder{
			Method:        models.ReminderPopup,
			MinutesBefore: item.ReminderMinutesBeforeStart,
		})
	}

	return ev
}

// Graph timestamps arrive as "2006-01-02T15:04:05.0000000" in the requested
// timezone (always UTC here).
func parseGraphTime(dt *msDateTime) time.Time {
	t, err := time.Parse("2006-01-02T15:04:05.9999999", dt.DateTime)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04:05", dt.DateTime)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

var graphDayToICal = map[string]string{
	"monday": "MO", "tuesday": "TU", "wednesday": "WE", "thursday": "TH",
	"friday": "FR", "saturday": "SA", "sunday": "SU",
}

// graphRecurrenceToRRule converts a Graph recurrence descriptor into an
// RRULE line. Unsupported pattern types yield an empty rule, which callers
// treat as a non-expandable series.
func graphRecurrenceToRRule(rec *msRecurrence) string {
	var freq string
	switch rec.Pattern.Type {
	case "daily":
		freq = "DAILY"
	case "weekly":
		freq = "WEEKLY"
	case "absoluteMonthly", "relativeMonthly":
		freq = "MONTHLY"
	case "absoluteYearly", "relativeYearly":
		freq = "YEARLY"
	default:
		return ""
	}

	parts := []string{"FREQ=" + freq}
	if rec.Pattern.Interval > 1 {
		parts = append(parts, fmt.Sprintf("INTERVAL=%d", rec.Pattern.Interval))
	}
	if freq == "WEEKLY" && len(rec.Pattern.DaysOfWeek) > 0 {
		var days []string
		for _, d := range rec.Pattern.DaysOfWeek {
			if code, ok := graphDayToICal[strings.ToLower(d)]; ok {
				days = append(days, code)
			}
		}
		if len(days) > 0 {
			parts = append(parts, "BYDAY="+strings.Join(days, ","))
		}
	}
	if freq == "MONTHLY" && rec.Pattern.DayOfMonth > 0 {
		parts = append(parts, fmt.Sprintf("BYMONTHDAY=%d", rec.Pattern.DayOfMonth))
	}

	switch rec.Range.Type {
	case "endDate":
		if t, err := time.Parse("2006-01-02", rec.Range.EndDate); err == nil {
			parts = append(parts, "UNTIL="+t.Format("20060102T235959Z"))
		}
	case "numbered":
		if rec.Range.NumberOfOccurrences > 0 {
			parts = append(parts, fmt.Sprintf("COUNT=%d", rec.Range.NumberOfOccurrences))
		}
	}

	return "RRULE:" + strings.Join(parts, ";")
}

func graphRsvp(s string) models.RsvpStatus {
	switch s {
	case "accepted", "organizer":
		return models.RsvpAccepted
	case "declined":
		return models.RsvpDeclined
	case "tentativelyAccepted":
		return models.RsvpTentative
	default:
		return models.RsvpNeedsAction
	}
}

func neutralToGraphEvent(ev *Event) map[string]any {
	body := map[string]any{
		"subject":  ev.Title,
		"isAllDay": ev.AllDay,
		"start":    msDateTime{DateTime: ev.Start.UTC().Format("2006-01-02T15:04:05"), TimeZone: "UTC"},
		"end":      msDateTime{DateTime: ev.End.UTC().Format("2006-01-02T15:04:05"), TimeZone: "UTC"},
	}
	if ev.Description != "" {
		body["body"] = map[string]string{"contentType": "text", "content": ev.Description}
	}
	if ev.Location != "" {
		body["location"] = map[string]string{"displayName": ev.Location}
	}
	return body
}

// CreateEvent inserts an event and returns the provider-issued id.
func (a *MicrosoftAdapter) CreateEvent(ctx context.Context, accessToken, calendarID string, ev *Event) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	endpoint := fmt.Sprintf("%s/me/calendars/%s/events", msGraphBaseURL, url.PathEscape(calendarID))
	if err := a.do(ctx, accessToken, http.MethodPost, endpoint, neutralToGraphEvent(ev), &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// UpdateEvent patches the remote event identified by ev.ProviderID.
func (a *MicrosoftAdapter) UpdateEvent(ctx context.Context, accessToken, calendarID string, ev *Event) error {
	endpoint := fmt.Sprintf("%s/me/events/%s", msGraphBaseURL, url.PathEscape(ev.ProviderID))
	return a.do(ctx, accessToken, http.MethodPatch, endpoint, neutralToGraphEvent(ev), nil)
}

// DeleteEvent removes the remote event.
func (a *MicrosoftAdapter) DeleteEvent(ctx context.Context, accessToken, calendarID, providerEventID string) error {
	endpoint := fmt.Sprintf("%s/me/events/%s", msGraphBaseURL, url.PathEscape(providerEventID))
	return a.do(ctx, accessToken, http.MethodDelete, endpoint, nil, nil)
}

type msSubscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
}

// Watch creates a Graph subscription on the calendar's events collection.
func (a *MicrosoftAdapter) Watch(ctx context.Context, accessToken, calendarID, notificationURL, clientState string) (*WatchResult, error) {
	resource := fmt.Sprintf("/me/calendars/%s/events", calendarID)
	expires := time.Now().UTC().Add(msSubscriptionTTL)

	var created msSubscription
	err := a.do(ctx, accessToken, http.MethodPost, msGraphBaseURL+"/subscriptions", msSubscription{
		ChangeType:         "created,updated,deleted",
		NotificationURL:    notificationURL,
		Resource:           resource,
		ExpirationDateTime: expires.Format(time.RFC3339),
		ClientState:        clientState,
	}, &created)
	if err != nil {
		return nil, err
	}

	expiresAt := expires
	if t, err := time.Parse(time.RFC3339, created.ExpirationDateTime); err == nil {
		expiresAt = t.UTC()
	}
	return &WatchResult{
		SubscriptionID: created.ID,
		ResourcePath:   resource,
		ExpiresAt:      expiresAt,
	}, nil
}

// RenewWatch extends the subscription's expiration.
func (a *MicrosoftAdapter) RenewWatch(ctx context.Context, accessToken string, sub *models.WebhookSubscription) (time.Time, error) {
	expires := time.Now().UTC().Add(msSubscriptionTTL)

	var updated msSubscription
	endpoint := msGraphBaseURL + "/subscriptions/" + url.PathEscape(sub.SubscriptionID)
	err := a.do(ctx, accessToken, http.MethodPatch, endpoint, msSubscription{
		ExpirationDateTime: expires.Format(time.RFC3339),
	}, &updated)
	if err != nil {
		return time.Time{}, err
	}
	if t, perr := time.Parse(time.RFC3339, updated.ExpirationDateTime); perr == nil {
		return t.UTC(), nil
	}
	return expires, nil
}

// StopWatch deletes the subscription.
func (a *MicrosoftAdapter) StopWatch(ctx context.Context, accessToken string, sub *models.WebhookSubscription) error {
	endpoint := msGraphBaseURL + "/subscriptions/" + url.PathEscape(sub.SubscriptionID)
	return a.do(ctx, accessToken, http.MethodDelete, endpoint, nil, nil)
}

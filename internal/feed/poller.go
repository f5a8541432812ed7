// Package feed fetches and parses subscription ICS feeds.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/calendar-hub/backend/internal/provider"
	"github.com/calendar-hub/backend/internal/storage/models"
)

// Outcome is the result of one conditional fetch. A fetch either reports
// NotModified or carries the feed's complete current snapshot; a feed fetch
// never yields a partial change-set.
type Outcome struct {
	Events       []provider.Event
	CalendarName string

	ETag         string
	LastModified string
	NotModified  bool
}

// Poller downloads ICS feeds with conditional requests and parses them into
// neutral events. Parsing happens in full before anything is returned, so a
// malformed feed can never surface a partial snapshot.
type Poller struct {
	httpClient *http.Client
}

// NewPoller creates a feed poller.
func NewPoller() *Poller {
	return &Poller{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// Fetch performs a conditional GET against the feed. A 304 returns an
// Outcome with NotModified set and no events.
func (p *Poller) Fetch(ctx context.Context, feedURL, etag, lastModified string) (*Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building feed request: %w", err)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Outcome{NotModified: true, ETag: etag, LastModified: lastModified}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	outcome, err := p.parse(resp.Body)
	if err != nil {
		return nil, err
	}
	outcome.ETag = resp.Header.Get("ETag")
	outcome.LastModified = resp.Header.Get("Last-Modified")
	return outcome, nil
}

// Validate fetches the feed once to confirm it parses, returning the
// calendar's display name and event count.
func (p *Poller) Validate(ctx context.Context, feedURL string) (string, int, error) {
	outcome, err := p.Fetch(ctx, feedURL, "", "")
	if err != nil {
		return "", 0, err
	}
	name := outcome.CalendarName
	if name == "" {
		name = "Subscribed calendar"
	}
	return name, len(outcome.Events), nil
}

func (p *Poller) parse(r io.Reader) (*Outcome, error) {
	cal, err := ical.NewDecoder(r).Decode()
	if err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}

	outcome := &Outcome{}
	if prop := cal.Props.Get("X-WR-CALNAME"); prop != nil {
		outcome.CalendarName = prop.Value
	}

	for _, ev := range cal.Events() {
		neutral, err := icalEventToNeutral(ev)
		if err != nil {
			// Feeds routinely carry a few broken components; skip them
			// rather than rejecting the whole snapshot.
			continue
		}
		outcome.Events = append(outcome.Events, neutral)
	}
	return outcome, nil
}

func icalEventToNeutral(ev ical.Event) (provider.Event, error) {
	uid := propText(ev.Props, ical.PropUID)
	if uid == "" {
		return provider.Event{}, fmt.Errorf("event has no UID")
	}

	neutral := provider.Event{
		ProviderID:  uid,
		Title:       propText(ev.Props, ical.PropSummary),
		Description: propText(ev.Props, ical.PropDescription),
		Location:    propText(ev.Props, ical.PropLocation),
		Status:      models.EventConfirmed,
		Timezone:    "UTC",
	}
	if neutral.Title == "" {
		neutral.Title = "(untitled)"
	}

	switch strings.ToUpper(propText(ev.Props, ical.PropStatus)) {
	case "CANCELLED":
		// An explicit cancellation, honored as a removal signal.
		neutral.Removed = true
	case "TENTATIVE":
		neutral.Status = models.EventTentative
	}

	start, err := ev.DateTimeStart(time.UTC)
	if err != nil || start.IsZero() {
		return provider.Event{}, fmt.Errorf("event %s has no usable DTSTART", uid)
	}
	neutral.Start = start.UTC()

	if prop := ev.Props.Get(ical.PropDateTimeStart); prop != nil {
		neutral.AllDay = prop.ValueType() == ical.ValueDate
	}

	end, err := ev.DateTimeEnd(time.UTC)
	if err != nil || end.IsZero() || !end.After(start) {
		if neutral.AllDay {
			end = start.AddDate(0, 0, 1)
		} else {
			end = start.Add(time.Hour)
		}
	}
	neutral.End = end.UTC()

	if prop := ev.Props.Get(ical.PropRecurrenceRule); prop != nil && prop.Value != "" {
		neutral.RecurrenceRule = "RRULE:" + prop.Value
	}
	for _, prop := range ev.Props.Values(ical.PropExceptionDates) {
		for _, v := range strings.Split(prop.Value, ",") {
			v = strings.TrimSpace(v)
			if len(v) >= 8 {
				neutral.ExceptionDates = append(neutral.ExceptionDates,
					fmt.Sprintf("%s-%s-%s", v[0:4], v[4:6], v[6:8]))
			}
		}
	}

	return neutral, nil
}

func propText(props ical.Props, name string) string {
	prop := props.Get(name)
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		return prop.Value
	}
	return text
}

// Package provider defines the calendar provider contract and its adapters.
//
// Adapters translate provider-specific APIs into a neutral event shape and a
// neutral cursor. They never touch the database; the sync engine owns
// persistence and deletion semantics.
package provider

import (
	"context"
	"time"

	"github.com/calendar-hub/backend/internal/storage/models"
)

// Window bounds a full event fetch. Incremental fetches ignore it because
// the cursor already scopes the change-set.
type Window struct {
	Start time.Time
	End   time.Time
}

// Event is the provider-neutral representation of one remote event.
type Event struct {
	ProviderID  string
	Title       string
	Description string
	Location    string

	Start    time.Time
	End      time.Time
	Timezone string
	AllDay   bool

	Status models.EventStatus

	// Removed marks an explicit deletion signal: a Google cancelled status
	// or a Graph @removed tombstone. The payload may carry only the id.
	Removed bool

	RecurrenceRule string
	SeriesMasterID string
	ExceptionDates []string

	HTMLLink  string
	Metadata  string
	Attendees []models.EventAttendee
	Reminders []models.EventReminder
}

// FetchResult is one reconciled batch of remote events.
type FetchResult struct {
	Events []Event

	// NextCursor resumes future incremental fetches. Empty means the
	// provider issued no cursor.
	NextCursor string

	// FullSnapshot reports whether Events is the complete window contents
	// (absence implies deletion) rather than an incremental change-set.
	FullSnapshot bool
}

// CalendarInfo describes one calendar visible to the authorized account.
type CalendarInfo struct {
	ID       string
	Name     string
	Color    string
	Primary  bool
	ReadOnly bool
}

// WatchResult describes a registered push-notification channel.
type WatchResult struct {
	SubscriptionID string
	ResourcePath   string
	ExpiresAt      time.Time
}

// Adapter is the per-provider calendar API surface.
type Adapter interface {
	Name() models.Provider

	ListCalendars(ctx context.Context, accessToken string) ([]CalendarInfo, error)

	// FetchEvents returns events for the calendar. With an empty cursor it
	// performs a windowed full fetch; with a cursor it returns changes since
	// that cursor. A stale cursor yields ErrCursorInvalid.
	FetchEvents(ctx context.Context, accessToken, calendarID string, window Window, cursor string) (*FetchResult, error)

	CreateEvent(ctx context.Context, accessToken, calendarID string, ev *Event) (string, error)
	UpdateEvent(ctx context.Context, accessToken, calendarID string, ev *Event) error
	DeleteEvent(ctx context.Context, accessToken, calendarID, providerEventID string) error

	// Watch registers a push channel delivering to notificationURL.
	// clientState is echoed back on notifications for validation.
	Watch(ctx context.Context, accessToken, calendarID, notificationURL, clientState string) (*WatchResult, error)
	RenewWatch(ctx context.Context, accessToken string, sub *models.WebhookSubscription) (time.Time, error)
	StopWatch(ctx context.Context, accessToken string, sub *models.WebhookSubscription) error
}

// Registry maps provider names to adapters.
type Registry struct {
	adapters map[models.Provider]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Provider]Adapter)}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for the provider, or nil if none is registered.
func (r *Registry) Get(p models.Provider) Adapter {
	return r.adapters[p]
}

// Package sync reconciles remote calendar state into local storage.
package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/calendar-hub/backend/internal/feed"
	"github.com/calendar-hub/backend/internal/provider"
	"github.com/calendar-hub/backend/internal/storage"
	"github.com/calendar-hub/backend/internal/storage/models"
	"github.com/calendar-hub/backend/internal/vault"
)

// ErrSyncInProgress means another pass holds the connection's lease. A
// follow-up pass is already queued, so callers can treat this as success.
var ErrSyncInProgress = errors.New("sync already in progress for connection")

// Broadcaster pushes sync lifecycle updates to connected clients.
type Broadcaster interface {
	SyncCompleted(userID, connectionID string, stats models.SyncStats)
	SyncFailed(userID, connectionID string, message string)
}

// TokenSource yields access tokens for OAuth connections. ForceRefresh is
// the escape hatch for tokens the provider rejects before their recorded
// expiry.
type TokenSource interface {
	AccessToken(ctx context.Context, conn *models.CalendarConnection) (string, error)
	ForceRefresh(ctx context.Context, conn *models.CalendarConnection) (string, error)
}

// Engine runs sync passes over calendar connections. One pass fetches a
// batch from the provider (or feed), applies it together with the advanced
// cursor inside a single transaction, and reports stats.
//
// Deletion semantics depend on the batch kind: a full snapshot prunes local
// rows absent from it, an incremental change-set only honors explicit
// removal signals.
type Engine struct {
	db          *storage.DB
	connections *storage.ConnectionRepository
	events      *storage.EventRepository
	registry    *provider.Registry
	tokens      TokenSource
	vault       vault.Vault
	poller      *feed.Poller
	broadcaster Broadcaster
	window      func(now time.Time) (time.Time, time.Time)
	leases      *leases
}

// NewEngine creates a sync engine.
func NewEngine(
	db *storage.DB,
	connections *storage.ConnectionRepository,
	events *storage.EventRepository,
	registry *provider.Registry,
	tokens TokenSource,
	v vault.Vault,
	poller *feed.Poller,
	broadcaster Broadcaster,
	window func(now time.Time) (time.Time, time.Time),
) *Engine {
	return &Engine{
		db:          db,
		connections: connections,
		events:      events,
		registry:    registry,
		tokens:      tokens,
		vault:       v,
		poller:      poller,
		broadcaster: broadcaster,
		window:      window,
		leases:      newLeases(),
	}
}

// SyncConnection runs one sync pass for the connection. When a pass is
// already running the trigger is coalesced into a queued re-run and
// ErrSyncInProgress is returned.
func (e *Engine) SyncConnection(ctx context.Context, connectionID string) (*models.SyncStats, error) {
	if !e.leases.TryAcquire(connectionID) {
		return nil, ErrSyncInProgress
	}

	stats, userID, err := e.syncHeld(ctx, connectionID)

	if e.leases.Release(connectionID) {
		go e.rerun(connectionID)
	}

	if e.broadcaster != nil && userID != "" {
		if err != nil {
			e.broadcaster.SyncFailed(userID, connectionID, err.Error())
		} else {
			e.broadcaster.SyncCompleted(userID, connectionID, *stats)
		}
	}
	return stats, err
}

func (e *Engine) rerun(connectionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := e.SyncConnection(ctx, connectionID); err != nil && !errors.Is(err, ErrSyncInProgress) {
		log.Printf("Queued re-sync of connection %s failed: %v", connectionID, err)
	}
}

func (e *Engine) syncHeld(ctx context.Context, connectionID string) (*models.SyncStats, string, error) {
	conn, err := e.connections.GetByID(ctx, connectionID)
	if err != nil {
		return nil, "", err
	}
	if conn == nil {
		return nil, "", fmt.Errorf("connection not found: %s", connectionID)
	}
	if !conn.IsConnected {
		return nil, conn.UserID, fmt.Errorf("connection %s is disconnected", connectionID)
	}
	if conn.NeedsReauth {
		return nil, conn.UserID, fmt.Errorf("connection %s needs re-authorization", connectionID)
	}

	var stats *models.SyncStats
	if conn.Provider == models.ProviderICS {
		stats, err = e.syncFeed(ctx, conn)
	} else {
		stats, err = e.syncProvider(ctx, conn)
	}
	if err != nil {
		return nil, conn.UserID, err
	}
	return stats, conn.UserID, nil
}

func (e *Engine) syncProvider(ctx context.Context, conn *models.CalendarConnection) (*models.SyncStats, error) {
	adapter := e.registry.Get(conn.Provider)
	if adapter == nil {
		return nil, fmt.Errorf("no adapter for provider %s", conn.Provider)
	}

	accessToken, err := e.tokens.AccessToken(ctx, conn)
	if err != nil {
		return nil, err
	}

	cursor := ""
	if conn.SyncToken != nil {
		cursor = *conn.SyncToken
	}
	windowStart, windowEnd := e.window(time.Now().UTC())
	window := provider.Window{Start: windowStart, End: windowEnd}

	fetch := func(accessToken string) (*provider.FetchResult, error) {
		result, err := adapter.FetchEvents(ctx, accessToken, conn.CalendarID, window, cursor)
		if errors.Is(err, provider.ErrCursorInvalid) && cursor != "" {
			// Stale cursor: fall back to one windowed full sync.
			log.Printf("Cursor for connection %s lapsed, running full sync", conn.ID)
			result, err = adapter.FetchEvents(ctx, accessToken, conn.CalendarID, window, "")
		}
		return result, err
	}

	result, err := fetch(accessToken)
	if errors.Is(err, provider.ErrAuth) {
		// The provider rejected a token we still considered valid, e.g.
		// after revocation. One forced refresh before giving up; a failed
		// refresh already flags the connection.
		log.Printf("Provider rejected token for connection %s, refreshing", conn.ID)
		fresh, refreshErr := e.tokens.ForceRefresh(ctx, conn)
		if refreshErr != nil {
			return nil, fmt.Errorf("fetching events for connection %s: %w", conn.ID, refreshErr)
		}
		result, err = fetch(fresh)
	}
	if err != nil {
		if errors.Is(err, provider.ErrAuth) {
			if markErr := e.connections.MarkNeedsReauth(ctx, conn.ID); markErr != nil {
				log.Printf("Failed to flag connection %s for reauth: %v", conn.ID, markErr)
			}
		}
		return nil, fmt.Errorf("fetching events for connection %s: %w", conn.ID, err)
	}

	var nextCursor *string
	if result.NextCursor != "" {
		nextCursor = &result.NextCursor
	}
	stats, err := e.applyBatch(ctx, conn, result, func(tx *sql.Tx, syncedAt time.Time) error {
		return e.connections.SaveCursor(ctx, tx, conn.ID, nextCursor, syncedAt)
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (e *Engine) syncFeed(ctx context.Context, conn *models.CalendarConnection) (*models.SyncStats, error) {
	if conn.FeedURL == nil {
		return nil, fmt.Errorf("connection %s has no feed URL", conn.ID)
	}
	feedURL, err := e.vault.Decrypt(*conn.FeedURL)
	if err != nil {
		return nil, fmt.Errorf("decrypting feed URL: %w", err)
	}

	etag, lastModified := "", ""
	if conn.FeedETag != nil {
		etag = *conn.FeedETag
	}
	if conn.FeedLastModified != nil {
		lastModified = *conn.FeedLastModified
	}

	outcome, err := e.poller.Fetch(ctx, feedURL, etag, lastModified)
	if err != nil {
		return nil, fmt.Errorf("polling feed for connection %s: %w", conn.ID, err)
	}

	if outcome.NotModified {
		if err := e.connections.TouchSynced(ctx, conn.ID); err != nil {
			return nil, err
		}
		return &models.SyncStats{}, nil
	}

	// A feed fetch is always a complete snapshot: rows missing from it are
	// pruned below.
	result := &provider.FetchResult{Events: outcome.Events, FullSnapshot: true}

	var newETag, newLastModified *string
	if outcome.ETag != "" {
		newETag = &outcome.ETag
	}
	if outcome.LastModified != "" {
		newLastModified = &outcome.LastModified
	}
	return e.applyBatch(ctx, conn, result, func(tx *sql.Tx, syncedAt time.Time) error {
		return e.connections.SaveFeedValidators(ctx, tx, conn.ID, newETag, newLastModified, syncedAt)
	})
}

// applyBatch applies one fetched batch and the cursor advancement in a
// single transaction, so a crash can never persist a cursor whose batch was
// lost.
func (e *Engine) applyBatch(ctx context.Context, conn *models.CalendarConnection, result *provider.FetchResult, saveCursor func(tx *sql.Tx, syncedAt time.Time) error) (*models.SyncStats, error) {
	stats := &models.SyncStats{}

	err := e.db.Transaction(func(tx *sql.Tx) error {
		seen := make(map[string]bool, len(result.Events))

		for i := range result.Events {
			ev := &result.Events[i]

			if ev.Removed {
				deleted, err := e.events.SoftDeleteByProviderID(ctx, tx, conn.ID, ev.ProviderID)
				if err != nil {
					return err
				}
				if deleted {
					stats.Deleted++
				}
				continue
			}

			seen[ev.ProviderID] = true
			row := neutralToRow(conn.ID, ev)
			outcome, err := e.events.Upsert(ctx, tx, row)
			if err != nil {
				log.Printf("Upsert of event %s on connection %s failed: %v", ev.ProviderID, conn.ID, err)
				stats.Errors++
				continue
			}
			stats.Total++
			switch outcome {
			case storage.UpsertNew:
				stats.New++
			case storage.UpsertUpdated:
				stats.Updated++
			}
		}

		if result.FullSnapshot {
			pruned, err := e.events.SoftDeleteMissing(ctx, tx, conn.ID, seen)
			if err != nil {
				return err
			}
			stats.Deleted += pruned
		}

		return saveCursor(tx, time.Now().UTC())
	})
	if err != nil {
		return nil, fmt.Errorf("applying sync batch for connection %s: %w", conn.ID, err)
	}
	return stats, nil
}

// neutralToRow maps a provider event onto the canonical row shape.
func neutralToRow(connectionID string, ev *provider.Event) *models.CalendarEvent {
	row := &models.CalendarEvent{
		ConnectionID:    connectionID,
		ProviderEventID: ev.ProviderID,
		Title:           ev.Title,
		StartTime:       ev.Start.UTC(),
		EndTime:         ev.End.UTC(),
		Timezone:        ev.Timezone,
		IsAllDay:        ev.AllDay,
		Status:          ev.Status,
		Attendees:       ev.Attendees,
		Reminders:       ev.Reminders,
	}
	if row.Title == "" {
		row.Title = "(untitled)"
	}
	if row.Timezone == "" {
		row.Timezone = "UTC"
	}
	if row.Status == "" {
		row.Status = models.EventConfirmed
	}

	setOpt := func(dst **string, v string) {
		if v != "" {
			s := v
			*dst = &s
		}
	}
	setOpt(&row.Description, ev.Description)
	setOpt(&row.Location, ev.Location)
	setOpt(&row.HTMLLink, ev.HTMLLink)
	setOpt(&row.SeriesMasterID, ev.SeriesMasterID)
	setOpt(&row.ProviderMetadata, ev.Metadata)

	if ev.RecurrenceRule != "" {
		row.IsRecurring = true
		rule := ev.RecurrenceRule
		row.RecurrenceRule = &rule
		fillRecurrenceDescriptor(row, rule)
	}
	if len(ev.ExceptionDates) > 0 {
		joined := strings.Join(ev.ExceptionDates, ",")
		row.ExceptionDates = &joined
	}
	return row
}

// fillRecurrenceDescriptor breaks the RRULE text out into queryable columns.
func fillRecurrenceDescriptor(row *models.CalendarEvent, rule string) {
	for _, part := range strings.Split(strings.TrimPrefix(rule, "RRULE:"), ";") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch strings.ToUpper(key) {
		case "FREQ":
			freq := strings.ToUpper(value)
			row.RecurrenceFreq = &freq
		case "INTERVAL":
			if n, err := strconv.Atoi(value); err == nil {
				row.RecurrenceInterval = &n
			}
		case "COUNT":
			if n, err := strconv.Atoi(value); err == nil {
				row.RecurrenceCount = &n
			}
		case "UNTIL":
			for _, layout := range []string{"20060102T150405Z", "20060102"} {
				if t, err := time.Parse(layout, value); err == nil {
					row.RecurrenceEndDate = &t
					break
				}
			}
		}
	}
}

// SyncAllFeeds runs a pass over every connected feed subscription,
// fanning out across a small worker pool.
func (e *Engine) SyncAllFeeds(ctx context.Context) models.SyncStats {
	return e.syncMany(ctx, models.ProviderICS)
}

// SyncAllProviders runs a pass over every connected OAuth-provider
// calendar. This is the polling safety net for connections whose push
// channel lapsed.
func (e *Engine) SyncAllProviders(ctx context.Context) models.SyncStats {
	var total models.SyncStats
	total.Add(e.syncMany(ctx, models.ProviderGoogle))
	total.Add(e.syncMany(ctx, models.ProviderMicrosoft))
	return total
}

func (e *Engine) syncMany(ctx context.Context, p models.Provider) models.SyncStats {
	conns, err := e.connections.ListConnectedByProvider(ctx, p)
	if err != nil {
		log.Printf("Listing %s connections failed: %v", p, err)
		return models.SyncStats{}
	}

	const workers = 4
	jobs := make(chan string)
	results := make(chan models.SyncStats)

	for i := 0; i < workers; i++ {
		go func() {
			for id := range jobs {
				var item models.SyncStats
				stats, err := e.SyncConnection(ctx, id)
				switch {
				case errors.Is(err, ErrSyncInProgress):
					// Coalesced, nothing to count.
				case err != nil:
					log.Printf("Sync of connection %s failed: %v", id, err)
					item.Errors++
				default:
					item = *stats
				}
				results <- item
			}
		}()
	}

	go func() {
		for _, conn := range conns {
			jobs <- conn.ID
		}
		close(jobs)
	}()

	var total models.SyncStats
	for range conns {
		total.Add(<-results)
	}
	return total
}

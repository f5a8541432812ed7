package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calendar-hub/backend/internal/storage/models"
)

// ConnectionRepository provides data access for calendar connections.
type ConnectionRepository struct {
	BaseRepository
}

// NewConnectionRepository creates a new connection repository.
func NewConnectionRepository(db *DB) *ConnectionRepository {
	return &ConnectionRepository{BaseRepository: NewBaseRepository(db)}
}

const connectionColumns = `
	id, user_id, provider, calendar_id, calendar_name, calendar_color,
	access_token, refresh_token, token_expires_at, sync_token,
	feed_url, feed_etag, feed_last_modified,
	is_connected, is_read_only, needs_reauth, last_synced_at,
	created_at, updated_at, deleted_at`

func scanConnection(row interface{ Scan(...any) error }) (*models.CalendarConnection, error) {
	c := &models.CalendarConnection{}
	err := row.Scan(
		&c.ID, &c.UserID, &c.Provider, &c.CalendarID, &c.CalendarName, &c.CalendarColor,
		&c.AccessToken, &c.RefreshToken, &c.TokenExpiresAt, &c.SyncToken,
		&c.FeedURL, &c.FeedETag, &c.FeedLastModified,
		&c.IsConnected, &c.IsReadOnly, &c.NeedsReauth, &c.LastSyncedAt,
		&c.CreatedAt, &c.UpdatedAt, &c.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Create inserts a new connection.
func (r *ConnectionRepository) Create(ctx context.Context, c *models.CalendarConnection) error {
	if c.ID == "" {
		c.ID = GenerateID()
	}
	c.CreatedAt = r.Now()
	c.UpdatedAt = c.CreatedAt

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO calendar_connections (
			id, user_id, provider, calendar_id, calendar_name, calendar_color,
			access_token, refresh_token, token_expires_at, sync_token,
			feed_url, feed_etag, feed_last_modified,
			is_connected, is_read_only, needs_reauth, last_synced_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.UserID, c.Provider, c.CalendarID, c.CalendarName, c.CalendarColor,
		c.AccessToken, c.RefreshToken, c.TokenExpiresAt, c.SyncToken,
		c.FeedURL, c.FeedETag, c.FeedLastModified,
		c.IsConnected, c.IsReadOnly, c.NeedsReauth, c.LastSyncedAt,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting connection: %w", err)
	}
	return nil
}

// GetByID retrieves a connection by its ID. Returns nil when not found.
func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*models.CalendarConnection, error) {
	c, err := scanConnection(r.DB().QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying connection: %w", err)
	}
	return c, nil
}

// FindActive looks up the non-deleted connection for (user, provider, calendar).
// Returns nil when no such connection exists.
func (r *ConnectionRepository) FindActive(ctx context.Context, userID string, provider models.Provider, calendarID string) (*models.CalendarConnection, error) {
	c, err := scanConnection(r.DB().QueryRowContext(ctx, `
		SELECT `+connectionColumns+` FROM calendar_connections
		WHERE user_id = ? AND provider = ? AND calendar_id = ? AND deleted_at IS NULL
	`, userID, provider, calendarID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying connection: %w", err)
	}
	return c, nil
}

func (r *ConnectionRepository) list(ctx context.Context, query string, args ...any) ([]models.CalendarConnection, error) {
	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}
	defer rows.Close()

	var conns []models.CalendarConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning connection: %w", err)
		}
		conns = append(conns, *c)
	}
	return conns, rows.Err()
}

// ListByUser returns all non-deleted connections owned by a user.
func (r *ConnectionRepository) ListByUser(ctx context.Context, userID string) ([]models.CalendarConnection, error) {
	return r.list(ctx, `
		SELECT `+connectionColumns+` FROM calendar_connections
		WHERE user_id = ? AND deleted_at IS NULL
		ORDER BY calendar_name
	`, userID)
}

// ListConnectedByProvider returns connected, non-deleted connections for one
// provider, oldest-synced first.
func (r *ConnectionRepository) ListConnectedByProvider(ctx context.Context, provider models.Provider) ([]models.CalendarConnection, error) {
	return r.list(ctx, `
		SELECT `+connectionColumns+` FROM calendar_connections
		WHERE provider = ? AND is_connected = 1 AND deleted_at IS NULL
		ORDER BY last_synced_at ASC NULLS FIRST
	`, provider)
}

// ListConnected returns every connected, non-deleted connection.
func (r *ConnectionRepository) ListConnected(ctx context.Context) ([]models.CalendarConnection, error) {
	return r.list(ctx, `
		SELECT `+connectionColumns+` FROM calendar_connections
		WHERE is_connected = 1 AND deleted_at IS NULL
		ORDER BY last_synced_at ASC NULLS FIRST
	`)
}

// UpdateTokens stores freshly refreshed (encrypted) token material and clears
// any pending re-authorization flag.
func (r *ConnectionRepository) UpdateTokens(ctx context.Context, id string, accessToken, refreshToken *string, expiresAt *time.Time) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE calendar_connections SET
			access_token = ?,
			refresh_token = COALESCE(?, refresh_token),
			token_expires_at = ?,
			needs_reauth = 0,
			updated_at = ?
		WHERE id = ?
	`, accessToken, refreshToken, expiresAt, r.Now(), id)
	if err != nil {
		return fmt.Errorf("updating tokens: %w", err)
	}
	return nil
}

// MarkNeedsReauth flags a connection whose refresh token no longer works.
// The connection stays visible so the consuming layer can prompt re-consent.
func (r *ConnectionRepository) MarkNeedsReauth(ctx context.Context, id string) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE calendar_connections SET needs_reauth = 1, updated_at = ? WHERE id = ?
	`, r.Now(), id)
	if err != nil {
		return fmt.Errorf("marking needs reauth: %w", err)
	}
	return nil
}

// SaveCursor stores the sync cursor and last-synced timestamp. It runs on the
// given Queryable so the reconciliation engine can commit cursor advancement
// atomically with the event batch.
func (r *ConnectionRepository) SaveCursor(ctx context.Context, q Queryable, id string, cursor *string, syncedAt time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE calendar_connections SET sync_token = ?, last_synced_at = ?, updated_at = ? WHERE id = ?
	`, cursor, syncedAt, syncedAt, id)
	if err != nil {
		return fmt.Errorf("saving cursor: %w", err)
	}
	return nil
}

// SaveFeedValidators stores the conditional-GET validators from the last
// successful feed fetch, atomically with the feed batch.
func (r *ConnectionRepository) SaveFeedValidators(ctx context.Context, q Queryable, id string, etag, lastModified *string, syncedAt time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE calendar_connections SET
			feed_etag = ?, feed_last_modified = ?, last_synced_at = ?, updated_at = ?
		WHERE id = ?
	`, etag, lastModified, syncedAt, syncedAt, id)
	if err != nil {
		return fmt.Errorf("saving feed validators: %w", err)
	}
	return nil
}

// TouchSynced bumps last_synced_at without touching anything else, used when
// a feed responds 304 Not Modified.
func (r *ConnectionRepository) TouchSynced(ctx context.Context, id string) error {
	now := r.Now()
	_, err := r.DB().ExecContext(ctx, `
		UPDATE calendar_connections SET last_synced_at = ?, updated_at = ? WHERE id = ?
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("touching last synced: %w", err)
	}
	return nil
}

// Reconnect reactivates a previously disconnected connection in place.
func (r *ConnectionRepository) Reconnect(ctx context.Context, id string) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE calendar_connections SET
			is_connected = 1, deleted_at = NULL, needs_reauth = 0, updated_at = ?
		WHERE id = ?
	`, r.Now(), id)
	if err != nil {
		return fmt.Errorf("reconnecting: %w", err)
	}
	return nil
}

// Disconnect soft-deletes a connection and clears its cursor and cached feed
// validators. Rows are never hard-deleted outside administrative purge.
func (r *ConnectionRepository) Disconnect(ctx context.Context, id string) error {
	now := r.Now()
	result, err := r.DB().ExecContext(ctx, `
		UPDATE calendar_connections SET
			is_connected = 0, deleted_at = ?, sync_token = NULL,
			feed_etag = NULL, feed_last_modified = NULL, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("disconnecting: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("connection not found: %s", id)
	}
	return nil
}

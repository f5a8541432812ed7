package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calendar-hub/backend/internal/storage/models"
)

// WebhookRepository provides data access for push-notification subscriptions.
type WebhookRepository struct {
	BaseRepository
}

// NewWebhookRepository creates a new webhook repository.
func NewWebhookRepository(db *DB) *WebhookRepository {
	return &WebhookRepository{BaseRepository: NewBaseRepository(db)}
}

const webhookColumns = `
	id, connection_id, provider, subscription_id, resource_path,
	expires_at, client_state, notification_url, is_active,
	last_notification_at, created_at, updated_at`

func scanWebhook(row interface{ Scan(...any) error }) (*models.WebhookSubscription, error) {
	s := &models.WebhookSubscription{}
	err := row.Scan(
		&s.ID, &s.ConnectionID, &s.Provider, &s.SubscriptionID, &s.ResourcePath,
		&s.ExpiresAt, &s.ClientState, &s.NotificationURL, &s.IsActive,
		&s.LastNotificationAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Create inserts a new subscription record.
func (r *WebhookRepository) Create(ctx context.Context, sub *models.WebhookSubscription) error {
	if sub.ID == "" {
		sub.ID = GenerateID()
	}
	now := r.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (
			id, connection_id, provider, subscription_id, resource_path,
			expires_at, client_state, notification_url, is_active,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sub.ID, sub.ConnectionID, sub.Provider, sub.SubscriptionID, sub.ResourcePath,
		sub.ExpiresAt, sub.ClientState, sub.NotificationURL, sub.IsActive,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("creating webhook subscription: %w", err)
	}
	return nil
}

// GetBySubscriptionID finds a subscription by its provider-issued identifier.
// Returns nil when not found.
func (r *WebhookRepository) GetBySubscriptionID(ctx context.Context, provider models.Provider, subscriptionID string) (*models.WebhookSubscription, error) {
	s, err := scanWebhook(r.DB().QueryRowContext(ctx, `
		SELECT `+webhookColumns+` FROM webhook_subscriptions
		WHERE provider = ? AND subscription_id = ?
	`, provider, subscriptionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying webhook subscription: %w", err)
	}
	return s, nil
}

// ListActiveByConnection returns active subscriptions for a connection.
func (r *WebhookRepository) ListActiveByConnection(ctx context.Context, connectionID string) ([]models.WebhookSubscription, error) {
	return r.list(ctx, `
		SELECT `+webhookColumns+` FROM webhook_subscriptions
		WHERE connection_id = ? AND is_active = 1
		ORDER BY created_at
	`, connectionID)
}

// ListExpiring returns active subscriptions expiring at or before deadline.
func (r *WebhookRepository) ListExpiring(ctx context.Context, deadline time.Time) ([]models.WebhookSubscription, error) {
	return r.list(ctx, `
		SELECT `+webhookColumns+` FROM webhook_subscriptions
		WHERE is_active = 1 AND expires_at <= ?
		ORDER BY expires_at
	`, deadline)
}

func (r *WebhookRepository) list(ctx context.Context, query string, args ...any) ([]models.WebhookSubscription, error) {
	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying webhook subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.WebhookSubscription
	for rows.Next() {
		s, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning webhook subscription: %w", err)
		}
		subs = append(subs, *s)
	}
	return subs, rows.Err()
}

// UpdateExpiry records a renewed expiration timestamp.
func (r *WebhookRepository) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE webhook_subscriptions SET expires_at = ?, updated_at = ? WHERE id = ?
	`, expiresAt, r.Now(), id)
	if err != nil {
		return fmt.Errorf("updating webhook expiry: %w", err)
	}
	return nil
}

// RecordNotification stamps the time of the latest accepted notification.
func (r *WebhookRepository) RecordNotification(ctx context.Context, id string) error {
	now := r.Now()
	_, err := r.DB().ExecContext(ctx, `
		UPDATE webhook_subscriptions SET last_notification_at = ?, updated_at = ? WHERE id = ?
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("recording webhook notification: %w", err)
	}
	return nil
}

// Deactivate marks a subscription inactive.
func (r *WebhookRepository) Deactivate(ctx context.Context, id string) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE webhook_subscriptions SET is_active = 0, updated_at = ? WHERE id = ?
	`, r.Now(), id)
	if err != nil {
		return fmt.Errorf("deactivating webhook subscription: %w", err)
	}
	return nil
}

// DeactivateExpired marks every lapsed subscription inactive and returns the
// number affected.
func (r *WebhookRepository) DeactivateExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := r.DB().ExecContext(ctx, `
		UPDATE webhook_subscriptions SET is_active = 0, updated_at = ?
		WHERE is_active = 1 AND expires_at <= ?
	`, r.Now(), now)
	if err != nil {
		return 0, fmt.Errorf("deactivating expired webhook subscriptions: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

package models

import (
	"time"
)

// WebhookSubscription is one push-notification registration bound to a
// calendar connection. (provider, subscription id) is unique.
type WebhookSubscription struct {
	ID           string   `json:"id"`
	ConnectionID string   `json:"connection_id"`
	Provider     Provider `json:"provider"`

	// SubscriptionID is the provider-issued identifier: a Graph subscription
	// id or a Google push channel id.
	SubscriptionID string `json:"subscription_id"`
	ResourcePath   string `json:"resource_path"`

	ExpiresAt       time.Time `json:"expires_at"`
	ClientState     string    `json:"-"` // validation secret, never serialized
	NotificationURL string    `json:"notification_url"`

	IsActive           bool       `json:"is_active"`
	LastNotificationAt *time.Time `json:"last_notification_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExpiringBy reports whether the subscription expires within the lookahead
// window ending at deadline.
func (s *WebhookSubscription) ExpiringBy(deadline time.Time) bool {
	return s.ExpiresAt.Before(deadline)
}

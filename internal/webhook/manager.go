// Package webhook manages provider push-notification subscriptions and
// validates incoming notifications.
package webhook

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/calendar-hub/backend/internal/provider"
	"github.com/calendar-hub/backend/internal/storage"
	"github.com/calendar-hub/backend/internal/storage/models"
	"github.com/calendar-hub/backend/internal/sync"
)

// RenewalLookahead is how far ahead of expiry subscriptions get renewed.
const RenewalLookahead = 24 * time.Hour

var (
	// ErrUnknownSubscription means no active subscription matches the
	// notification.
	ErrUnknownSubscription = errors.New("unknown webhook subscription")

	// ErrBadClientState means the notification's validation secret did not
	// match the stored one.
	ErrBadClientState = errors.New("webhook client state mismatch")
)

// SyncTrigger starts a sync pass for a connection. Implemented by the sync
// engine; a coalesced ErrSyncInProgress counts as success here.
type SyncTrigger interface {
	SyncConnection(ctx context.Context, connectionID string) (*models.SyncStats, error)
}

// TokenSource yields a usable access token for a connection.
type TokenSource interface {
	AccessToken(ctx context.Context, conn *models.CalendarConnection) (string, error)
}

// Manager owns the webhook subscription lifecycle: register on connect,
// renew ahead of expiry, validate and dispatch notifications, tear down on
// disconnect.
type Manager struct {
	subscriptions *storage.WebhookRepository
	connections   *storage.ConnectionRepository
	registry      *provider.Registry
	tokens        TokenSource
	trigger       SyncTrigger
	baseURL       string
}

// NewManager creates a webhook manager. baseURL is the externally reachable
// origin notifications are delivered to.
func NewManager(
	subscriptions *storage.WebhookRepository,
	connections *storage.ConnectionRepository,
	registry *provider.Registry,
	tokens TokenSource,
	trigger SyncTrigger,
	baseURL string,
) *Manager {
	return &Manager{
		subscriptions: subscriptions,
		connections:   connections,
		registry:      registry,
		tokens:        tokens,
		trigger:       trigger,
		baseURL:       strings.TrimRight(baseURL, "/"),
	}
}

func (m *Manager) notificationURL(p models.Provider) string {
	return fmt.Sprintf("%s/api/webhooks/%s", m.baseURL, p)
}

// Ensure registers a push subscription for the connection unless a healthy
// one already exists. Feed connections have nothing to subscribe to.
func (m *Manager) Ensure(ctx context.Context, connectionID string) error {
	conn, err := m.connections.GetByID(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn == nil {
		return fmt.Errorf("connection not found: %s", connectionID)
	}
	if !conn.Provider.OAuth() {
		return nil
	}

	existing, err := m.subscriptions.ListActiveByConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	deadline := time.Now().UTC().Add(RenewalLookahead)
	for _, sub := range existing {
		if !sub.ExpiringBy(deadline) {
			return nil
		}
	}

	return m.register(ctx, conn)
}

func (m *Manager) register(ctx context.Context, conn *models.CalendarConnection) error {
	adapter := m.registry.Get(conn.Provider)
	if adapter == nil {
		return fmt.Errorf("no adapter for provider %s", conn.Provider)
	}
	accessToken, err := m.tokens.AccessToken(ctx, conn)
	if err != nil {
		return err
	}

	clientState, err := randomSecret()
	if err != nil {
		return err
	}

	watch, err := adapter.Watch(ctx, accessToken, conn.CalendarID, m.notificationURL(conn.Provider), clientState)
	if errors.Is(err, provider.ErrWatchUnsupported) {
		// Polling covers this connection.
		return nil
	}
	if err != nil {
		return fmt.Errorf("registering webhook for connection %s: %w", conn.ID, err)
	}

	return m.subscriptions.Create(ctx, &models.WebhookSubscription{
		ConnectionID:    conn.ID,
		Provider:        conn.Provider,
		SubscriptionID:  watch.SubscriptionID,
		ResourcePath:    watch.ResourcePath,
		ExpiresAt:       watch.ExpiresAt,
		ClientState:     clientState,
		NotificationURL: m.notificationURL(conn.Provider),
		IsActive:        true,
	})
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating client state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// RenewExpiring extends every active subscription that lapses within the
// lookahead window. Providers without in-place renewal get a fresh
// subscription; a subscription that cannot be renewed or replaced is
// deactivated so polling takes over.
func (m *Manager) RenewExpiring(ctx context.Context) (renewed, failed int) {
	subs, err := m.subscriptions.ListExpiring(ctx, time.Now().UTC().Add(RenewalLookahead))
	if err != nil {
		log.Printf("Listing expiring webhook subscriptions failed: %v", err)
		return 0, 0
	}

	for i := range subs {
		if err := m.renewOne(ctx, &subs[i]); err != nil {
			log.Printf("Renewing webhook subscription %s failed: %v", subs[i].SubscriptionID, err)
			if err := m.subscriptions.Deactivate(ctx, subs[i].ID); err != nil {
				log.Printf("Deactivating webhook subscription %s failed: %v", subs[i].ID, err)
			}
			failed++
			continue
		}
		renewed++
	}
	return renewed, failed
}

func (m *Manager) renewOne(ctx context.Context, sub *models.WebhookSubscription) error {
	conn, err := m.connections.GetByID(ctx, sub.ConnectionID)
	if err != nil {
		return err
	}
	if conn == nil || !conn.IsConnected {
		return fmt.Errorf("connection %s gone or disconnected", sub.ConnectionID)
	}

	adapter := m.registry.Get(sub.Provider)
	if adapter == nil {
		return fmt.Errorf("no adapter for provider %s", sub.Provider)
	}
	accessToken, err := m.tokens.AccessToken(ctx, conn)
	if err != nil {
		return err
	}

	expiresAt, err := adapter.RenewWatch(ctx, accessToken, sub)
	if errors.Is(err, provider.ErrWatchUnsupported) {
		// Replace instead: open the new channel before closing the old one
		// so there is no notification gap.
		if regErr := m.register(ctx, conn); regErr != nil {
			return regErr
		}
		if stopErr := adapter.StopWatch(ctx, accessToken, sub); stopErr != nil {
			log.Printf("Stopping replaced webhook %s failed: %v", sub.SubscriptionID, stopErr)
		}
		return m.subscriptions.Deactivate(ctx, sub.ID)
	}
	if err != nil {
		return err
	}
	return m.subscriptions.UpdateExpiry(ctx, sub.ID, expiresAt)
}

// Notify validates one incoming notification and, when valid, triggers an
// asynchronous sync pass so the HTTP handler can acknowledge immediately.
func (m *Manager) Notify(ctx context.Context, p models.Provider, subscriptionID, clientState string) error {
	sub, err := m.subscriptions.GetBySubscriptionID(ctx, p, subscriptionID)
	if err != nil {
		return err
	}
	if sub == nil || !sub.IsActive {
		return ErrUnknownSubscription
	}
	if subtle.ConstantTimeCompare([]byte(sub.ClientState), []byte(clientState)) != 1 {
		return ErrBadClientState
	}

	if err := m.subscriptions.RecordNotification(ctx, sub.ID); err != nil {
		log.Printf("Recording webhook notification failed: %v", err)
	}

	connectionID := sub.ConnectionID
	go func() {
		syncCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := m.trigger.SyncConnection(syncCtx, connectionID); err != nil && !errors.Is(err, sync.ErrSyncInProgress) {
			log.Printf("Webhook-triggered sync of connection %s failed: %v", connectionID, err)
		}
	}()
	return nil
}

// Teardown stops and deactivates every active subscription for the
// connection. Remote stop failures are logged, local state always clears.
func (m *Manager) Teardown(ctx context.Context, connectionID string) {
	conn, err := m.connections.GetByID(ctx, connectionID)
	if err != nil || conn == nil {
		return
	}
	subs, err := m.subscriptions.ListActiveByConnection(ctx, connectionID)
	if err != nil {
		log.Printf("Listing webhook subscriptions for teardown failed: %v", err)
		return
	}

	adapter := m.registry.Get(conn.Provider)
	for i := range subs {
		if adapter != nil {
			if accessToken, err := m.tokens.AccessToken(ctx, conn); err == nil {
				if err := adapter.StopWatch(ctx, accessToken, &subs[i]); err != nil {
					log.Printf("Stopping webhook %s failed: %v", subs[i].SubscriptionID, err)
				}
			}
		}
		if err := m.subscriptions.Deactivate(ctx, subs[i].ID); err != nil {
			log.Printf("Deactivating webhook subscription %s failed: %v", subs[i].ID, err)
		}
	}
}

// DeactivateExpired sweeps lapsed subscriptions. Run from the cleanup job.
func (m *Manager) DeactivateExpired(ctx context.Context) int {
	n, err := m.subscriptions.DeactivateExpired(ctx, time.Now().UTC())
	if err != nil {
		log.Printf("Deactivating expired webhook subscriptions failed: %v", err)
		return 0
	}
	return n
}

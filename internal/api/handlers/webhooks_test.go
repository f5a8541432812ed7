package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/calendar-hub/backend/internal/provider"
	"github.com/calendar-hub/backend/internal/storage"
	"github.com/calendar-hub/backend/internal/storage/models"
	"github.com/calendar-hub/backend/internal/webhook"
)

type noopTrigger struct {
	synced chan string
}

func (t *noopTrigger) SyncConnection(ctx context.Context, connectionID string) (*models.SyncStats, error) {
	select {
	case t.synced <- connectionID:
	default:
	}
	return &models.SyncStats{}, nil
}

type noopTokens struct{}

func (noopTokens) AccessToken(ctx context.Context, conn *models.CalendarConnection) (string, error) {
	return "token", nil
}

func newWebhookManager(t *testing.T) (*webhook.Manager, *storage.DB, *noopTrigger) {
	t.Helper()
	db, err := storage.NewMemoryDB()
	if err != nil {
		t.Fatalf("opening in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.RunMigrations(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	trigger := &noopTrigger{synced: make(chan string, 4)}
	manager := webhook.NewManager(
		storage.NewWebhookRepository(db),
		storage.NewConnectionRepository(db),
		provider.NewRegistry(),
		noopTokens{},
		trigger,
		"https://hub.example.com",
	)
	return manager, db, trigger
}

func TestMicrosoftWebhookValidationHandshake(t *testing.T) {
	manager, _, _ := newWebhookManager(t)
	handler := MicrosoftWebhook(manager)

	req := httptest.NewRequest("POST", "/api/webhooks/microsoft?validationToken=proof-of-ownership", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("content type = %q, want text/plain", ct)
	}
	body, _ := io.ReadAll(rec.Body)
	if string(body) != "proof-of-ownership" {
		t.Fatalf("body = %q, want the validation token echoed", body)
	}
}

func TestMicrosoftWebhookUnknownSubscriptionStillAccepted(t *testing.T) {
	manager, _, trigger := newWebhookManager(t)
	handler := MicrosoftWebhook(manager)

	payload := `{"value":[{"subscriptionId":"never-registered","clientState":"whatever","changeType":"updated"}]}`
	req := httptest.NewRequest("POST", "/api/webhooks/microsoft", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	select {
	case id := <-trigger.synced:
		t.Fatalf("unknown subscription triggered a sync of %s", id)
	default:
	}
}

func TestMicrosoftWebhookDispatchesSync(t *testing.T) {
	manager, db, trigger := newWebhookManager(t)
	ctx := context.Background()

	connections := storage.NewConnectionRepository(db)
	conn := &models.CalendarConnection{
		UserID:       "alice",
		Provider:     models.ProviderMicrosoft,
		CalendarID:   "cal-1",
		CalendarName: "Work",
		IsConnected:  true,
	}
	if err := connections.Create(ctx, conn); err != nil {
		t.Fatalf("creating connection: %v", err)
	}
	subs := storage.NewWebhookRepository(db)
	sub := &models.WebhookSubscription{
		ConnectionID:   conn.ID,
		Provider:       models.ProviderMicrosoft,
		SubscriptionID: "sub-1",
		ExpiresAt:      time.Now().Add(24 * time.Hour),
		ClientState:    "shared-secret",
		IsActive:       true,
	}
	if err := subs.Create(ctx, sub); err != nil {
		t.Fatalf("creating subscription: %v", err)
	}

	handler := MicrosoftWebhook(manager)
	payload := `{"value":[{"subscriptionId":"sub-1","clientState":"shared-secret","changeType":"updated"}]}`
	req := httptest.NewRequest("POST", "/api/webhooks/microsoft", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	select {
	case id := <-trigger.synced:
		if id != conn.ID {
			t.Fatalf("synced connection = %s, want %s", id, conn.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification did not trigger a sync")
	}
}

func TestGoogleWebhookSyncStateIsAckOnly(t *testing.T) {
	manager, _, trigger := newWebhookManager(t)
	handler := GoogleWebhook(manager)

	req := httptest.NewRequest("POST", "/api/webhooks/google", nil)
	req.Header.Set("X-Goog-Channel-ID", "channel-1")
	req.Header.Set("X-Goog-Channel-Token", "secret")
	req.Header.Set("X-Goog-Resource-State", "sync")
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	select {
	case id := <-trigger.synced:
		t.Fatalf("registration handshake triggered a sync of %s", id)
	default:
	}
}

func TestGoogleWebhookRequiresChannelID(t *testing.T) {
	manager, _, _ := newWebhookManager(t)
	handler := GoogleWebhook(manager)

	req := httptest.NewRequest("POST", "/api/webhooks/google", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

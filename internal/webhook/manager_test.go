package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/calendar-hub/backend/internal/provider"
	"github.com/calendar-hub/backend/internal/storage"
	"github.com/calendar-hub/backend/internal/storage/models"
)

type watchAdapter struct {
	name models.Provider

	watchCalls int
	renewCalls int
	stopCalls  int

	renewErr error
	watchErr error
}

func (f *watchAdapter) Name() models.Provider { return f.name }

func (f *watchAdapter) Watch(ctx context.Context, accessToken, calendarID, notificationURL, clientState string) (*provider.WatchResult, error) {
	f.watchCalls++
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return &provider.WatchResult{
		SubscriptionID: "sub-" + calendarID,
		ResourcePath:   "resource-" + calendarID,
		ExpiresAt:      time.Now().UTC().Add(48 * time.Hour),
	}, nil
}

func (f *watchAdapter) RenewWatch(ctx context.Context, accessToken string, sub *models.WebhookSubscription) (time.Time, error) {
	f.renewCalls++
	if f.renewErr != nil {
		return time.Time{}, f.renewErr
	}
	return time.Now().UTC().Add(48 * time.Hour), nil
}

func (f *watchAdapter) StopWatch(ctx context.Context, accessToken string, sub *models.WebhookSubscription) error {
	f.stopCalls++
	return nil
}

func (f *watchAdapter) ListCalendars(ctx context.Context, accessToken string) ([]provider.CalendarInfo, error) {
	return nil, nil
}
func (f *watchAdapter) FetchEvents(ctx context.Context, accessToken, calendarID string, window provider.Window, cursor string) (*provider.FetchResult, error) {
	return &provider.FetchResult{}, nil
}
func (f *watchAdapter) CreateEvent(ctx context.Context, accessToken, calendarID string, ev *provider.Event) (string, error) {
	return "", nil
}
func (f *watchAdapter) UpdateEvent(ctx context.Context, accessToken, calendarID string, ev *provider.Event) error {
	return nil
}
func (f *watchAdapter) DeleteEvent(ctx context.Context, accessToken, calendarID, providerEventID string) error {
	return nil
}

type recordingTrigger struct {
	synced chan string
}

func (r *recordingTrigger) SyncConnection(ctx context.Context, connectionID string) (*models.SyncStats, error) {
	r.synced <- connectionID
	return &models.SyncStats{}, nil
}

type staticTokens struct{}

func (staticTokens) AccessToken(ctx context.Context, conn *models.CalendarConnection) (string, error) {
	return "tok", nil
}

type managerEnv struct {
	subs    *storage.WebhookRepository
	conns   *storage.ConnectionRepository
	adapter *watchAdapter
	trigger *recordingTrigger
	manager *Manager
}

func newManagerEnv(t *testing.T) *managerEnv {
	t.Helper()

	db, err := storage.NewMemoryDB()
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.RunMigrations(db); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	subs := storage.NewWebhookRepository(db)
	conns := storage.NewConnectionRepository(db)
	adapter := &watchAdapter{name: models.ProviderMicrosoft}
	trigger := &recordingTrigger{synced: make(chan string, 4)}

	manager := NewManager(subs, conns, provider.NewRegistry(adapter), staticTokens{}, trigger, "https://hub.example.com")
	return &managerEnv{subs: subs, conns: conns, adapter: adapter, trigger: trigger, manager: manager}
}

func (env *managerEnv) createConnection(t *testing.T) *models.CalendarConnection {
	t.Helper()
	conn := &models.CalendarConnection{
		UserID:       "u1",
		Provider:     models.ProviderMicrosoft,
		CalendarID:   "cal-1",
		CalendarName: "Work",
		IsConnected:  true,
	}
	if err := env.conns.Create(context.Background(), conn); err != nil {
		t.Fatalf("creating connection: %v", err)
	}
	return conn
}

func TestEnsureRegistersOnce(t *testing.T) {
	env := newManagerEnv(t)
	conn := env.createConnection(t)
	ctx := context.Background()

	if err := env.manager.Ensure(ctx, conn.ID); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if env.adapter.watchCalls != 1 {
		t.Fatalf("watch calls = %d, want 1", env.adapter.watchCalls)
	}

	subs, err := env.subs.ListActiveByConnection(ctx, conn.ID)
	if err != nil {
		t.Fatalf("listing subscriptions: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
	if subs[0].NotificationURL != "https://hub.example.com/api/webhooks/microsoft" {
		t.Errorf("notification URL = %q", subs[0].NotificationURL)
	}
	if subs[0].ClientState == "" {
		t.Error("subscription should carry a client state secret")
	}

	// Healthy subscription: second ensure is a no-op.
	if err := env.manager.Ensure(ctx, conn.ID); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if env.adapter.watchCalls != 1 {
		t.Errorf("watch calls after second ensure = %d, want 1", env.adapter.watchCalls)
	}
}

func TestNotifyValidatesClientState(t *testing.T) {
	env := newManagerEnv(t)
	conn := env.createConnection(t)
	ctx := context.Background()

	if err := env.manager.Ensure(ctx, conn.ID); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	subs, _ := env.subs.ListActiveByConnection(ctx, conn.ID)
	sub := subs[0]

	if err := env.manager.Notify(ctx, models.ProviderMicrosoft, sub.SubscriptionID, "wrong-secret"); !errors.Is(err, ErrBadClientState) {
		t.Fatalf("bad client state error = %v, want ErrBadClientState", err)
	}
	if err := env.manager.Notify(ctx, models.ProviderMicrosoft, "missing-sub", sub.ClientState); !errors.Is(err, ErrUnknownSubscription) {
		t.Fatalf("unknown subscription error = %v, want ErrUnknownSubscription", err)
	}

	if err := env.manager.Notify(ctx, models.ProviderMicrosoft, sub.SubscriptionID, sub.ClientState); err != nil {
		t.Fatalf("valid Notify: %v", err)
	}
	select {
	case id := <-env.trigger.synced:
		if id != conn.ID {
			t.Errorf("synced connection %q, want %q", id, conn.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification did not trigger a sync")
	}

	reloaded, err := env.subs.GetBySubscriptionID(ctx, models.ProviderMicrosoft, sub.SubscriptionID)
	if err != nil {
		t.Fatalf("reloading subscription: %v", err)
	}
	if reloaded.LastNotificationAt == nil {
		t.Error("accepted notification should be stamped")
	}
}

func TestRenewExpiringExtendsExpiry(t *testing.T) {
	env := newManagerEnv(t)
	conn := env.createConnection(t)
	ctx := context.Background()

	soon := time.Now().UTC().Add(time.Hour)
	sub := &models.WebhookSubscription{
		ConnectionID:   conn.ID,
		Provider:       models.ProviderMicrosoft,
		SubscriptionID: "sub-expiring",
		ResourcePath:   "resource",
		ExpiresAt:      soon,
		ClientState:    "secret",
		IsActive:       true,
	}
	if err := env.subs.Create(ctx, sub); err != nil {
		t.Fatalf("creating subscription: %v", err)
	}

	renewed, failed := env.manager.RenewExpiring(ctx)
	if renewed != 1 || failed != 0 {
		t.Fatalf("renewed=%d failed=%d, want 1/0", renewed, failed)
	}

	reloaded, _ := env.subs.GetBySubscriptionID(ctx, models.ProviderMicrosoft, "sub-expiring")
	if !reloaded.ExpiresAt.After(soon.Add(time.Hour)) {
		t.Errorf("expiry not extended: %v", reloaded.ExpiresAt)
	}
}

func TestRenewExpiringReplacesWhenRenewUnsupported(t *testing.T) {
	env := newManagerEnv(t)
	conn := env.createConnection(t)
	ctx := context.Background()
	env.adapter.renewErr = provider.ErrWatchUnsupported

	sub := &models.WebhookSubscription{
		ConnectionID:   conn.ID,
		Provider:       models.ProviderMicrosoft,
		SubscriptionID: "sub-old",
		ResourcePath:   "resource",
		ExpiresAt:      time.Now().UTC().Add(time.Hour),
		ClientState:    "secret",
		IsActive:       true,
	}
	if err := env.subs.Create(ctx, sub); err != nil {
		t.Fatalf("creating subscription: %v", err)
	}

	renewed, failed := env.manager.RenewExpiring(ctx)
	if renewed != 1 || failed != 0 {
		t.Fatalf("renewed=%d failed=%d, want 1/0", renewed, failed)
	}
	if env.adapter.watchCalls != 1 || env.adapter.stopCalls != 1 {
		t.Errorf("watch=%d stop=%d, want 1/1", env.adapter.watchCalls, env.adapter.stopCalls)
	}

	old, _ := env.subs.GetBySubscriptionID(ctx, models.ProviderMicrosoft, "sub-old")
	if old.IsActive {
		t.Error("replaced subscription should be inactive")
	}
	active, _ := env.subs.ListActiveByConnection(ctx, conn.ID)
	if len(active) != 1 {
		t.Errorf("active subscriptions = %d, want 1 replacement", len(active))
	}
}

func TestRenewExpiringDeactivatesOnFailure(t *testing.T) {
	env := newManagerEnv(t)
	conn := env.createConnection(t)
	ctx := context.Background()
	env.adapter.renewErr = errors.New("provider exploded")

	sub := &models.WebhookSubscription{
		ConnectionID:   conn.ID,
		Provider:       models.ProviderMicrosoft,
		SubscriptionID: "sub-doomed",
		ResourcePath:   "resource",
		ExpiresAt:      time.Now().UTC().Add(time.Hour),
		ClientState:    "secret",
		IsActive:       true,
	}
	if err := env.subs.Create(ctx, sub); err != nil {
		t.Fatalf("creating subscription: %v", err)
	}

	renewed, failed := env.manager.RenewExpiring(ctx)
	if renewed != 0 || failed != 1 {
		t.Fatalf("renewed=%d failed=%d, want 0/1", renewed, failed)
	}
	reloaded, _ := env.subs.GetBySubscriptionID(ctx, models.ProviderMicrosoft, "sub-doomed")
	if reloaded.IsActive {
		t.Error("failed renewal should deactivate the subscription")
	}
}

func TestTeardownDeactivatesAndStops(t *testing.T) {
	env := newManagerEnv(t)
	conn := env.createConnection(t)
	ctx := context.Background()

	if err := env.manager.Ensure(ctx, conn.ID); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	env.manager.Teardown(ctx, conn.ID)
	if env.adapter.stopCalls != 1 {
		t.Errorf("stop calls = %d, want 1", env.adapter.stopCalls)
	}
	active, _ := env.subs.ListActiveByConnection(ctx, conn.ID)
	if len(active) != 0 {
		t.Errorf("active subscriptions after teardown = %d, want 0", len(active))
	}
}

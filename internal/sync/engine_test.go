package sync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/calendar-hub/backend/internal/config"
	"github.com/calendar-hub/backend/internal/feed"
	"github.com/calendar-hub/backend/internal/provider"
	"github.com/calendar-hub/backend/internal/storage"
	"github.com/calendar-hub/backend/internal/storage/models"
	"github.com/calendar-hub/backend/internal/token"
	"github.com/calendar-hub/backend/internal/vault"
)

// fakeAdapter scripts FetchEvents responses per call.
type fakeAdapter struct {
	name    models.Provider
	results []fetchStep
	calls   []string // cursors observed
	tokens  []string // access tokens observed
}

type fetchStep struct {
	result *provider.FetchResult
	err    error
}

func (f *fakeAdapter) Name() models.Provider { return f.name }

func (f *fakeAdapter) FetchEvents(ctx context.Context, accessToken, calendarID string, window provider.Window, cursor string) (*provider.FetchResult, error) {
	f.calls = append(f.calls, cursor)
	f.tokens = append(f.tokens, accessToken)
	if len(f.results) == 0 {
		return &provider.FetchResult{}, nil
	}
	step := f.results[0]
	f.results = f.results[1:]
	return step.result, step.err
}

func (f *fakeAdapter) ListCalendars(ctx context.Context, accessToken string) ([]provider.CalendarInfo, error) {
	return nil, nil
}
func (f *fakeAdapter) CreateEvent(ctx context.Context, accessToken, calendarID string, ev *provider.Event) (string, error) {
	return "", nil
}
func (f *fakeAdapter) UpdateEvent(ctx context.Context, accessToken, calendarID string, ev *provider.Event) error {
	return nil
}
func (f *fakeAdapter) DeleteEvent(ctx context.Context, accessToken, calendarID, providerEventID string) error {
	return nil
}
func (f *fakeAdapter) Watch(ctx context.Context, accessToken, calendarID, notificationURL, clientState string) (*provider.WatchResult, error) {
	return nil, provider.ErrWatchUnsupported
}
func (f *fakeAdapter) RenewWatch(ctx context.Context, accessToken string, sub *models.WebhookSubscription) (time.Time, error) {
	return time.Time{}, provider.ErrWatchUnsupported
}
func (f *fakeAdapter) StopWatch(ctx context.Context, accessToken string, sub *models.WebhookSubscription) error {
	return nil
}

type testEnv struct {
	db      *storage.DB
	conns   *storage.ConnectionRepository
	events  *storage.EventRepository
	vault   vault.Vault
	adapter *fakeAdapter
	engine  *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := storage.NewMemoryDB()
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.RunMigrations(db); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	v, err := vault.NewAESVault(key)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	conns := storage.NewConnectionRepository(db)
	events := storage.NewEventRepository(db)
	states := storage.NewOAuthStateRepository(db)
	tokens := token.NewManager(&config.Config{}, v, conns, states)

	adapter := &fakeAdapter{name: models.ProviderGoogle}
	registry := provider.NewRegistry(adapter)

	window := func(now time.Time) (time.Time, time.Time) {
		return now.AddDate(0, 0, -30), now.AddDate(0, 0, 365)
	}
	engine := NewEngine(db, conns, events, registry, tokens, v, feed.NewPoller(), nil, window)

	return &testEnv{db: db, conns: conns, events: events, vault: v, adapter: adapter, engine: engine}
}

func (env *testEnv) createGoogleConnection(t *testing.T, cursor *string) *models.CalendarConnection {
	t.Helper()
	access, err := env.vault.Encrypt("token-plaintext")
	if err != nil {
		t.Fatalf("encrypting token: %v", err)
	}
	future := time.Now().UTC().Add(time.Hour)
	conn := &models.CalendarConnection{
		UserID:         "u1",
		Provider:       models.ProviderGoogle,
		CalendarID:     "primary",
		CalendarName:   "Work",
		AccessToken:    &access,
		TokenExpiresAt: &future,
		SyncToken:      cursor,
		IsConnected:    true,
	}
	if err := env.conns.Create(context.Background(), conn); err != nil {
		t.Fatalf("creating connection: %v", err)
	}
	return conn
}

// fakeTokens hands out scripted access tokens and counts forced refreshes.
type fakeTokens struct {
	refreshes  int
	refreshErr error
}

func (f *fakeTokens) AccessToken(ctx context.Context, conn *models.CalendarConnection) (string, error) {
	return "tok-initial", nil
}

func (f *fakeTokens) ForceRefresh(ctx context.Context, conn *models.CalendarConnection) (string, error) {
	f.refreshes++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	return "tok-refreshed", nil
}

func (env *testEnv) useTokenSource(tokens TokenSource) {
	window := func(now time.Time) (time.Time, time.Time) {
		return now.AddDate(0, 0, -30), now.AddDate(0, 0, 365)
	}
	registry := provider.NewRegistry(env.adapter)
	env.engine = NewEngine(env.db, env.conns, env.events, registry, tokens, env.vault, feed.NewPoller(), nil, window)
}

func remoteEvent(id, title string, start time.Time) provider.Event {
	return provider.Event{
		ProviderID: id,
		Title:      title,
		Start:      start,
		End:        start.Add(time.Hour),
		Timezone:   "UTC",
		Status:     models.EventConfirmed,
	}
}

func activeProviderIDs(t *testing.T, env *testEnv, connID string) map[string]bool {
	t.Helper()
	rows, err := env.events.ListActiveByConnection(context.Background(), connID)
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	out := map[string]bool{}
	for _, ev := range rows {
		out[ev.ProviderEventID] = true
	}
	return out
}

func TestFullSnapshotPrunesAbsentRows(t *testing.T) {
	env := newTestEnv(t)
	conn := env.createGoogleConnection(t, nil)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	env.adapter.results = []fetchStep{
		{result: &provider.FetchResult{
			Events:       []provider.Event{remoteEvent("a", "A", base), remoteEvent("b", "B", base.Add(2 * time.Hour))},
			NextCursor:   "cursor-1",
			FullSnapshot: true,
		}},
		{result: &provider.FetchResult{
			Events:       []provider.Event{remoteEvent("a", "A", base)},
			NextCursor:   "cursor-2",
			FullSnapshot: true,
		}},
	}

	stats, err := env.engine.SyncConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if stats.New != 2 {
		t.Errorf("first sync new = %d, want 2", stats.New)
	}

	// Second snapshot omits "b".
	stats, err = env.engine.SyncConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if stats.Deleted != 1 {
		t.Errorf("second sync deleted = %d, want 1", stats.Deleted)
	}

	active := activeProviderIDs(t, env, conn.ID)
	if !active["a"] || active["b"] {
		t.Errorf("active events = %v, want only a", active)
	}
}

func TestIncrementalBatchNeverPrunesByAbsence(t *testing.T) {
	env := newTestEnv(t)
	conn := env.createGoogleConnection(t, nil)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	cancelled := remoteEvent("b", "B", base.Add(2*time.Hour))
	cancelled.Removed = true
	cancelled.Status = models.EventCancelled

	env.adapter.results = []fetchStep{
		{result: &provider.FetchResult{
			Events: []provider.Event{
				remoteEvent("a", "A", base),
				remoteEvent("b", "B", base.Add(2 * time.Hour)),
				remoteEvent("c", "C", base.Add(4 * time.Hour)),
			},
			NextCursor:   "cursor-1",
			FullSnapshot: true,
		}},
		// Incremental change-set: only "b" is mentioned, as removed.
		{result: &provider.FetchResult{
			Events:       []provider.Event{cancelled},
			NextCursor:   "cursor-2",
			FullSnapshot: false,
		}},
	}

	if _, err := env.engine.SyncConnection(context.Background(), conn.ID); err != nil {
		t.Fatalf("seed sync: %v", err)
	}
	stats, err := env.engine.SyncConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("incremental sync: %v", err)
	}
	if stats.Deleted != 1 {
		t.Errorf("deleted = %d, want 1 (explicit removal only)", stats.Deleted)
	}

	active := activeProviderIDs(t, env, conn.ID)
	if !active["a"] || !active["c"] {
		t.Errorf("a and c must survive an incremental batch that omits them, got %v", active)
	}
	if active["b"] {
		t.Error("b carried an explicit removal signal and must be gone")
	}

	if env.adapter.calls[1] != "cursor-1" {
		t.Errorf("second fetch used cursor %q, want cursor-1", env.adapter.calls[1])
	}
}

func TestStaleCursorFallsBackToFullSyncOnce(t *testing.T) {
	env := newTestEnv(t)
	stale := "stale-cursor"
	conn := env.createGoogleConnection(t, &stale)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	env.adapter.results = []fetchStep{
		{err: provider.ErrCursorInvalid},
		{result: &provider.FetchResult{
			Events:       []provider.Event{remoteEvent("a", "A", base)},
			NextCursor:   "fresh-cursor",
			FullSnapshot: true,
		}},
	}

	stats, err := env.engine.SyncConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if stats.New != 1 {
		t.Errorf("new = %d, want 1", stats.New)
	}

	if len(env.adapter.calls) != 2 || env.adapter.calls[0] != "stale-cursor" || env.adapter.calls[1] != "" {
		t.Errorf("calls = %v, want [stale-cursor, \"\"]", env.adapter.calls)
	}

	got, err := env.conns.GetByID(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("reloading connection: %v", err)
	}
	if got.SyncToken == nil || *got.SyncToken != "fresh-cursor" {
		t.Errorf("stored cursor = %v, want fresh-cursor", got.SyncToken)
	}
}

func TestRepeatedSnapshotIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	conn := env.createGoogleConnection(t, nil)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	snapshot := func() fetchStep {
		return fetchStep{result: &provider.FetchResult{
			Events:       []provider.Event{remoteEvent("a", "A", base)},
			FullSnapshot: true,
		}}
	}
	env.adapter.results = []fetchStep{snapshot(), snapshot()}

	if _, err := env.engine.SyncConnection(context.Background(), conn.ID); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	stats, err := env.engine.SyncConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if stats.New != 0 || stats.Updated != 0 || stats.Deleted != 0 {
		t.Errorf("unchanged snapshot produced stats %+v, want all zero", stats)
	}
}

func TestLeaseCoalescesOverlappingTriggers(t *testing.T) {
	l := newLeases()

	if !l.TryAcquire("c1") {
		t.Fatal("first acquire should succeed")
	}
	if l.TryAcquire("c1") {
		t.Fatal("second acquire while held should fail")
	}
	if l.TryAcquire("c1") {
		t.Fatal("third acquire while held should fail")
	}

	// Any number of rejected triggers coalesce into exactly one re-run.
	if !l.Release("c1") {
		t.Fatal("release should report a queued re-run")
	}
	if !l.TryAcquire("c1") {
		t.Fatal("re-acquire after release should succeed")
	}
	if l.Release("c1") {
		t.Fatal("no trigger arrived during the re-run, nothing should be queued")
	}
}

const feedBody = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//t//t//EN\r\n" +
	"BEGIN:VEVENT\r\nUID:f1\r\nSUMMARY:One\r\nDTSTART:20260302T090000Z\r\nDTEND:20260302T100000Z\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

const feedBodyTwo = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//t//t//EN\r\n" +
	"BEGIN:VEVENT\r\nUID:f2\r\nSUMMARY:Two\r\nDTSTART:20260303T090000Z\r\nDTEND:20260303T100000Z\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestFeedSyncConditionalGetAndPruning(t *testing.T) {
	env := newTestEnv(t)

	var mu gosync.Mutex
	etag := `"v1"`
	body := feedBody
	setFeed := func(e, b string) {
		mu.Lock()
		etag, body = e, b
		mu.Unlock()
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		e, b := etag, body
		mu.Unlock()
		if r.Header.Get("If-None-Match") == e {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", e)
		w.Write([]byte(b))
	}))
	defer srv.Close()

	encURL, err := env.vault.Encrypt(srv.URL)
	if err != nil {
		t.Fatalf("encrypting feed URL: %v", err)
	}
	conn := &models.CalendarConnection{
		UserID:       "u1",
		Provider:     models.ProviderICS,
		CalendarID:   srv.URL,
		CalendarName: "Feed",
		FeedURL:      &encURL,
		IsConnected:  true,
		IsReadOnly:   true,
	}
	if err := env.conns.Create(context.Background(), conn); err != nil {
		t.Fatalf("creating connection: %v", err)
	}

	stats, err := env.engine.SyncConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("first feed sync: %v", err)
	}
	if stats.New != 1 {
		t.Errorf("first sync new = %d, want 1", stats.New)
	}

	// Unchanged feed answers 304 and must not touch events.
	stats, err = env.engine.SyncConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("second feed sync: %v", err)
	}
	if stats.Total != 0 || stats.Deleted != 0 {
		t.Errorf("304 pass produced stats %+v, want all zero", stats)
	}
	reloaded, err := env.conns.GetByID(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("reloading connection: %v", err)
	}
	if reloaded.LastSyncedAt == nil {
		t.Error("304 pass should still bump last_synced_at")
	}

	// New feed content: f1 vanished, f2 appeared. Absence prunes because a
	// feed snapshot is always complete.
	setFeed(`"v2"`, feedBodyTwo)
	stats, err = env.engine.SyncConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("third feed sync: %v", err)
	}
	if stats.New != 1 || stats.Deleted != 1 {
		t.Errorf("third sync stats = %+v, want 1 new and 1 deleted", stats)
	}

	active := activeProviderIDs(t, env, conn.ID)
	if !active["f2"] || active["f1"] {
		t.Errorf("active = %v, want only f2", active)
	}

	if !strings.Contains(*reloaded.FeedETag, "v1") {
		t.Errorf("stored etag after first sync = %q, want v1", *reloaded.FeedETag)
	}
}

func TestFeedCancelledEventSoftDeletes(t *testing.T) {
	env := newTestEnv(t)

	const cancelledBody = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//t//t//EN\r\n" +
		"BEGIN:VEVENT\r\nUID:f1\r\nSUMMARY:One\r\nDTSTART:20260302T090000Z\r\nDTEND:20260302T100000Z\r\nSTATUS:CANCELLED\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	var mu gosync.Mutex
	body := feedBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		b := body
		mu.Unlock()
		w.Write([]byte(b))
	}))
	defer srv.Close()

	encURL, err := env.vault.Encrypt(srv.URL)
	if err != nil {
		t.Fatalf("encrypting feed URL: %v", err)
	}
	conn := &models.CalendarConnection{
		UserID:       "u1",
		Provider:     models.ProviderICS,
		CalendarID:   srv.URL,
		CalendarName: "Feed",
		FeedURL:      &encURL,
		IsConnected:  true,
		IsReadOnly:   true,
	}
	if err := env.conns.Create(context.Background(), conn); err != nil {
		t.Fatalf("creating connection: %v", err)
	}

	if _, err := env.engine.SyncConnection(context.Background(), conn.ID); err != nil {
		t.Fatalf("first feed sync: %v", err)
	}
	if active := activeProviderIDs(t, env, conn.ID); !active["f1"] {
		t.Fatal("event f1 should be active after first sync")
	}

	// The same VEVENT flips to STATUS:CANCELLED while staying in the feed.
	mu.Lock()
	body = cancelledBody
	mu.Unlock()

	stats, err := env.engine.SyncConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("second feed sync: %v", err)
	}
	if stats.Deleted != 1 {
		t.Errorf("second sync deleted = %d, want 1", stats.Deleted)
	}
	if active := activeProviderIDs(t, env, conn.ID); active["f1"] {
		t.Error("cancelled event f1 is still an active row")
	}
}

func TestRejectedTokenRefreshesOnceAndRetries(t *testing.T) {
	env := newTestEnv(t)
	tokens := &fakeTokens{}
	env.useTokenSource(tokens)
	conn := env.createGoogleConnection(t, nil)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	env.adapter.results = []fetchStep{
		{err: provider.ErrAuth},
		{result: &provider.FetchResult{
			Events:       []provider.Event{remoteEvent("a", "A", base)},
			NextCursor:   "cursor-1",
			FullSnapshot: true,
		}},
	}

	stats, err := env.engine.SyncConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if stats.New != 1 {
		t.Errorf("new = %d, want 1", stats.New)
	}
	if tokens.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", tokens.refreshes)
	}
	if len(env.adapter.tokens) != 2 || env.adapter.tokens[0] != "tok-initial" || env.adapter.tokens[1] != "tok-refreshed" {
		t.Errorf("tokens seen = %v, want [tok-initial, tok-refreshed]", env.adapter.tokens)
	}

	reloaded, err := env.conns.GetByID(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("reloading connection: %v", err)
	}
	if reloaded.NeedsReauth {
		t.Error("a successful retry must not flag the connection for reauth")
	}
}

func TestRejectedTokenAfterRefreshFlagsReauth(t *testing.T) {
	env := newTestEnv(t)
	tokens := &fakeTokens{}
	env.useTokenSource(tokens)
	conn := env.createGoogleConnection(t, nil)

	env.adapter.results = []fetchStep{
		{err: provider.ErrAuth},
		{err: provider.ErrAuth},
	}

	_, err := env.engine.SyncConnection(context.Background(), conn.ID)
	if !errors.Is(err, provider.ErrAuth) {
		t.Fatalf("sync error = %v, want ErrAuth", err)
	}
	if tokens.refreshes != 1 {
		t.Errorf("refreshes = %d, want exactly 1", tokens.refreshes)
	}

	reloaded, err := env.conns.GetByID(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("reloading connection: %v", err)
	}
	if !reloaded.NeedsReauth {
		t.Error("connection should be flagged for reauth after the retry failed")
	}
}

func TestRateLimitedFetchLeavesCursorUntouched(t *testing.T) {
	env := newTestEnv(t)
	cursor := "cursor-1"
	conn := env.createGoogleConnection(t, &cursor)

	env.adapter.results = []fetchStep{
		{err: &provider.RateLimitError{RetryAfter: 45 * time.Second}},
	}

	_, err := env.engine.SyncConnection(context.Background(), conn.ID)
	if err == nil {
		t.Fatal("sync should surface the rate limit")
	}
	if !provider.IsRateLimited(err) {
		t.Fatalf("sync error = %v, want rate limit", err)
	}

	reloaded, err := env.conns.GetByID(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("reloading connection: %v", err)
	}
	if reloaded.SyncToken == nil || *reloaded.SyncToken != "cursor-1" {
		t.Errorf("stored cursor = %v, want cursor-1 untouched", reloaded.SyncToken)
	}
	if active := activeProviderIDs(t, env, conn.ID); len(active) != 0 {
		t.Errorf("no events should land on a rate-limited pass, got %v", active)
	}
}

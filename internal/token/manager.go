// Package token owns the OAuth token lifecycle: authorization handshake,
// encrypted persistence, refresh, and revocation.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/calendar-hub/backend/internal/config"
	"github.com/calendar-hub/backend/internal/provider"
	"github.com/calendar-hub/backend/internal/storage"
	"github.com/calendar-hub/backend/internal/storage/models"
	"github.com/calendar-hub/backend/internal/vault"
)

var (
	// ErrInvalidState means the callback state was unknown, expired, or
	// already consumed. Distinct from the user declining consent.
	ErrInvalidState = errors.New("oauth state invalid or expired")

	// ErrNoRefreshToken means the connection has no refresh token to renew
	// an expired access token with.
	ErrNoRefreshToken = errors.New("no refresh token on connection")

	// ErrUnknownProvider means the provider has no OAuth app configured.
	ErrUnknownProvider = errors.New("no oauth configuration for provider")
)

const googleRevokeURL = "https://oauth2.googleapis.com/revoke"

// Expiry skew so a token is refreshed before it lapses mid-request.
const refreshSkew = time.Minute

var googleScopes = []string{
	"https://www.googleapis.com/auth/calendar",
	"https://www.googleapis.com/auth/calendar.events",
}

var microsoftScopes = []string{
	"offline_access",
	"https://graph.microsoft.com/Calendars.ReadWrite",
}

// Manager performs the three-legged handshake and keeps connection tokens
// fresh. Tokens only exist in plaintext inside a request; at rest they are
// vault ciphertext.
type Manager struct {
	vault       vault.Vault
	connections *storage.ConnectionRepository
	states      *storage.OAuthStateRepository
	configs     map[models.Provider]*oauth2.Config
	httpClient  *http.Client
}

// NewManager builds a manager from the configured OAuth applications.
func NewManager(cfg *config.Config, v vault.Vault, connections *storage.ConnectionRepository, states *storage.OAuthStateRepository) *Manager {
	redirect := func(p models.Provider) string {
		return fmt.Sprintf("%s/api/oauth/%s/callback", strings.TrimRight(cfg.Server.BaseURL, "/"), p)
	}

	configs := map[models.Provider]*oauth2.Config{}
	if cfg.Google.ClientID != "" {
		configs[models.ProviderGoogle] = &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  redirect(models.ProviderGoogle),
			Scopes:       googleScopes,
		}
	}
	if cfg.Microsoft.ClientID != "" {
		tenant := cfg.Microsoft.TenantID
		if tenant == "" {
			tenant = "common"
		}
		configs[models.ProviderMicrosoft] = &oauth2.Config{
			ClientID:     cfg.Microsoft.ClientID,
			ClientSecret: cfg.Microsoft.ClientSecret,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
			RedirectURL:  redirect(models.ProviderMicrosoft),
			Scopes:       microsoftScopes,
		}
	}

	return &Manager{
		vault:       v,
		connections: connections,
		states:      states,
		configs:     configs,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Configured reports whether the provider has an OAuth app registered.
func (m *Manager) Configured(p models.Provider) bool {
	_, ok := m.configs[p]
	return ok
}

// AuthorizeURL issues a single-use state and returns the consent URL to
// redirect the user to.
func (m *Manager) AuthorizeURL(ctx context.Context, userID string, p models.Provider) (string, error) {
	cfg, ok := m.configs[p]
	if !ok {
		return "", ErrUnknownProvider
	}

	state, err := randomState()
	if err != nil {
		return "", err
	}
	if _, err := m.states.Create(ctx, userID, p, state); err != nil {
		return "", err
	}

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if p == models.ProviderGoogle {
		// Force the consent screen so Google re-issues a refresh token.
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "consent"))
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Exchange consumes the callback state and trades the authorization code for
// tokens. The consumed state identifies the user and provider.
func (m *Manager) Exchange(ctx context.Context, state, code string) (*models.OAuthState, *oauth2.Token, error) {
	consumed, err := m.states.Consume(ctx, state)
	if err != nil {
		return nil, nil, err
	}
	if consumed == nil {
		return nil, nil, ErrInvalidState
	}

	cfg, ok := m.configs[consumed.Provider]
	if !ok {
		return nil, nil, ErrUnknownProvider
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return consumed, tok, nil
}

// StoreTokens encrypts and persists a token set on the connection.
func (m *Manager) StoreTokens(ctx context.Context, connectionID string, tok *oauth2.Token) error {
	access, err := m.vault.Encrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypting access token: %w", err)
	}

	var refresh *string
	if tok.RefreshToken != "" {
		enc, err := m.vault.Encrypt(tok.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypting refresh token: %w", err)
		}
		refresh = &enc
	}

	var expires *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry.UTC()
		expires = &e
	}
	return m.connections.UpdateTokens(ctx, connectionID, &access, refresh, expires)
}

// AccessToken decrypts the connection's access token, refreshing it first
// when it is expired or about to expire. A failed refresh flags the
// connection for re-authorization.
func (m *Manager) AccessToken(ctx context.Context, conn *models.CalendarConnection) (string, error) {
	if !conn.Provider.OAuth() {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, conn.Provider)
	}
	if conn.AccessToken == nil {
		return "", fmt.Errorf("%w: connection %s has no access token", provider.ErrAuth, conn.ID)
	}

	if !conn.TokenExpired(time.Now().UTC().Add(refreshSkew)) {
		return m.vault.Decrypt(*conn.AccessToken)
	}

	tok, err := m.refresh(ctx, conn)
	if err != nil {
		if markErr := m.connections.MarkNeedsReauth(ctx, conn.ID); markErr != nil {
			log.Printf("Failed to flag connection %s for reauth: %v", conn.ID, markErr)
		}
		return "", fmt.Errorf("%w: refresh failed: %v", provider.ErrAuth, err)
	}
	return tok.AccessToken, nil
}

// ForceRefresh refreshes the connection's tokens even when the stored
// access token looks valid, for when the provider rejects it outright
// (revocation, password change). A failed refresh flags the connection for
// re-authorization.
func (m *Manager) ForceRefresh(ctx context.Context, conn *models.CalendarConnection) (string, error) {
	if !conn.Provider.OAuth() {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, conn.Provider)
	}
	tok, err := m.refresh(ctx, conn)
	if err != nil {
		if markErr := m.connections.MarkNeedsReauth(ctx, conn.ID); markErr != nil {
			log.Printf("Failed to flag connection %s for reauth: %v", conn.ID, markErr)
		}
		return "", fmt.Errorf("%w: refresh failed: %v", provider.ErrAuth, err)
	}
	return tok.AccessToken, nil
}

func (m *Manager) refresh(ctx context.Context, conn *models.CalendarConnection) (*oauth2.Token, error) {
	cfg, ok := m.configs[conn.Provider]
	if !ok {
		return nil, ErrUnknownProvider
	}
	if conn.RefreshToken == nil {
		return nil, ErrNoRefreshToken
	}
	refreshToken, err := m.vault.Decrypt(*conn.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypting refresh token: %w", err)
	}

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, err
	}
	if err := m.StoreTokens(ctx, conn.ID, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// Revoke invalidates the connection's tokens with the provider, best effort.
// Only Google exposes a revocation endpoint.
func (m *Manager) Revoke(ctx context.Context, conn *models.CalendarConnection) {
	if conn.Provider != models.ProviderGoogle || conn.AccessToken == nil {
		return
	}
	access, err := m.vault.Decrypt(*conn.AccessToken)
	if err != nil {
		return
	}

	form := url.Values{"token": {access}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, googleRevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		log.Printf("Token revocation for connection %s failed: %v", conn.ID, err)
		return
	}
	resp.Body.Close()
}

package models

import (
	"time"
)

// OAuthState is a single-use CSRF token for the three-legged OAuth handshake.
// States expire 15 minutes after issuance and are consumed exactly once by
// the callback that exchanges the authorization code.
type OAuthState struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Provider  Provider  `json:"provider"`
	State     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
	CreatedAt time.Time `json:"created_at"`
}

// Usable reports whether the state can still be consumed.
func (s *OAuthState) Usable(now time.Time) bool {
	return !s.Consumed && s.ExpiresAt.After(now)
}

// Package models contains the domain models for the sync engine.
package models

import (
	"time"
)

// Provider identifies a calendar provider family. The set is closed:
// sync code switches exhaustively on it.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderICS       Provider = "ics"
)

// Valid reports whether p is one of the known provider tags.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft, ProviderICS:
		return true
	}
	return false
}

// OAuth reports whether the provider uses OAuth tokens (as opposed to a
// read-only subscription feed).
func (p Provider) OAuth() bool {
	return p == ProviderGoogle || p == ProviderMicrosoft
}

// CalendarConnection is one authorized binding between a local user and one
// remote calendar. Token and feed URL fields hold vault ciphertext, never
// plaintext.
type CalendarConnection struct {
	ID            string   `json:"id"`
	UserID        string   `json:"user_id"`
	Provider      Provider `json:"provider"`
	CalendarID    string   `json:"calendar_id"`
	CalendarName  string   `json:"calendar_name"`
	CalendarColor *string  `json:"calendar_color,omitempty"`

	AccessToken    *string    `json:"-"`
	RefreshToken   *string    `json:"-"`
	TokenExpiresAt *time.Time `json:"-"`

	// SyncToken is the provider-opaque incremental-sync cursor. Its internal
	// shape belongs to the provider adapter; everything else treats it as a
	// string.
	SyncToken *string `json:"-"`

	// Subscription-feed fields. FeedURL is vault ciphertext; the validators
	// are the plain cache headers from the last successful fetch.
	FeedURL          *string `json:"-"`
	FeedETag         *string `json:"-"`
	FeedLastModified *string `json:"-"`

	IsConnected  bool       `json:"is_connected"`
	IsReadOnly   bool       `json:"is_read_only"`
	NeedsReauth  bool       `json:"needs_reauth"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"-"`
}

// TokenExpired reports whether the stored access token needs a refresh
// before the next provider call.
func (c *CalendarConnection) TokenExpired(now time.Time) bool {
	return c.TokenExpiresAt != nil && !c.TokenExpiresAt.After(now)
}

// SyncStats summarizes one sync pass over a connection.
type SyncStats struct {
	Total   int `json:"total"`
	New     int `json:"new"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Errors  int `json:"errors"`
}

// Add accumulates another pass's stats, used when syncing many connections.
func (s *SyncStats) Add(o SyncStats) {
	s.Total += o.Total
	s.New += o.New
	s.Updated += o.Updated
	s.Deleted += o.Deleted
	s.Errors += o.Errors
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calendar-hub/backend/internal/storage/models"
)

// StateTTL is how long an issued OAuth state remains redeemable.
const StateTTL = 15 * time.Minute

// OAuthStateRepository provides data access for single-use OAuth CSRF states.
type OAuthStateRepository struct {
	BaseRepository
}

// NewOAuthStateRepository creates a new OAuth state repository.
func NewOAuthStateRepository(db *DB) *OAuthStateRepository {
	return &OAuthStateRepository{BaseRepository: NewBaseRepository(db)}
}

// Create issues a new state for the user/provider pair.
func (r *OAuthStateRepository) Create(ctx context.Context, userID string, provider models.Provider, state string) (*models.OAuthState, error) {
	now := r.Now()
	s := &models.OAuthState{
		ID:        GenerateID(),
		UserID:    userID,
		Provider:  provider,
		State:     state,
		ExpiresAt: now.Add(StateTTL),
		CreatedAt: now,
	}
	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO oauth_states (id, user_id, provider, state, expires_at, consumed, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, s.ID, s.UserID, s.Provider, s.State, s.ExpiresAt, s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating oauth state: %w", err)
	}
	return s, nil
}

// Consume redeems a state exactly once. Returns nil when the state is
// unknown, already consumed, or expired.
func (r *OAuthStateRepository) Consume(ctx context.Context, state string) (*models.OAuthState, error) {
	var out *models.OAuthState
	err := r.Transaction(func(tx *sql.Tx) error {
		s := &models.OAuthState{}
		err := tx.QueryRowContext(ctx, `
			SELECT id, user_id, provider, state, expires_at, consumed, created_at
			FROM oauth_states WHERE state = ?
		`, state).Scan(&s.ID, &s.UserID, &s.Provider, &s.State, &s.ExpiresAt, &s.Consumed, &s.CreatedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("querying oauth state: %w", err)
		}
		if !s.Usable(r.Now()) {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE oauth_states SET consumed = 1 WHERE id = ?`, s.ID); err != nil {
			return fmt.Errorf("consuming oauth state: %w", err)
		}
		s.Consumed = true
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteExpired removes states past their TTL and returns the number removed.
func (r *OAuthStateRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := r.DB().ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired oauth states: %w", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

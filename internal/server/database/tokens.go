package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// TokenRepository stores single-use download tokens in Postgres.
type TokenRepository struct {
	db *DB
}

// NewTokenRepository creates a new TokenRepository.
func NewTokenRepository(db *DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Create inserts a token.
func (r *TokenRepository) Create(ctx context.Context, t *DownloadToken) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO download_tokens (token, file_id, code, delete_after, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.Token, t.FileID, t.Code, t.DeleteAfter, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create download token: %w", err)
	}
	return nil
}

// Consume deletes the token and returns it. The delete is the claim: of two
// concurrent consumers only one gets the row back, the other ErrNotFound.
// Expiry is left for the caller to judge.
func (r *TokenRepository) Consume(ctx context.Context, token string) (*DownloadToken, error) {
	t := &DownloadToken{}
	err := r.db.Pool.QueryRow(ctx, `
		DELETE FROM download_tokens WHERE token = $1
		RETURNING token, file_id, code, delete_after, expires_at, created_at
	`, token).Scan(&t.Token, &t.FileID, &t.Code, &t.DeleteAfter, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume download token: %w", err)
	}
	return t, nil
}

// PendingFinal reports whether an unexpired delete-after token exists for
// the file.
func (r *TokenRepository) PendingFinal(ctx context.Context, fileID string, now time.Time) (bool, error) {
	var pending bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM download_tokens
			WHERE file_id = $1 AND delete_after AND expires_at > $2
		)
	`, fileID, now).Scan(&pending)
	if err != nil {
		return false, fmt.Errorf("failed to check pending download tokens: %w", err)
	}
	return pending, nil
}

// DeleteExpired removes tokens that expired before now.
func (r *TokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM download_tokens WHERE expires_at < $1", now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired download tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

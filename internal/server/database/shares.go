package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const shareColumns = `code, type, expires_at, password_hash, burn_after_reading,
	view_count, burned, original_name, mime_type, size, language, created_at`

// ShareRepository stores shares as a metadata row plus a content row.
type ShareRepository struct {
	db *DB
}

// NewShareRepository creates a new ShareRepository.
func NewShareRepository(db *DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateWithContent inserts the share and its content in one transaction so
// that neither row can exist without the other.
func (r *ShareRepository) CreateWithContent(ctx context.Context, s *Share, content string) error {
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO shares (`+shareColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`,
			s.Code,
			s.Type,
			s.ExpiresAt,
			s.PasswordHash,
			s.BurnAfterReading,
			s.ViewCount,
			s.Burned,
			s.OriginalName,
			s.MimeType,
			s.Size,
			s.Language,
			s.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrCodeTaken
			}
			return fmt.Errorf("failed to create share: %w", err)
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO share_contents (code, content) VALUES ($1, $2)", s.Code, content); err != nil {
			return fmt.Errorf("failed to store share content: %w", err)
		}
		return nil
	})
}

// GetByCode retrieves share metadata without its content.
func (r *ShareRepository) GetByCode(ctx context.Context, code string) (*Share, error) {
	s := &Share{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT `+shareColumns+` FROM shares WHERE code = $1`, code,
	).Scan(
		&s.Code,
		&s.Type,
		&s.ExpiresAt,
		&s.PasswordHash,
		&s.BurnAfterReading,
		&s.ViewCount,
		&s.Burned,
		&s.OriginalName,
		&s.MimeType,
		&s.Size,
		&s.Language,
		&s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get share: %w", err)
	}
	return s, nil
}

// GetContent loads a share's content.
func (r *ShareRepository) GetContent(ctx context.Context, code string) (string, error) {
	var content string
	err := r.db.Pool.QueryRow(ctx,
		"SELECT content FROM share_contents WHERE code = $1", code).Scan(&content)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get share content: %w", err)
	}
	return content, nil
}

// UpdateViewState sets the view count and burned flag if the stored view
// count still equals expectedViews, otherwise it returns ErrConflict.
// Burning also drops the content row in the same transaction.
func (r *ShareRepository) UpdateViewState(ctx context.Context, code string, expectedViews, views int, burned bool) error {
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE shares SET view_count = $3, burned = burned OR $4
			WHERE code = $1 AND view_count = $2
		`, code, expectedViews, views, burned)
		if err != nil {
			return fmt.Errorf("failed to update share: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}

		if burned {
			if _, err := tx.Exec(ctx, "DELETE FROM share_contents WHERE code = $1", code); err != nil {
				return fmt.Errorf("failed to drop burned share content: %w", err)
			}
		}
		return nil
	})
}

// Delete removes a share and, by cascade, its content. Deleting a missing
// share is not an error.
func (r *ShareRepository) Delete(ctx context.Context, code string) error {
	if _, err := r.db.Pool.Exec(ctx, "DELETE FROM shares WHERE code = $1", code); err != nil {
		return fmt.Errorf("failed to delete share: %w", err)
	}
	return nil
}

package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const sessionColumns = `id, code, storage_key, original_name, size, mime_type,
	file_expires_at, max_downloads, password_hash, expires_at, created_at`

// SessionRepository manages upload sessions.
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func scanSession(row pgx.Row) (*UploadSession, error) {
	s := &UploadSession{}
	err := row.Scan(
		&s.ID,
		&s.Code,
		&s.StorageKey,
		&s.OriginalName,
		&s.Size,
		&s.MimeType,
		&s.FileExpiresAt,
		&s.MaxDownloads,
		&s.PasswordHash,
		&s.ExpiresAt,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Create inserts a session, reserving its code. The code must be unused by
// both sessions and committed files, otherwise ErrCodeTaken is returned.
func (r *SessionRepository) Create(ctx context.Context, s *UploadSession) error {
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO upload_sessions (`+sessionColumns+`)
		SELECT $1::uuid, $2::varchar, $3::varchar, $4::varchar, $5::bigint, $6::varchar,
			$7::timestamptz, $8::integer, $9::varchar, $10::timestamptz, $11::timestamptz
		WHERE NOT EXISTS (SELECT 1 FROM files WHERE code = $2::varchar)
	`,
		s.ID,
		s.Code,
		s.StorageKey,
		s.OriginalName,
		s.Size,
		s.MimeType,
		s.FileExpiresAt,
		s.MaxDownloads,
		s.PasswordHash,
		s.ExpiresAt,
		s.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCodeTaken
		}
		return fmt.Errorf("failed to create upload session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCodeTaken
	}
	return nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*UploadSession, error) {
	s, err := scanSession(r.db.Pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get upload session: %w", err)
	}
	return s, nil
}

// Finalize consumes the session and inserts the file in one transaction.
// If the session was already consumed, ErrNotFound is returned and no file
// is written.
func (r *SessionRepository) Finalize(ctx context.Context, sessionID string, f *File) error {
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "DELETE FROM upload_sessions WHERE id = $1", sessionID)
		if err != nil {
			return fmt.Errorf("failed to consume upload session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO files (`+fileColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`,
			f.ID,
			f.Code,
			f.StorageKey,
			f.OriginalName,
			f.Size,
			f.MimeType,
			f.ExpiresAt,
			f.MaxDownloads,
			f.DownloadCount,
			f.PasswordHash,
			f.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrCodeTaken
			}
			return fmt.Errorf("failed to create file: %w", err)
		}
		return nil
	})
}

// Delete removes a session. Deleting a missing session is not an error.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Pool.Exec(ctx, "DELETE FROM upload_sessions WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete upload session: %w", err)
	}
	return nil
}

// ListExpired returns sessions abandoned before now.
func (r *SessionRepository) ListExpired(ctx context.Context, now time.Time) ([]*UploadSession, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE expires_at < $1`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired upload sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*UploadSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired upload session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const fileColumns = `id, code, storage_key, original_name, size, mime_type,
	expires_at, max_downloads, download_count, password_hash, created_at`

// FileRepository provides access to committed dead-drop files.
type FileRepository struct {
	db *DB
}

// NewFileRepository creates a new FileRepository.
func NewFileRepository(db *DB) *FileRepository {
	return &FileRepository{db: db}
}

func scanFile(row pgx.Row) (*File, error) {
	f := &File{}
	err := row.Scan(
		&f.ID,
		&f.Code,
		&f.StorageKey,
		&f.OriginalName,
		&f.Size,
		&f.MimeType,
		&f.ExpiresAt,
		&f.MaxDownloads,
		&f.DownloadCount,
		&f.PasswordHash,
		&f.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// GetByCode retrieves a file by its public code.
func (r *FileRepository) GetByCode(ctx context.Context, code string) (*File, error) {
	f, err := scanFile(r.db.Pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM files WHERE code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file by code: %w", err)
	}
	return f, nil
}

// GetByID retrieves a file by its ID.
func (r *FileRepository) GetByID(ctx context.Context, id string) (*File, error) {
	f, err := scanFile(r.db.Pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

// IncrementDownloadCount bumps the counter only if it still equals expected,
// returning the updated row. A row that moved on, or vanished, since it was
// read yields ErrConflict.
func (r *FileRepository) IncrementDownloadCount(ctx context.Context, id string, expected int) (*File, error) {
	f, err := scanFile(r.db.Pool.QueryRow(ctx, `
		UPDATE files SET download_count = download_count + 1
		WHERE id = $1 AND download_count = $2
		RETURNING `+fileColumns,
		id, expected,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to increment download count: %w", err)
	}
	return f, nil
}

// Delete removes a file record. Deleting a missing record is not an error.
func (r *FileRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Pool.Exec(ctx, "DELETE FROM files WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// GetStats returns aggregate dead-drop statistics.
func (r *FileRepository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE expires_at > NOW()),
			(SELECT COUNT(*) FROM upload_sessions WHERE expires_at > NOW()),
			COALESCE(SUM(download_count), 0),
			COALESCE(SUM(size) FILTER (WHERE expires_at > NOW()), 0)
		FROM files
	`).Scan(
		&stats.ActiveFiles,
		&stats.PendingUploads,
		&stats.TotalDownloads,
		&stats.StorageUsed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

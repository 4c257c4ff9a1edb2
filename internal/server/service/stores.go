package service

import (
	"context"
	"time"

	"vanish/internal/server/database"
)

// FileStore is the relational store of committed dead-drop files.
// Implemented by *database.FileRepository.
type FileStore interface {
	GetByCode(ctx context.Context, code string) (*database.File, error)
	GetByID(ctx context.Context, id string) (*database.File, error)
	// IncrementDownloadCount returns database.ErrConflict when the stored
	// count no longer equals expected.
	IncrementDownloadCount(ctx context.Context, id string, expected int) (*database.File, error)
	Delete(ctx context.Context, id string) error
}

// SessionStore holds upload sessions. Implemented by *database.SessionRepository.
type SessionStore interface {
	Create(ctx context.Context, s *database.UploadSession) error
	GetByID(ctx context.Context, id string) (*database.UploadSession, error)
	Finalize(ctx context.Context, sessionID string, f *database.File) error
	Delete(ctx context.Context, id string) error
	ListExpired(ctx context.Context, now time.Time) ([]*database.UploadSession, error)
}

// TokenStore holds single-use download tokens. Implemented by
// *database.TokenRepository and *tokens.RedisStore.
type TokenStore interface {
	Create(ctx context.Context, t *database.DownloadToken) error
	// Consume claims the token exactly once; later calls get database.ErrNotFound.
	Consume(ctx context.Context, token string) (*database.DownloadToken, error)
	PendingFinal(ctx context.Context, fileID string, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

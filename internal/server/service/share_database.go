package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"vanish/internal/server/database"
	"vanish/internal/server/occ"
)

// ShareRepository is the relational share store. Implemented by
// *database.ShareRepository.
type ShareRepository interface {
	CreateWithContent(ctx context.Context, s *database.Share, content string) error
	GetByCode(ctx context.Context, code string) (*database.Share, error)
	GetContent(ctx context.Context, code string) (string, error)
	UpdateViewState(ctx context.Context, code string, expectedViews, views int, burned bool) error
	Delete(ctx context.Context, code string) error
}

// DatabaseShareBackend keeps shares in Postgres. The view count is the
// version.
type DatabaseShareBackend struct {
	repo ShareRepository
}

// NewDatabaseShareBackend creates a share backend on repo.
func NewDatabaseShareBackend(repo ShareRepository) *DatabaseShareBackend {
	return &DatabaseShareBackend{repo: repo}
}

func (b *DatabaseShareBackend) Create(ctx context.Context, rec *ShareRecord) error {
	err := b.repo.CreateWithContent(ctx, &database.Share{
		Code:             rec.Code,
		Type:             rec.Type,
		ExpiresAt:        rec.ExpiresAt,
		PasswordHash:     rec.PasswordHash,
		BurnAfterReading: rec.BurnAfterReading,
		ViewCount:        rec.ViewCount,
		Burned:           rec.Burned,
		OriginalName:     rec.OriginalName,
		MimeType:         rec.MimeType,
		Size:             rec.Size,
		Language:         rec.Language,
		CreatedAt:        rec.CreatedAt,
	}, rec.Content)
	if errors.Is(err, database.ErrCodeTaken) {
		return ErrShareCodeTaken
	}
	return err
}

func (b *DatabaseShareBackend) Load(ctx context.Context, code string) (*ShareRecord, string, error) {
	s, err := b.repo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, "", ErrShareNotFound
		}
		return nil, "", err
	}
	rec := &ShareRecord{
		Code:             s.Code,
		Type:             s.Type,
		ExpiresAt:        s.ExpiresAt,
		PasswordHash:     s.PasswordHash,
		BurnAfterReading: s.BurnAfterReading,
		ViewCount:        s.ViewCount,
		Burned:           s.Burned,
		OriginalName:     s.OriginalName,
		MimeType:         s.MimeType,
		Size:             s.Size,
		Language:         s.Language,
		CreatedAt:        s.CreatedAt,
	}
	return rec, strconv.Itoa(s.ViewCount), nil
}

func (b *DatabaseShareBackend) Content(ctx context.Context, rec *ShareRecord) (string, error) {
	content, err := b.repo.GetContent(ctx, rec.Code)
	if errors.Is(err, database.ErrNotFound) {
		// Burned between Load and now.
		return "", occ.ErrConflict
	}
	return content, err
}

func (b *DatabaseShareBackend) UpdateViews(ctx context.Context, rec *ShareRecord, version string) error {
	expected, err := strconv.Atoi(version)
	if err != nil {
		return fmt.Errorf("invalid share version %q: %w", version, err)
	}
	err = b.repo.UpdateViewState(ctx, rec.Code, expected, rec.ViewCount, rec.Burned)
	if errors.Is(err, database.ErrConflict) {
		return occ.ErrConflict
	}
	return err
}

func (b *DatabaseShareBackend) Delete(ctx context.Context, code string) error {
	return b.repo.Delete(ctx, code)
}

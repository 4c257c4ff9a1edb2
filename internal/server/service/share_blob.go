package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vanish/internal/server/blob"
	"vanish/internal/server/occ"
)

// shareDocument is the JSON form of a share in the blob store.
type shareDocument struct {
	Type             string    `json:"type"`
	Content          string    `json:"content"`
	ExpiresAt        time.Time `json:"expiresAt"`
	Password         *string   `json:"password,omitempty"` // bcrypt hash
	BurnAfterReading bool      `json:"burnAfterReading"`
	ViewCount        int       `json:"viewCount"`
	Burned           bool      `json:"burned"`
	CreatedAt        time.Time `json:"createdAt"`
	OriginalName     string    `json:"originalName,omitempty"`
	MimeType         string    `json:"mimeType,omitempty"`
	Size             int64     `json:"size,omitempty"`
	Language         string    `json:"language,omitempty"`
}

// BlobShareBackend keeps each share as one JSON document and versions it
// with the store's etag.
type BlobShareBackend struct {
	store blob.Store
}

// NewBlobShareBackend creates a share backend on store.
func NewBlobShareBackend(store blob.Store) *BlobShareBackend {
	return &BlobShareBackend{store: store}
}

func shareKey(code string) string {
	return "shares/" + code + ".json"
}

func (b *BlobShareBackend) Create(ctx context.Context, rec *ShareRecord) error {
	data, err := json.Marshal(toDocument(rec))
	if err != nil {
		return fmt.Errorf("failed to encode share: %w", err)
	}
	_, err = b.store.Put(ctx, shareKey(rec.Code), data, blob.PutOptions{
		IfNoneMatch: true,
		ContentType: "application/json",
	})
	if errors.Is(err, blob.ErrPreconditionFailed) {
		return ErrShareCodeTaken
	}
	return err
}

func (b *BlobShareBackend) Load(ctx context.Context, code string) (*ShareRecord, string, error) {
	obj, err := b.store.Get(ctx, shareKey(code))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, "", ErrShareNotFound
		}
		return nil, "", err
	}

	var doc shareDocument
	if err := json.Unmarshal(obj.Data, &doc); err != nil {
		return nil, "", fmt.Errorf("failed to decode share %s: %w", code, err)
	}
	return fromDocument(code, &doc), obj.ETag, nil
}

func (b *BlobShareBackend) Content(_ context.Context, rec *ShareRecord) (string, error) {
	return rec.Content, nil
}

func (b *BlobShareBackend) UpdateViews(ctx context.Context, rec *ShareRecord, version string) error {
	doc := toDocument(rec)
	if doc.Burned {
		doc.Content = ""
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode share: %w", err)
	}

	_, err = b.store.Put(ctx, shareKey(rec.Code), data, blob.PutOptions{
		IfMatch:     version,
		ContentType: "application/json",
	})
	if errors.Is(err, blob.ErrPreconditionFailed) || errors.Is(err, blob.ErrNotFound) {
		return occ.ErrConflict
	}
	return err
}

func (b *BlobShareBackend) Delete(ctx context.Context, code string) error {
	return b.store.Delete(ctx, shareKey(code))
}

func toDocument(rec *ShareRecord) *shareDocument {
	return &shareDocument{
		Type:             rec.Type,
		Content:          rec.Content,
		ExpiresAt:        rec.ExpiresAt,
		Password:         rec.PasswordHash,
		BurnAfterReading: rec.BurnAfterReading,
		ViewCount:        rec.ViewCount,
		Burned:           rec.Burned,
		CreatedAt:        rec.CreatedAt,
		OriginalName:     rec.OriginalName,
		MimeType:         rec.MimeType,
		Size:             rec.Size,
		Language:         rec.Language,
	}
}

func fromDocument(code string, doc *shareDocument) *ShareRecord {
	return &ShareRecord{
		Code:             code,
		Type:             doc.Type,
		Content:          doc.Content,
		ExpiresAt:        doc.ExpiresAt,
		PasswordHash:     doc.Password,
		BurnAfterReading: doc.BurnAfterReading,
		ViewCount:        doc.ViewCount,
		Burned:           doc.Burned,
		OriginalName:     doc.OriginalName,
		MimeType:         doc.MimeType,
		Size:             doc.Size,
		Language:         doc.Language,
		CreatedAt:        doc.CreatedAt,
	}
}

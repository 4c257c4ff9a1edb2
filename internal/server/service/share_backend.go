package service

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrShareNotFound is returned by a ShareBackend when no share has the code.
	ErrShareNotFound = errors.New("share not found")
	// ErrShareCodeTaken is returned by ShareBackend.Create when the code is in use.
	ErrShareCodeTaken = errors.New("share code already in use")
)

// Share types.
const (
	ShareLink  = "link"
	SharePaste = "paste"
	ShareImage = "image"
	ShareNote  = "note"
	ShareCode  = "code"
	ShareJSON  = "json"
	ShareCSV   = "csv"
)

var shareTypes = map[string]bool{
	ShareLink:  true,
	SharePaste: true,
	ShareImage: true,
	ShareNote:  true,
	ShareCode:  true,
	ShareJSON:  true,
	ShareCSV:   true,
}

// ShareRecord is a stored share. For image shares Content holds the key of
// the asset object rather than the image itself.
type ShareRecord struct {
	Code             string
	Type             string
	Content          string
	ExpiresAt        time.Time
	PasswordHash     *string
	BurnAfterReading bool
	ViewCount        int
	Burned           bool
	OriginalName     string
	MimeType         string
	Size             int64
	Language         string
	CreatedAt        time.Time
}

// ShareBackend persists shares. Load returns an opaque version that
// UpdateViews uses as its compare-and-swap precondition.
type ShareBackend interface {
	Create(ctx context.Context, rec *ShareRecord) error
	// Load may leave Content empty; Content fetches it.
	Load(ctx context.Context, code string) (*ShareRecord, string, error)
	// Content returns occ.ErrConflict when the content disappeared after Load.
	Content(ctx context.Context, rec *ShareRecord) (string, error)
	// UpdateViews stores rec's ViewCount and Burned if the share is still at
	// version, otherwise it returns occ.ErrConflict. Burning drops the content.
	UpdateViews(ctx context.Context, rec *ShareRecord, version string) error
	Delete(ctx context.Context, code string) error
}

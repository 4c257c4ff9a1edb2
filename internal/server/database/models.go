package database

import "time"

// File is a committed dead-drop file.
type File struct {
	ID            string
	Code          string
	StorageKey    string
	OriginalName  string
	Size          int64
	MimeType      string
	ExpiresAt     time.Time
	MaxDownloads  int // -1 when unlimited
	DownloadCount int
	PasswordHash  *string // nil when no password set
	CreatedAt     time.Time
}

// UploadSession reserves a code and storage key until the bytes are
// confirmed and the session is converted into a File.
type UploadSession struct {
	ID            string
	Code          string
	StorageKey    string
	OriginalName  string
	Size          int64
	MimeType      string
	FileExpiresAt time.Time
	MaxDownloads  int
	PasswordHash  *string
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// DownloadToken authorizes exactly one fetch of a file's bytes.
type DownloadToken struct {
	Token       string    `json:"token"`
	FileID      string    `json:"file_id"`
	Code        string    `json:"code"`
	DeleteAfter bool      `json:"delete_after"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Share is the metadata row of a relational share. Its content lives in
// share_contents so that policy checks never load it.
type Share struct {
	Code             string
	Type             string
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

// Stats holds aggregate dead-drop statistics.
type Stats struct {
	ActiveFiles    int64
	PendingUploads int64
	TotalDownloads int64
	StorageUsed    int64
}

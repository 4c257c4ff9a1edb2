package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"vanish/internal/logging"
	"vanish/internal/server/apperr"
	"vanish/internal/server/blob"
	"vanish/internal/server/codes"
	"vanish/internal/server/database"
	"vanish/internal/server/occ"
	"vanish/internal/server/policy"
)

// maxDownloadLimit caps the per-file download limit a sender may ask for.
const maxDownloadLimit = 100

// DeadDropConfig holds the limits the dead-drop flow enforces.
type DeadDropConfig struct {
	BaseURL       string
	MaxFileSize   int64
	DefaultExpiry time.Duration
	MaxExpiry     time.Duration
	TokenTTL      time.Duration
	SessionTTL    time.Duration
}

// InitUploadRequest describes a file a sender is about to upload.
type InitUploadRequest struct {
	Name           string
	Size           int64
	MimeType       string
	ExpiresInHours int  // 0 selects the default expiry
	MaxDownloads   *int // nil selects a single download
	Password       string
}

// UploadTicket is returned when an upload session is opened.
type UploadTicket struct {
	SessionID string    `json:"sessionId"`
	Code      string    `json:"code"`
	UploadURL string    `json:"uploadUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CommittedFile is returned once an upload is complete.
type CommittedFile struct {
	Code         string    `json:"code"`
	URL          string    `json:"url"`
	ExpiresAt    time.Time `json:"expiresAt"`
	MaxDownloads int       `json:"maxDownloads"`
}

// FileInfo is the public description of a downloadable file.
type FileInfo struct {
	Name               string    `json:"name"`
	Size               int64     `json:"size"`
	ExpiresAt          time.Time `json:"expiresAt"`
	RequiresPassword   bool      `json:"requiresPassword"`
	DownloadsRemaining *int      `json:"downloadsRemaining"` // nil when unlimited
}

// PreparedDownload carries the single-use token for one download.
type PreparedDownload struct {
	Token       string    `json:"token"`
	DownloadURL string    `json:"downloadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Redemption is an open download. Callers stream Body and then call
// DeadDropService.Finish.
type Redemption struct {
	File        *database.File
	Body        io.ReadCloser
	Size        int64
	DeleteAfter bool
}

// StatsStore is implemented by file stores that can report aggregates.
type StatsStore interface {
	GetStats(ctx context.Context) (*database.Stats, error)
}

// DeadDropService runs the dead-drop lifecycle: upload sessions, download
// preparation under optimistic concurrency, token redemption and lazy
// cleanup of expired or exhausted files.
type DeadDropService struct {
	files    FileStore
	sessions SessionStore
	tokens   TokenStore
	blobs    blob.Store
	cfg      DeadDropConfig
	now      func() time.Time
}

// NewDeadDropService creates a new dead-drop service.
func NewDeadDropService(files FileStore, sessions SessionStore, tokens TokenStore, blobs blob.Store, cfg DeadDropConfig) *DeadDropService {
	return &DeadDropService{
		files:    files,
		sessions: sessions,
		tokens:   tokens,
		blobs:    blobs,
		cfg:      cfg,
		now:      time.Now,
	}
}

// InitUpload opens an upload session and reserves a download code for it.
func (s *DeadDropService) InitUpload(ctx context.Context, req InitUploadRequest) (*UploadTicket, error) {
	if req.Size <= 0 {
		return nil, apperr.New(apperr.KindValidation, "File is empty")
	}
	if req.Size > s.cfg.MaxFileSize {
		return nil, apperr.New(apperr.KindValidation, "File exceeds maximum allowed size")
	}

	maxDownloads := 1
	if req.MaxDownloads != nil {
		maxDownloads = *req.MaxDownloads
	}
	if maxDownloads != policy.Unlimited && (maxDownloads < 1 || maxDownloads > maxDownloadLimit) {
		return nil, apperr.New(apperr.KindValidation,
			fmt.Sprintf("Download limit must be between 1 and %d, or -1 for unlimited", maxDownloadLimit))
	}

	expiry, err := resolveExpiry(req.ExpiresInHours, s.cfg.DefaultExpiry, s.cfg.MaxExpiry)
	if err != nil {
		return nil, err
	}

	var passwordHash *string
	if req.Password != "" {
		hash, err := policy.HashPassword(req.Password)
		if err != nil {
			return nil, apperr.Storage("failed to secure upload", err)
		}
		passwordHash = &hash
	}

	name := sanitizeFilename(req.Name)
	now := s.now()
	session := &database.UploadSession{
		ID:            uuid.NewString(),
		StorageKey:    "files/" + uuid.NewString(),
		OriginalName:  name,
		Size:          req.Size,
		MimeType:      detectMimeType(name, req.MimeType),
		FileExpiresAt: now.Add(expiry),
		MaxDownloads:  maxDownloads,
		PasswordHash:  passwordHash,
		ExpiresAt:     now.Add(s.cfg.SessionTTL),
		CreatedAt:     now,
	}

	for attempt := 1; attempt <= occ.DefaultAttempts; attempt++ {
		code, err := codes.FileCode()
		if err != nil {
			return nil, apperr.Storage("failed to generate download code", err)
		}
		session.Code = code

		err = s.sessions.Create(ctx, session)
		if err == nil {
			logging.FromContext(ctx).Info("upload session opened",
				"session_id", session.ID,
				"code", session.Code,
				"size", session.Size,
				"max_downloads", session.MaxDownloads,
			)
			return &UploadTicket{
				SessionID: session.ID,
				Code:      session.Code,
				UploadURL: s.cfg.BaseURL + "/api/uploads/" + session.ID,
				ExpiresAt: session.ExpiresAt,
			}, nil
		}
		if !errors.Is(err, database.ErrCodeTaken) {
			return nil, apperr.Storage("failed to open upload session", err)
		}
		logging.FromContext(ctx).Debug("download code collision", "attempt", attempt)
	}
	return nil, apperr.New(apperr.KindConflict, "Could not allocate a download code, please retry")
}

// StoreUploadData writes the session's bytes. contentLength is the declared
// request length, or -1 when unknown.
func (s *DeadDropService) StoreUploadData(ctx context.Context, sessionID string, r io.Reader, contentLength int64) error {
	session, err := s.openSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if contentLength >= 0 && contentLength != session.Size {
		return apperr.New(apperr.KindValidation, "Upload size does not match the declared size")
	}

	body := &exactReader{r: r, n: session.Size}
	info, err := s.blobs.Save(ctx, session.StorageKey, body, session.Size, session.MimeType)
	if err == nil {
		body.checkEnd()
	}
	if body.overflow {
		if err := s.blobs.Delete(ctx, session.StorageKey); err != nil {
			logging.FromContext(ctx).Warn("failed to delete oversized upload", "session_id", session.ID, "error", err)
		}
		return apperr.New(apperr.KindValidation, "Upload is larger than the declared size")
	}
	if err != nil {
		return apperr.Storage("failed to store upload", err)
	}
	if info.Size != session.Size {
		if err := s.blobs.Delete(ctx, session.StorageKey); err != nil {
			logging.FromContext(ctx).Warn("failed to delete short upload", "session_id", session.ID, "error", err)
		}
		return apperr.New(apperr.KindValidation, "Upload size does not match the declared size")
	}
	return nil
}

// CompleteUpload turns a session whose bytes are in place into a file.
func (s *DeadDropService) CompleteUpload(ctx context.Context, sessionID string) (*CommittedFile, error) {
	session, err := s.openSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	info, err := s.blobs.Stat(ctx, session.StorageKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, apperr.New(apperr.KindValidation, "File data has not been uploaded")
		}
		return nil, apperr.Storage("failed to verify upload", err)
	}
	if info.Size != session.Size {
		return nil, apperr.New(apperr.KindValidation, "Upload size does not match the declared size")
	}

	file := &database.File{
		ID:            uuid.NewString(),
		Code:          session.Code,
		StorageKey:    session.StorageKey,
		OriginalName:  session.OriginalName,
		Size:          session.Size,
		MimeType:      session.MimeType,
		ExpiresAt:     session.FileExpiresAt,
		MaxDownloads:  session.MaxDownloads,
		DownloadCount: 0,
		PasswordHash:  session.PasswordHash,
		CreatedAt:     s.now(),
	}
	if err := s.sessions.Finalize(ctx, session.ID, file); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "Upload session not found")
		}
		return nil, apperr.Storage("failed to commit upload", err)
	}

	logging.FromContext(ctx).Info("file committed",
		"code", file.Code,
		"size", file.Size,
		"expires_at", file.ExpiresAt,
	)

	return &CommittedFile{
		Code:         file.Code,
		URL:          s.cfg.BaseURL + "/download/" + file.Code,
		ExpiresAt:    file.ExpiresAt,
		MaxDownloads: file.MaxDownloads,
	}, nil
}

// AbortUpload discards a session and any bytes already stored for it.
func (s *DeadDropService) AbortUpload(ctx context.Context, sessionID string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return apperr.New(apperr.KindValidation, "Invalid upload session")
	}
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return apperr.New(apperr.KindNotFound, "Upload session not found")
		}
		return apperr.Storage("failed to load upload session", err)
	}

	// The session row outlives a failed object delete so the sweeper retries.
	if err := s.blobs.Delete(ctx, session.StorageKey); err != nil {
		return apperr.Storage("failed to discard upload", err)
	}
	if err := s.sessions.Delete(ctx, session.ID); err != nil {
		return apperr.Storage("failed to discard upload session", err)
	}
	return nil
}

// Info describes a file without consuming a download. Expired and
// exhausted files are cleaned up as a side effect.
func (s *DeadDropService) Info(ctx context.Context, rawCode string) (*FileInfo, error) {
	code, err := normalizeFileCode(rawCode)
	if err != nil {
		return nil, err
	}
	f, err := s.lookup(ctx, code)
	if err != nil {
		return nil, err
	}

	availability := fileSubject(f)
	availability.PasswordHash = nil
	if outcome := policy.Evaluate(availability, "", s.now(), nil); outcome != policy.Allowed {
		return nil, s.refuse(ctx, f, outcome)
	}

	info := &FileInfo{
		Name:             f.OriginalName,
		Size:             f.Size,
		ExpiresAt:        f.ExpiresAt,
		RequiresPassword: f.PasswordHash != nil,
	}
	if f.MaxDownloads != policy.Unlimited {
		remaining := f.MaxDownloads - f.DownloadCount
		info.DownloadsRemaining = &remaining
	}
	return info, nil
}

// PrepareDownload checks a download request against the file's policy,
// records the download with a compare-and-swap on the counter and returns
// a single-use token. Every retry re-reads the file and re-runs every check.
//
// The token is written before the counter moves and revoked if the swap
// loses, so a file is never seen exhausted without its final token.
func (s *DeadDropService) PrepareDownload(ctx context.Context, rawCode, password string) (*PreparedDownload, error) {
	code, err := normalizeFileCode(rawCode)
	if err != nil {
		return nil, err
	}

	verify := policy.CachedVerifier(policy.CheckPassword)
	token, err := occ.Retry(ctx, occ.DefaultAttempts, func(ctx context.Context, attempt int) (*database.DownloadToken, error) {
		f, err := s.lookup(ctx, code)
		if err != nil {
			return nil, err
		}
		if outcome := policy.Evaluate(fileSubject(f), password, s.now(), verify); outcome != policy.Allowed {
			return nil, s.refuse(ctx, f, outcome)
		}

		now := s.now()
		token := &database.DownloadToken{
			Token:       codes.NewToken(),
			FileID:      f.ID,
			Code:        f.Code,
			DeleteAfter: policy.IsExhausted(f.MaxDownloads, f.DownloadCount+1),
			ExpiresAt:   now.Add(s.cfg.TokenTTL),
			CreatedAt:   now,
		}
		if err := s.tokens.Create(ctx, token); err != nil {
			return nil, apperr.Storage("failed to issue download token", err)
		}

		_, err = s.files.IncrementDownloadCount(ctx, f.ID, f.DownloadCount)
		if err == nil {
			return token, nil
		}
		s.revoke(ctx, token)
		if errors.Is(err, database.ErrConflict) {
			logging.FromContext(ctx).Debug("download count changed concurrently", "code", code, "attempt", attempt)
			return nil, occ.ErrConflict
		}
		return nil, apperr.Storage("failed to record download", err)
	})
	if errors.Is(err, occ.ErrBusy) {
		logging.FromContext(ctx).Warn("download preparation gave up", "code", code, "error", err)
		return nil, apperr.Wrap(apperr.KindConflict, "File is busy, please retry", err)
	}
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info("download prepared",
		"code", token.Code,
		"delete_after", token.DeleteAfter,
	)

	return &PreparedDownload{
		Token:       token.Token,
		DownloadURL: s.cfg.BaseURL + "/api/download/stream/" + token.Token,
		ExpiresAt:   token.ExpiresAt,
	}, nil
}

// revoke withdraws a token whose download was not recorded.
func (s *DeadDropService) revoke(ctx context.Context, token *database.DownloadToken) {
	if _, err := s.tokens.Consume(ctx, token.Token); err != nil && !errors.Is(err, database.ErrNotFound) {
		logging.FromContext(ctx).Warn("failed to revoke download token", "code", token.Code, "error", err)
	}
}

// Redeem claims a download token and opens the file's bytes.
func (s *DeadDropService) Redeem(ctx context.Context, token string) (*Redemption, error) {
	const invalid = "Download link is invalid or has already been used"
	if !codes.ValidToken(token) {
		return nil, apperr.New(apperr.KindNotFound, invalid)
	}

	t, err := s.tokens.Consume(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, invalid)
		}
		return nil, apperr.Storage("failed to redeem download token", err)
	}
	if policy.IsExpired(t.ExpiresAt, s.now()) {
		return nil, apperr.Gone(apperr.ReasonExpired, "Download link has expired")
	}

	f, err := s.files.GetByID(ctx, t.FileID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.Gone(apperr.ReasonExpired, "File is no longer available")
		}
		return nil, apperr.Storage("failed to load file", err)
	}

	body, info, err := s.blobs.Open(ctx, f.StorageKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, apperr.Gone(apperr.ReasonExpired, "File is no longer available")
		}
		return nil, apperr.Storage("failed to open file", err)
	}

	return &Redemption{File: f, Body: body, Size: info.Size, DeleteAfter: t.DeleteAfter}, nil
}

// Finish closes a redemption and, for the file's final download, deletes
// the file.
func (s *DeadDropService) Finish(ctx context.Context, r *Redemption) {
	if err := r.Body.Close(); err != nil {
		logging.FromContext(ctx).Debug("failed to close download stream", "code", r.File.Code, "error", err)
	}
	if r.DeleteAfter {
		s.discard(ctx, r.File, "final download")
	}
}

// Stats returns aggregate statistics when the file store supports them.
func (s *DeadDropService) Stats(ctx context.Context) (*database.Stats, error) {
	st, ok := s.files.(StatsStore)
	if !ok {
		return nil, apperr.New(apperr.KindUnavailable, "Statistics are not available")
	}
	stats, err := st.GetStats(ctx)
	if err != nil {
		return nil, apperr.Storage("failed to retrieve stats", err)
	}
	return stats, nil
}

func (s *DeadDropService) openSession(ctx context.Context, sessionID string) (*database.UploadSession, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, apperr.New(apperr.KindValidation, "Invalid upload session")
	}
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "Upload session not found")
		}
		return nil, apperr.Storage("failed to load upload session", err)
	}
	if policy.IsExpired(session.ExpiresAt, s.now()) {
		return nil, apperr.Gone(apperr.ReasonExpired, "Upload session has expired")
	}
	return session, nil
}

func (s *DeadDropService) lookup(ctx context.Context, code string) (*database.File, error) {
	f, err := s.files.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "File not found")
		}
		return nil, apperr.Storage("failed to load file", err)
	}
	return f, nil
}

// refuse turns a failed policy outcome into the caller's error, cleaning up
// files that can never be downloaded again.
func (s *DeadDropService) refuse(ctx context.Context, f *database.File, outcome policy.Outcome) error {
	switch outcome {
	case policy.Expired:
		s.discard(ctx, f, "expired")
		return apperr.Gone(apperr.ReasonExpired, "This file has expired")
	case policy.Exhausted:
		s.discardExhausted(ctx, f)
		return apperr.Gone(apperr.ReasonLimitReached, "Download limit reached")
	case policy.PasswordRequired:
		return apperr.New(apperr.KindAuthRequired, "Password required")
	case policy.PasswordIncorrect:
		return apperr.New(apperr.KindAuthFailed, "Incorrect password")
	}
	return apperr.Storage("unexpected policy outcome", fmt.Errorf("%s", outcome))
}

// discardExhausted deletes an exhausted file unless its final download is
// still waiting to be redeemed; the redemption deletes it instead.
func (s *DeadDropService) discardExhausted(ctx context.Context, f *database.File) {
	pending, err := s.tokens.PendingFinal(ctx, f.ID, s.now())
	if err != nil {
		logging.FromContext(ctx).Warn("failed to check pending downloads, keeping file",
			"code", f.Code, "error", err)
		return
	}
	if pending {
		return
	}
	s.discard(ctx, f, "limit reached")
}

// discard runs purgeFile and logs its failure. Cleanup errors never reach
// the caller: it already has a definitive answer.
func (s *DeadDropService) discard(ctx context.Context, f *database.File, reason string) {
	if err := s.purgeFile(ctx, f); err != nil {
		logging.FromContext(ctx).Warn("lazy cleanup failed", "code", f.Code, "reason", reason, "error", err)
		return
	}
	logging.FromContext(ctx).Info("file removed", "code", f.Code, "reason", reason)
}

// purgeFile deletes the file's bytes and then its record. Both deletes are
// idempotent, so a partial failure is finished by the next access.
func (s *DeadDropService) purgeFile(ctx context.Context, f *database.File) error {
	if err := s.blobs.Delete(ctx, f.StorageKey); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	if err := s.files.Delete(ctx, f.ID); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func fileSubject(f *database.File) policy.Subject {
	return policy.Subject{
		ExpiresAt:    f.ExpiresAt,
		MaxUses:      f.MaxDownloads,
		Uses:         f.DownloadCount,
		PasswordHash: f.PasswordHash,
	}
}

func normalizeFileCode(raw string) (string, error) {
	code, ok := codes.Normalize(raw, codes.CodeLength)
	if !ok {
		return "", apperr.New(apperr.KindValidation, "Invalid download code")
	}
	return code, nil
}

// resolveExpiry turns a requested lifetime in hours into a duration,
// applying the default and capping at max.
func resolveExpiry(hours int, def, max time.Duration) (time.Duration, error) {
	if hours < 0 {
		return 0, apperr.New(apperr.KindValidation, "Expiry must be positive")
	}
	if hours == 0 {
		return def, nil
	}
	d := time.Duration(hours) * time.Hour
	if d > max {
		d = max
	}
	return d, nil
}

// sanitizeFilename strips directory components and limits length.
const (
	maxFilenameBytes  = 255
	maxExtensionBytes = 16
)

func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	if len(name) > maxFilenameBytes {
		ext := filepath.Ext(name)
		if len(ext) > maxExtensionBytes {
			ext = ""
		}
		stem := strings.TrimSuffix(name, ext)
		name = truncateUTF8(stem, maxFilenameBytes-len(ext)) + ext
	}

	if name == "" || name == "." || name == "/" {
		name = "download.bin"
	}

	return name
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// detectMimeType prefers a well-formed declared type, then the extension.
func detectMimeType(name, declared string) string {
	if declared != "" {
		if mediaType, _, err := mime.ParseMediaType(declared); err == nil {
			return mediaType
		}
	}
	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			return mediaType
		}
	}
	return "application/octet-stream"
}

var errUploadTooLarge = errors.New("upload exceeds its declared size")

// exactReader yields at most n bytes of r and fails once r offers more.
type exactReader struct {
	r        io.Reader
	n        int64
	overflow bool
}

func (e *exactReader) Read(p []byte) (int, error) {
	if e.n <= 0 {
		if e.checkEnd() {
			return 0, errUploadTooLarge
		}
		return 0, io.EOF
	}
	if int64(len(p)) > e.n {
		p = p[:e.n]
	}
	n, err := e.r.Read(p)
	e.n -= int64(n)
	return n, err
}

// checkEnd reports whether r still has bytes once the declared size has
// been consumed. Stores that stop reading at the declared size never ask
// for the extra byte themselves.
func (e *exactReader) checkEnd() bool {
	if e.overflow || e.n > 0 {
		return e.overflow
	}
	var extra [1]byte
	if n, _ := io.ReadFull(e.r, extra[:]); n > 0 {
		e.overflow = true
	}
	return e.overflow
}

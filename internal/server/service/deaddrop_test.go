package service

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vanish/internal/server/apperr"
	"vanish/internal/server/blob"
	"vanish/internal/server/codes"
	"vanish/internal/server/tokens"
)

type deadDropFixture struct {
	svc      *DeadDropService
	files    *memFiles
	sessions *memSessions
	tokens   *memTokens
	blobs    *blob.FileSystemStore
	now      time.Time
}

func newDeadDropFixture(t *testing.T) *deadDropFixture {
	t.Helper()
	f := &deadDropFixture{
		files:  newMemFiles(),
		tokens: newMemTokens(),
		blobs:  blob.NewFileSystemStore(t.TempDir()),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.sessions = newMemSessions(f.files)
	f.svc = NewDeadDropService(f.files, f.sessions, f.tokens, f.blobs, DeadDropConfig{
		BaseURL:       "http://vanish.test",
		MaxFileSize:   1 << 20,
		DefaultExpiry: 24 * time.Hour,
		MaxExpiry:     7 * 24 * time.Hour,
		TokenTTL:      5 * time.Minute,
		SessionTTL:    30 * time.Minute,
	})
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *deadDropFixture) advance(d time.Duration) { f.now = f.now.Add(d) }

// upload runs the full session lifecycle and returns the committed file.
func (f *deadDropFixture) upload(t *testing.T, content string, req InitUploadRequest) *CommittedFile {
	t.Helper()
	ctx := context.Background()
	req.Size = int64(len(content))
	if req.Name == "" {
		req.Name = "notes.txt"
	}

	ticket, err := f.svc.InitUpload(ctx, req)
	require.NoError(t, err)
	require.NoError(t, f.svc.StoreUploadData(ctx, ticket.SessionID, strings.NewReader(content), req.Size))

	committed, err := f.svc.CompleteUpload(ctx, ticket.SessionID)
	require.NoError(t, err)
	return committed
}

func intPtr(n int) *int { return &n }

func requireKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, apperr.KindOf(err), "error: %v", err)
}

func TestDeadDrop_UploadLifecycle(t *testing.T) {
	f := newDeadDropFixture(t)
	ctx := context.Background()

	ticket, err := f.svc.InitUpload(ctx, InitUploadRequest{Name: "../../etc/report.pdf", Size: 5})
	require.NoError(t, err)
	assert.Len(t, ticket.Code, codes.CodeLength)
	assert.Equal(t, "http://vanish.test/api/uploads/"+ticket.SessionID, ticket.UploadURL)
	assert.Equal(t, f.now.Add(30*time.Minute), ticket.ExpiresAt)

	require.NoError(t, f.svc.StoreUploadData(ctx, ticket.SessionID, strings.NewReader("hello"), 5))

	committed, err := f.svc.CompleteUpload(ctx, ticket.SessionID)
	require.NoError(t, err)
	assert.Equal(t, ticket.Code, committed.Code)
	assert.Equal(t, "http://vanish.test/download/"+ticket.Code, committed.URL)
	assert.Equal(t, 1, committed.MaxDownloads)
	assert.Equal(t, f.now.Add(24*time.Hour), committed.ExpiresAt)
	assert.Equal(t, 0, f.sessions.count())

	info, err := f.svc.Info(ctx, strings.ToUpper(committed.Code))
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", info.Name)
	assert.Equal(t, int64(5), info.Size)
	assert.False(t, info.RequiresPassword)
	require.NotNil(t, info.DownloadsRemaining)
	assert.Equal(t, 1, *info.DownloadsRemaining)

	stored, err := f.files.GetByCode(ctx, committed.Code)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", stored.MimeType)

	t.Run("completing twice is not found", func(t *testing.T) {
		_, err := f.svc.CompleteUpload(ctx, ticket.SessionID)
		requireKind(t, err, apperr.KindNotFound)
	})
}

func TestDeadDrop_InitUploadValidation(t *testing.T) {
	f := newDeadDropFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  InitUploadRequest
	}{
		{"empty file", InitUploadRequest{Name: "a.txt", Size: 0}},
		{"too large", InitUploadRequest{Name: "a.txt", Size: 2 << 20}},
		{"zero downloads", InitUploadRequest{Name: "a.txt", Size: 1, MaxDownloads: intPtr(0)}},
		{"too many downloads", InitUploadRequest{Name: "a.txt", Size: 1, MaxDownloads: intPtr(101)}},
		{"negative expiry", InitUploadRequest{Name: "a.txt", Size: 1, ExpiresInHours: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.InitUpload(ctx, tt.req)
			requireKind(t, err, apperr.KindValidation)
		})
	}

	t.Run("expiry is capped", func(t *testing.T) {
		committed := f.upload(t, "x", InitUploadRequest{ExpiresInHours: 1000})
		assert.Equal(t, f.now.Add(7*24*time.Hour), committed.ExpiresAt)
	})
}

func TestDeadDrop_StoreUploadData(t *testing.T) {
	f := newDeadDropFixture(t)
	ctx := context.Background()

	ticket, err := f.svc.InitUpload(ctx, InitUploadRequest{Name: "a.bin", Size: 4})
	require.NoError(t, err)

	t.Run("declared length mismatch", func(t *testing.T) {
		err := f.svc.StoreUploadData(ctx, ticket.SessionID, strings.NewReader("toolong"), 7)
		requireKind(t, err, apperr.KindValidation)
	})

	t.Run("short body", func(t *testing.T) {
		err := f.svc.StoreUploadData(ctx, ticket.SessionID, strings.NewReader("ab"), -1)
		requireKind(t, err, apperr.KindValidation)

		session, err := f.sessions.GetByID(ctx, ticket.SessionID)
		require.NoError(t, err)
		_, err = f.blobs.Stat(ctx, session.StorageKey)
		assert.ErrorIs(t, err, blob.ErrNotFound)
	})

	t.Run("chunked body past declared size", func(t *testing.T) {
		err := f.svc.StoreUploadData(ctx, ticket.SessionID, strings.NewReader("abcd plus extra"), -1)
		requireKind(t, err, apperr.KindValidation)
		assert.Contains(t, err.Error(), "larger than the declared size")

		session, err := f.sessions.GetByID(ctx, ticket.SessionID)
		require.NoError(t, err)
		_, err = f.blobs.Stat(ctx, session.StorageKey)
		assert.ErrorIs(t, err, blob.ErrNotFound)
	})

	t.Run("reader that stops exactly at declared size", func(t *testing.T) {
		r := &exactReader{r: strings.NewReader("abcdE"), n: 4}
		data, err := io.ReadAll(r)
		assert.ErrorIs(t, err, errUploadTooLarge)
		assert.Equal(t, "abcd", string(data))
		assert.True(t, r.overflow)

		r = &exactReader{r: strings.NewReader("abcd"), n: 4}
		data, err = io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "abcd", string(data))
		assert.False(t, r.checkEnd())
	})

	t.Run("complete without data", func(t *testing.T) {
		_, err := f.svc.CompleteUpload(ctx, ticket.SessionID)
		requireKind(t, err, apperr.KindValidation)
	})

	t.Run("invalid session id", func(t *testing.T) {
		err := f.svc.StoreUploadData(ctx, "not-a-uuid", strings.NewReader("abcd"), 4)
		requireKind(t, err, apperr.KindValidation)
	})

	t.Run("expired session", func(t *testing.T) {
		f.advance(31 * time.Minute)
		err := f.svc.StoreUploadData(ctx, ticket.SessionID, strings.NewReader("abcd"), 4)
		requireKind(t, err, apperr.KindGone)
	})
}

func TestDeadDrop_InitUploadLongExtension(t *testing.T) {
	f := newDeadDropFixture(t)
	ctx := context.Background()

	ticket, err := f.svc.InitUpload(ctx, InitUploadRequest{Name: "a." + strings.Repeat("b", 400), Size: 3})
	require.NoError(t, err)

	session, err := f.sessions.GetByID(ctx, ticket.SessionID)
	require.NoError(t, err)
	assert.Len(t, session.OriginalName, 255)
}

func TestDeadDrop_AbortUpload(t *testing.T) {
	f := newDeadDropFixture(t)
	ctx := context.Background()

	ticket, err := f.svc.InitUpload(ctx, InitUploadRequest{Name: "a.bin", Size: 3})
	require.NoError(t, err)
	require.NoError(t, f.svc.StoreUploadData(ctx, ticket.SessionID, strings.NewReader("abc"), 3))

	session, err := f.sessions.GetByID(ctx, ticket.SessionID)
	require.NoError(t, err)

	require.NoError(t, f.svc.AbortUpload(ctx, ticket.SessionID))
	assert.Equal(t, 0, f.sessions.count())
	_, err = f.blobs.Stat(ctx, session.StorageKey)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	err = f.svc.AbortUpload(ctx, ticket.SessionID)
	requireKind(t, err, apperr.KindNotFound)
}

func TestPrepareDownload_SingleDownload(t *testing.T) {
	f := newDeadDropFixture(t)
	ctx := context.Background()
	committed := f.upload(t, "secret bytes", InitUploadRequest{MaxDownloads: intPtr(1)})

	prepared, err := f.svc.PrepareDownload(ctx, committed.Code, "")
	require.NoError(t, err)
	assert.True(t, codes.ValidToken(prepared.Token))
	assert.Equal(t, "http://vanish.test/api/download/stream/"+prepared.Token, prepared.DownloadURL)

	stored, err := f.files.GetByCode(ctx, committed.Code)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.DownloadCount)

	// The final token is still pending, so the bytes survive this refusal.
	_, err = f.svc.PrepareDownload(ctx, committed.Code, "")
	requireKind(t, err, apperr.KindGone)
	assert.True(t, apperr.IsGone(err, apperr.ReasonLimitReached))
	assert.Equal(t, 1, f.files.count())

	redemption, err := f.svc.Redeem(ctx, prepared.Token)
	require.NoError(t, err)
	assert.True(t, redemption.DeleteAfter)
	data, err := io.ReadAll(redemption.Body)
	require.NoError(t, err)
	assert.Equal(t, "secret bytes", string(data))
	f.svc.Finish(ctx, redemption)

	assert.Equal(t, 0, f.files.count())
	_, err = f.blobs.Stat(ctx, redemption.File.StorageKey)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	_, err = f.svc.PrepareDownload(ctx, committed.Code, "")
	requireKind(t, err, apperr.KindNotFound)
}

func TestPrepareDownload_IdempotentExhaustion(t *testing.T) {
	f := newDeadDropFixture(t)
	ctx := context.Background()
	committed := f.upload(t, "data", InitUploadRequest{MaxDownloads: intPtr(3)})

	for i := 0; i < 3; i++ {
		_, err := f.svc.PrepareDownload(ctx, committed.Code, "")
		require.NoError(t, err)
	}

	for i := 0; i < 5; i++ {
		_, err := f.svc.PrepareDownload(ctx, committed.Code, "")
		assert.True(t, apperr.IsGone(err, apperr.ReasonLimitReached), "attempt %d: %v", i, err)
	}

	stored, err := f.files.GetByCode(ctx, committed.Code)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.DownloadCount)
}

func TestPrepareDownload_ExhaustedWithoutPendingTokenIsRemoved(t *testing.T) {
	f := newDeadDropFixture(t)
	ctx := context.Background()
	committed := f.upload(t, "data", InitUploadRequest{})

	_, err := f.svc.PrepareDownload(ctx, committed.Code, "")
	require.NoError(t, err)

	// The final token lapses without being redeemed.
	f.advance(6 * time.Minute)

	_, err = f.svc.Info(ctx, committed.Code)
	assert.True(t, apperr.IsGone(err, apperr.ReasonLimitReached))
	assert.Equal(t, 0, f.files.count())
}

func TestPrepareDownload_Passwords(t *testing.T) {
	f := newDeadDropFixture(t)
	ctx := context.Background()
	committed := f.upload(t, "data", InitUploadRequest{Password: "hunter2", MaxDownloads: intPtr(2)})

	info, err := f.svc.Info(ctx, committed.Code)
	require.NoError(t, err)
	assert.True(t, info.RequiresPassword)

	_, err = f.svc.PrepareDownload(ctx, committed.Code, "")
	requireKind(t, err, apperr.KindAuthRequired)

	_, err = f.svc.PrepareDownload(ctx, committed.Code, "wrong")
	requireKind(t, err, apperr.KindAuthFailed)

	stored, err := f.files.GetByCode(ctx, committed.Code)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.DownloadCount)
	require.NotNil(t, stored.PasswordHash)
	assert.NotEqual(t, "hunter2", *stored.PasswordHash)

	_, err = f.svc.PrepareDownload(ctx, committed.Code, "hunter2")
	require.NoError(t, err)
}

func TestPrepareDownload_ExpiryCheckedBeforePassword(t *testing.T) {
	f := newDeadDropFixture(t)
	ctx := context.Background()
	committed := f.upload(t, "data", InitUploadRequest{Password: "hunter2", ExpiresInHours: 1})

	stored, err := f.files.GetByCode(ctx, committed.Code)
	require.NoError(t, err)

	f.advance(time.Hour)
	_, err = f.svc.Info(ctx, committed.Code)
	require.NoError(t, err, "a file is live at exactly its expiry")

	f.advance(time.Second)
	_, err = f.svc.PrepareDownload(ctx, committed.Code, "")
	assert.True(t, apperr.IsGone(err, apperr.ReasonExpired), "got %v", err)

	assert.Equal(t, 0, f.files.count())
	_, err = f.blobs.Stat(ctx, stored.StorageKey)
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestPrepareDownload_BusyAfterBoundedRetries(t *testing.T) {
	f := newDeadDropFixture(t)
	ctx := context.Background()
	committed := f.upload(t, "data", InitUploadRequest{})

	f.files.mu.Lock()
	f.files.alwaysConflict = true
	f.files.lookups = 0
	f.files.mu.Unlock()

	_, err := f.svc.PrepareDownload(ctx, committed.Code, "")
	requireKind(t, err, apperr.KindConflict)

	f.files.mu.Lock()
	defer f.files.mu.Unlock()
	assert.Equal(t, 3, f.files.increments)
	assert.Equal(t, 3, f.files.lookups, "every attempt re-reads the file")
	assert.Equal(t, 0, f.tokens.count(), "losing attempts revoke their tokens")
}

func TestPrepareDownload_ConcurrentCallers(t *testing.T) {
	f := newDeadDropFixture(t)
	ctx := context.Background()
	committed := f.upload(t, "data", InitUploadRequest{MaxDownloads: intPtr(5)})

	const callers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.PrepareDownload(ctx, committed.Code, "")
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			kind := apperr.KindOf(err)
			assert.True(t, kind == apperr.KindGone || kind == apperr.KindConflict, "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, successes, 5)
	assert.Positive(t, successes)

	stored, err := f.files.GetByCode(ctx, committed.Code)
	require.NoError(t, err)
	assert.Equal(t, successes, stored.DownloadCount)
}

// The caller that loses the counter race must not take the winner's
// pending final download with it when it withdraws its own token.
func TestPrepareDownload_LoserKeepsWinnersFinalDownload(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := newDeadDropFixture(t)
	f.now = time.Now()
	f.svc.tokens = tokens.NewRedisStore(client)
	ctx := context.Background()
	committed := f.upload(t, "only once", InitUploadRequest{MaxDownloads: intPtr(1)})

	var (
		winner    *PreparedDownload
		winnerErr error
	)
	f.files.mu.Lock()
	f.files.beforeIncrement = func() {
		winner, winnerErr = f.svc.PrepareDownload(ctx, committed.Code, "")
	}
	f.files.mu.Unlock()

	_, err := f.svc.PrepareDownload(ctx, committed.Code, "")
	requireKind(t, err, apperr.KindGone)
	require.NoError(t, winnerErr)
	assert.Equal(t, 1, f.files.count(), "file is kept for the pending final download")

	redemption, err := f.svc.Redeem(ctx, winner.Token)
	require.NoError(t, err)
	data, err := io.ReadAll(redemption.Body)
	require.NoError(t, err)
	assert.Equal(t, "only once", string(data))
	f.svc.Finish(ctx, redemption)

	assert.Equal(t, 0, f.files.count())
}

func TestPrepareDownload_Unlimited(t *testing.T) {
	f := newDeadDropFixture(t)
	ctx := context.Background()
	committed := f.upload(t, "data", InitUploadRequest{MaxDownloads: intPtr(-1)})

	info, err := f.svc.Info(ctx, committed.Code)
	require.NoError(t, err)
	assert.Nil(t, info.DownloadsRemaining)

	for i := 0; i < 10; i++ {
		prepared, err := f.svc.PrepareDownload(ctx, committed.Code, "")
		require.NoError(t, err)
		redemption, err := f.svc.Redeem(ctx, prepared.Token)
		require.NoError(t, err)
		assert.False(t, redemption.DeleteAfter)
		f.svc.Finish(ctx, redemption)
	}
	assert.Equal(t, 1, f.files.count())
}

func TestDeadDrop_CodeValidation(t *testing.T) {
	f := newDeadDropFixture(t)
	ctx := context.Background()

	_, err := f.svc.Info(ctx, "abc")
	requireKind(t, err, apperr.KindValidation)

	_, err = f.svc.PrepareDownload(ctx, "abc!defg", "")
	requireKind(t, err, apperr.KindValidation)

	_, err = f.svc.Info(ctx, "zzzzzzzz")
	requireKind(t, err, apperr.KindNotFound)
}

func TestRedeem(t *testing.T) {
	f := newDeadDropFixture(t)
	ctx := context.Background()
	committed := f.upload(t, "payload", InitUploadRequest{MaxDownloads: intPtr(2)})

	t.Run("malformed token", func(t *testing.T) {
		_, err := f.svc.Redeem(ctx, "nope")
		requireKind(t, err, apperr.KindNotFound)
	})

	t.Run("token is single use", func(t *testing.T) {
		prepared, err := f.svc.PrepareDownload(ctx, committed.Code, "")
		require.NoError(t, err)

		redemption, err := f.svc.Redeem(ctx, prepared.Token)
		require.NoError(t, err)
		var buf bytes.Buffer
		_, err = io.Copy(&buf, redemption.Body)
		require.NoError(t, err)
		f.svc.Finish(ctx, redemption)
		assert.Equal(t, "payload", buf.String())
		assert.Equal(t, int64(7), redemption.Size)

		_, err = f.svc.Redeem(ctx, prepared.Token)
		requireKind(t, err, apperr.KindNotFound)
	})

	t.Run("expired token", func(t *testing.T) {
		prepared, err := f.svc.PrepareDownload(ctx, committed.Code, "")
		require.NoError(t, err)

		f.advance(10 * time.Minute)
		_, err = f.svc.Redeem(ctx, prepared.Token)
		assert.True(t, apperr.IsGone(err, apperr.ReasonExpired), "got %v", err)
	})
}

func TestDeadDrop_Stats(t *testing.T) {
	f := newDeadDropFixture(t)
	ctx := context.Background()
	f.upload(t, "12345", InitUploadRequest{})
	f.upload(t, "678", InitUploadRequest{})

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ActiveFiles)
	assert.Equal(t, int64(8), stats.StorageUsed)
}

// --- Filename sanitization ---

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple name", "file.zip", "file.zip"},
		{"strips directory", "/path/to/file.zip", "file.zip"},
		{"strips windows path", "C:\\Users\\test\\file.zip", "file.zip"},
		{"empty name", "", "download.bin"},
		{"dot name", ".", "download.bin"},
		{"replaces slashes", "a/b/c.zip", "c.zip"},
		{"long name keeps extension", strings.Repeat("a", 300) + ".txt", strings.Repeat("a", 251) + ".txt"},
		{"overlong extension is dropped", "a." + strings.Repeat("b", 400), "a." + strings.Repeat("b", 253)},
		{"multibyte name cut on rune boundary", strings.Repeat("é", 200) + ".txt", strings.Repeat("é", 125) + ".txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestDetectMimeType(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		declared string
		expected string
	}{
		{"declared wins", "a.bin", "text/plain; charset=utf-8", "text/plain"},
		{"extension fallback", "a.png", "", "image/png"},
		{"malformed declared", "a.png", ";;", "image/png"},
		{"unknown", "a.unknownext", "", "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, detectMimeType(tt.file, tt.declared))
		})
	}
}

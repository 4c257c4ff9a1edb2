package service

import (
	"context"
	"sync"
	"time"

	"vanish/internal/server/database"
)

// memFiles is an in-memory FileStore with the same compare-and-swap
// semantics as the Postgres repository.
type memFiles struct {
	mu   sync.Mutex
	byID map[string]database.File

	lookups        int
	increments     int
	alwaysConflict bool

	// beforeIncrement, when set, runs once ahead of the next increment.
	beforeIncrement func()
}

func newMemFiles() *memFiles {
	return &memFiles{byID: make(map[string]database.File)}
}

func (m *memFiles) put(f database.File) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[f.ID] = f
}

func (m *memFiles) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *memFiles) codeTaken(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.byID {
		if f.Code == code {
			return true
		}
	}
	return false
}

func (m *memFiles) GetByCode(_ context.Context, code string) (*database.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	for _, f := range m.byID {
		if f.Code == code {
			return &f, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memFiles) GetByID(_ context.Context, id string) (*database.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.byID[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &f, nil
}

func (m *memFiles) IncrementDownloadCount(_ context.Context, id string, expected int) (*database.File, error) {
	m.mu.Lock()
	hook := m.beforeIncrement
	m.beforeIncrement = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.increments++
	if m.alwaysConflict {
		return nil, database.ErrConflict
	}
	f, ok := m.byID[id]
	if !ok || f.DownloadCount != expected {
		return nil, database.ErrConflict
	}
	f.DownloadCount++
	m.byID[id] = f
	return &f, nil
}

func (m *memFiles) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
	return nil
}

func (m *memFiles) GetStats(_ context.Context) (*database.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &database.Stats{}
	for _, f := range m.byID {
		stats.ActiveFiles++
		stats.TotalDownloads += int64(f.DownloadCount)
		stats.StorageUsed += f.Size
	}
	return stats, nil
}

type memSessions struct {
	mu    sync.Mutex
	byID  map[string]database.UploadSession
	files *memFiles
}

func newMemSessions(files *memFiles) *memSessions {
	return &memSessions{byID: make(map[string]database.UploadSession), files: files}
}

func (m *memSessions) Create(_ context.Context, s *database.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files.codeTaken(s.Code) {
		return database.ErrCodeTaken
	}
	for _, existing := range m.byID {
		if existing.Code == s.Code {
			return database.ErrCodeTaken
		}
	}
	m.byID[s.ID] = *s
	return nil
}

func (m *memSessions) GetByID(_ context.Context, id string) (*database.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &s, nil
}

func (m *memSessions) Finalize(_ context.Context, sessionID string, f *database.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[sessionID]; !ok {
		return database.ErrNotFound
	}
	delete(m.byID, sessionID)
	m.files.put(*f)
	return nil
}

func (m *memSessions) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
	return nil
}

func (m *memSessions) ListExpired(_ context.Context, now time.Time) ([]*database.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*database.UploadSession
	for _, s := range m.byID {
		if now.After(s.ExpiresAt) {
			out = append(out, &s)
		}
	}
	return out, nil
}

func (m *memSessions) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

type memTokens struct {
	mu      sync.Mutex
	byToken map[string]database.DownloadToken
}

func newMemTokens() *memTokens {
	return &memTokens{byToken: make(map[string]database.DownloadToken)}
}

func (m *memTokens) Create(_ context.Context, t *database.DownloadToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byToken[t.Token] = *t
	return nil
}

func (m *memTokens) Consume(_ context.Context, token string) (*database.DownloadToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byToken[token]
	if !ok {
		return nil, database.ErrNotFound
	}
	delete(m.byToken, token)
	return &t, nil
}

func (m *memTokens) PendingFinal(_ context.Context, fileID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.byToken {
		if t.FileID == fileID && t.DeleteAfter && !now.After(t.ExpiresAt) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memTokens) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, t := range m.byToken {
		if now.After(t.ExpiresAt) {
			delete(m.byToken, k)
			n++
		}
	}
	return n, nil
}

func (m *memTokens) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byToken)
}

// memShareRepo is an in-memory relational share store.
type memShareRepo struct {
	mu       sync.Mutex
	shares   map[string]database.Share
	contents map[string]string
}

func newMemShareRepo() *memShareRepo {
	return &memShareRepo{
		shares:   make(map[string]database.Share),
		contents: make(map[string]string),
	}
}

func (m *memShareRepo) CreateWithContent(_ context.Context, s *database.Share, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shares[s.Code]; ok {
		return database.ErrCodeTaken
	}
	m.shares[s.Code] = *s
	m.contents[s.Code] = content
	return nil
}

func (m *memShareRepo) GetByCode(_ context.Context, code string) (*database.Share, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shares[code]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &s, nil
}

func (m *memShareRepo) GetContent(_ context.Context, code string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contents[code]
	if !ok {
		return "", database.ErrNotFound
	}
	return c, nil
}

func (m *memShareRepo) UpdateViewState(_ context.Context, code string, expectedViews, views int, burned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shares[code]
	if !ok || s.ViewCount != expectedViews {
		return database.ErrConflict
	}
	s.ViewCount = views
	s.Burned = s.Burned || burned
	m.shares[code] = s
	if burned {
		delete(m.contents, code)
	}
	return nil
}

func (m *memShareRepo) Delete(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.shares, code)
	delete(m.contents, code)
	return nil
}

func (m *memShareRepo) hasContent(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.contents[code]
	return ok
}

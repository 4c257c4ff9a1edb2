package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vanish/internal/client"
)

func newTestApp(t *testing.T, h http.Handler) (*app, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	out := &bytes.Buffer{}
	return &app{
		api:    client.New(srv.URL, srv.Client()),
		stdin:  strings.NewReader(""),
		stdout: out,
		now:    func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	}, out
}

func TestSend_BundlesDirectory(t *testing.T) {
	dir := t.TempDir()
	docs := filepath.Join(dir, "docs")
	require.NoError(t, os.MkdirAll(docs, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "b.txt"), []byte("b"), 0o644))

	var (
		initReq  client.UploadRequest
		received int64
		aborted  bool
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/uploads", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&initReq))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sessionId":"s1","code":"abcd1234"}`))
	})
	mux.HandleFunc("PUT /api/uploads/s1", func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/uploads/s1/complete", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"code":"abcd1234","url":"http://x/download/abcd1234","expiresAt":"2026-01-03T03:04:05Z"}`))
	})
	mux.HandleFunc("DELETE /api/uploads/s1", func(w http.ResponseWriter, r *http.Request) {
		aborted = true
		w.WriteHeader(http.StatusNoContent)
	})

	a, out := newTestApp(t, mux)
	err := a.run(context.Background(), []string{"send", "-downloads", "3", "-password", "pw", docs})
	require.NoError(t, err)

	assert.Equal(t, "docs.zip", initReq.Name)
	assert.Equal(t, "application/zip", initReq.MimeType)
	assert.Equal(t, "pw", initReq.Password)
	require.NotNil(t, initReq.MaxDownloads)
	assert.Equal(t, 3, *initReq.MaxDownloads)
	assert.Equal(t, initReq.Size, received)
	assert.False(t, aborted)
	assert.Contains(t, out.String(), "Bundled 2 files into docs.zip")
	assert.Contains(t, out.String(), "abcd1234")
}

func TestSend_AbortsOnFailedUpload(t *testing.T) {
	file := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))

	aborted := false
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/uploads", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sessionId":"s1","code":"abcd1234"}`))
	})
	mux.HandleFunc("PUT /api/uploads/s1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"Internal server error"}`))
	})
	mux.HandleFunc("DELETE /api/uploads/s1", func(w http.ResponseWriter, r *http.Request) {
		aborted = true
		w.WriteHeader(http.StatusNoContent)
	})

	a, _ := newTestApp(t, mux)
	err := a.run(context.Background(), []string{"send", file})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload:")
	assert.True(t, aborted)
}

func TestGet_WritesFile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/download/abcd1234", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"report.pdf","size":4}`))
	})
	mux.HandleFunc("POST /api/download/abcd1234", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":"t","downloadUrl":"http://` + r.Host + `/api/download/stream/t"}`))
	})
	mux.HandleFunc("GET /api/download/stream/t", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="../../report.pdf"`)
		w.Write([]byte("%PDF"))
	})

	dir := t.TempDir()
	a, out := newTestApp(t, mux)
	require.NoError(t, a.run(context.Background(), []string{"get", "-o", dir, "abcd1234"}))

	data, err := os.ReadFile(filepath.Join(dir, "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data))
	assert.Contains(t, out.String(), "Saved")

	err = a.run(context.Background(), []string{"get", "-o", dir, "abcd1234"})
	require.Error(t, err, "existing files are never overwritten")
}

func TestGet_PasswordProtected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/download/abcd1234", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"x","size":1,"requiresPassword":true}`))
	})

	a, _ := newTestApp(t, mux)
	err := a.run(context.Background(), []string{"get", "abcd1234"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-password")
}

func TestShareAndRead(t *testing.T) {
	var created client.ShareRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/share", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"code":"xyz789","url":"http://x/share/xyz789"}`))
	})
	mux.HandleFunc("GET /api/share/xyz789", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Password required","requiresPassword":true}`))
	})
	mux.HandleFunc("POST /api/share/xyz789", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type":"note","content":"meet at noon"}`))
	})

	a, out := newTestApp(t, mux)
	a.stdin = strings.NewReader("meet at noon")
	ctx := context.Background()

	require.NoError(t, a.run(ctx, []string{"share", "-type", "note", "-burn", "-password", "pw", "-"}))
	assert.Equal(t, "note", created.Type)
	assert.Equal(t, "meet at noon", created.Content)
	assert.True(t, created.BurnAfterReading)
	assert.Empty(t, created.OriginalName)
	assert.Contains(t, out.String(), "xyz789")

	err := a.run(ctx, []string{"read", "xyz789"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password protected")

	out.Reset()
	require.NoError(t, a.run(ctx, []string{"read", "-password", "pw", "xyz789"}))
	assert.Equal(t, "meet at noon\n", out.String())
}

func TestRun_UnknownCommand(t *testing.T) {
	a, _ := newTestApp(t, http.NotFoundHandler())
	err := a.run(context.Background(), []string{"frobnicate"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "a.txt", "a.txt"},
		{"traversal", "../../etc/passwd", "passwd"},
		{"backslashes", `..\..\boot.ini`, "boot.ini"},
		{"empty", "", "download.bin"},
		{"root", "/", "download.bin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := outputPath("out", tt.in)
			if got != filepath.Join("out", tt.want) {
				t.Errorf("outputPath(%q) = %q, want %q", tt.in, got, filepath.Join("out", tt.want))
			}
		})
	}
}

// Package client talks to a vanish server over its JSON API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status           int
	Message          string
	Reason           string
	RequiresPassword bool
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

// NeedsPassword reports whether err asks for a password.
func NeedsPassword(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

type UploadRequest struct {
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	MimeType       string `json:"mimeType,omitempty"`
	ExpiresInHours int    `json:"expiresInHours,omitempty"`
	MaxDownloads   *int   `json:"maxDownloads,omitempty"`
	Password       string `json:"password,omitempty"`
}

type UploadTicket struct {
	SessionID string    `json:"sessionId"`
	Code      string    `json:"code"`
	UploadURL string    `json:"uploadUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type CommittedFile struct {
	Code         string    `json:"code"`
	URL          string    `json:"url"`
	ExpiresAt    time.Time `json:"expiresAt"`
	MaxDownloads int       `json:"maxDownloads"`
}

type FileInfo struct {
	Name               string    `json:"name"`
	Size               int64     `json:"size"`
	ExpiresAt          time.Time `json:"expiresAt"`
	RequiresPassword   bool      `json:"requiresPassword"`
	DownloadsRemaining *int      `json:"downloadsRemaining"`
}

type PreparedDownload struct {
	Token       string    `json:"token"`
	DownloadURL string    `json:"downloadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type ShareRequest struct {
	Type             string `json:"type,omitempty"`
	Content          string `json:"content"`
	ExpiresInHours   int    `json:"expiresInHours,omitempty"`
	Password         string `json:"password,omitempty"`
	BurnAfterReading bool   `json:"burnAfterReading,omitempty"`
	Language         string `json:"language,omitempty"`
	OriginalName     string `json:"originalName,omitempty"`
	MimeType         string `json:"mimeType,omitempty"`
}

type CreatedShare struct {
	Code      string    `json:"code"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Share struct {
	Type             string    `json:"type"`
	Content          string    `json:"content"`
	Language         string    `json:"language"`
	OriginalName     string    `json:"originalName"`
	MimeType         string    `json:"mimeType"`
	ExpiresAt        time.Time `json:"expiresAt"`
	BurnAfterReading bool      `json:"burnAfterReading"`
	Burned           bool      `json:"burned"`
}

// Client is a vanish API client.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the server at baseURL. A nil httpClient uses
// http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) InitUpload(ctx context.Context, req UploadRequest) (*UploadTicket, error) {
	var ticket UploadTicket
	if err := c.doJSON(ctx, http.MethodPost, "/api/uploads", req, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

// UploadData sends the file's bytes for an open session.
func (c *Client) UploadData(ctx context.Context, sessionID string, r io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url("/api/uploads/", sessionID), r)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	return c.send(req, nil)
}

func (c *Client) CompleteUpload(ctx context.Context, sessionID string) (*CommittedFile, error) {
	var committed CommittedFile
	if err := c.doJSON(ctx, http.MethodPost, c.path("/api/uploads/", sessionID)+"/complete", nil, &committed); err != nil {
		return nil, err
	}
	return &committed, nil
}

func (c *Client) AbortUpload(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, c.path("/api/uploads/", sessionID), nil, nil)
}

func (c *Client) FileInfo(ctx context.Context, code string) (*FileInfo, error) {
	var info FileInfo
	if err := c.doJSON(ctx, http.MethodGet, c.path("/api/download/", code), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) PrepareDownload(ctx context.Context, code, password string) (*PreparedDownload, error) {
	var prepared PreparedDownload
	body := map[string]string{"password": password}
	if err := c.doJSON(ctx, http.MethodPost, c.path("/api/download/", code), body, &prepared); err != nil {
		return nil, err
	}
	return &prepared, nil
}

// Download opens a prepared download. The caller closes the body.
func (c *Client) Download(ctx context.Context, downloadURL string) (body io.ReadCloser, filename string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, "", decodeError(resp)
	}

	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		filename = params["filename"]
	}
	return resp.Body, filename, nil
}

func (c *Client) CreateShare(ctx context.Context, req ShareRequest) (*CreatedShare, error) {
	var created CreatedShare
	if err := c.doJSON(ctx, http.MethodPost, "/api/share", req, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetShare retrieves a share. The password, when given, travels in a POST
// body rather than the URL.
func (c *Client) GetShare(ctx context.Context, code, password string) (*Share, error) {
	var share Share
	method, body := http.MethodGet, any(nil)
	if password != "" {
		method, body = http.MethodPost, map[string]string{"password": password}
	}
	if err := c.doJSON(ctx, method, c.path("/api/share/", code), body, &share); err != nil {
		return nil, err
	}
	return &share, nil
}

func (c *Client) path(prefix, segment string) string {
	return prefix + url.PathEscape(segment)
}

func (c *Client) url(prefix, segment string) string {
	return c.baseURL + c.path(prefix, segment)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error            string `json:"error"`
		Reason           string `json:"reason"`
		RequiresPassword bool   `json:"requiresPassword"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err == nil {
		apiErr.Message = body.Error
		apiErr.Reason = body.Reason
		apiErr.RequiresPassword = body.RequiresPassword
	}
	return apiErr
}

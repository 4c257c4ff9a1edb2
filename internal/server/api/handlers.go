package api

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"vanish/internal/server/apperr"
	"vanish/internal/server/service"
)

// HealthCheck names a dependency checked by GET /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler contains the HTTP handlers for the vanish API.
type Handler struct {
	deadDrop   *service.DeadDropService
	shares     *service.ShareService
	checks     []HealthCheck
	production bool
}

// NewHandler creates a new handler. deadDrop is nil when the dead drop is
// disabled.
func NewHandler(deadDrop *service.DeadDropService, shares *service.ShareService, production bool, checks ...HealthCheck) *Handler {
	return &Handler{
		deadDrop:   deadDrop,
		shares:     shares,
		checks:     checks,
		production: production,
	}
}

var errDeadDropDisabled = apperr.New(apperr.KindUnavailable, "Dead drop is not available")

type initUploadRequest struct {
	Name           string `json:"name" validate:"required,max=1024"`
	Size           int64  `json:"size" validate:"gt=0"`
	MimeType       string `json:"mimeType" validate:"max=255"`
	ExpiresInHours int    `json:"expiresInHours" validate:"gte=0"`
	MaxDownloads   *int   `json:"maxDownloads" validate:"omitempty,min=-1"`
	Password       string `json:"password" validate:"max=256"`
}

type passwordRequest struct {
	Password string `json:"password" validate:"max=256"`
}

type createShareRequest struct {
	Type             string `json:"type" validate:"omitempty,oneof=link paste image note code json csv"`
	Content          string `json:"content" validate:"required"`
	ExpiresInHours   int    `json:"expiresInHours" validate:"gte=0"`
	Password         string `json:"password" validate:"max=256"`
	BurnAfterReading bool   `json:"burnAfterReading"`
	Language         string `json:"language" validate:"max=64"`
	OriginalName     string `json:"originalName" validate:"max=255"`
	MimeType         string `json:"mimeType" validate:"max=255"`
}

// HandleInitUpload handles POST /api/uploads.
func (h *Handler) HandleInitUpload(c echo.Context) error {
	if h.deadDrop == nil {
		return h.fail(c, errDeadDropDisabled)
	}
	var req initUploadRequest
	if err := bind(c, &req); err != nil {
		return h.fail(c, err)
	}

	ticket, err := h.deadDrop.InitUpload(c.Request().Context(), service.InitUploadRequest{
		Name:           req.Name,
		Size:           req.Size,
		MimeType:       req.MimeType,
		ExpiresInHours: req.ExpiresInHours,
		MaxDownloads:   req.MaxDownloads,
		Password:       req.Password,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, ticket)
}

// HandleUploadData handles PUT /api/uploads/:id. The body is the raw file.
func (h *Handler) HandleUploadData(c echo.Context) error {
	if h.deadDrop == nil {
		return h.fail(c, errDeadDropDisabled)
	}
	req := c.Request()
	if err := h.deadDrop.StoreUploadData(req.Context(), c.Param("id"), req.Body, req.ContentLength); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleCompleteUpload handles POST /api/uploads/:id/complete.
func (h *Handler) HandleCompleteUpload(c echo.Context) error {
	if h.deadDrop == nil {
		return h.fail(c, errDeadDropDisabled)
	}
	committed, err := h.deadDrop.CompleteUpload(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, committed)
}

// HandleAbortUpload handles DELETE /api/uploads/:id.
func (h *Handler) HandleAbortUpload(c echo.Context) error {
	if h.deadDrop == nil {
		return h.fail(c, errDeadDropDisabled)
	}
	if err := h.deadDrop.AbortUpload(c.Request().Context(), c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleFileInfo handles GET /api/download/:code.
func (h *Handler) HandleFileInfo(c echo.Context) error {
	if h.deadDrop == nil {
		return h.fail(c, errDeadDropDisabled)
	}
	info, err := h.deadDrop.Info(c.Request().Context(), c.Param("code"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// HandlePrepareDownload handles POST /api/download/:code.
func (h *Handler) HandlePrepareDownload(c echo.Context) error {
	if h.deadDrop == nil {
		return h.fail(c, errDeadDropDisabled)
	}
	var req passwordRequest
	if err := bind(c, &req); err != nil {
		return h.fail(c, err)
	}

	prepared, err := h.deadDrop.PrepareDownload(c.Request().Context(), c.Param("code"), req.Password)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, prepared)
}

// HandleStream handles GET /api/download/stream/:token.
// Serves the file as an attachment and deletes it after its final download.
func (h *Handler) HandleStream(c echo.Context) error {
	if h.deadDrop == nil {
		return h.fail(c, errDeadDropDisabled)
	}
	ctx := c.Request().Context()

	redemption, err := h.deadDrop.Redeem(ctx, c.Param("token"))
	if err != nil {
		return h.fail(c, err)
	}
	// The client may hang up mid-stream; cleanup must still run.
	defer h.deadDrop.Finish(context.WithoutCancel(ctx), redemption)

	header := c.Response().Header()
	header.Set(echo.HeaderContentDisposition,
		mime.FormatMediaType("attachment", map[string]string{"filename": redemption.File.OriginalName}))
	header.Set(echo.HeaderContentLength, strconv.FormatInt(redemption.Size, 10))

	return c.Stream(http.StatusOK, redemption.File.MimeType, redemption.Body)
}

// HandleCreateShare handles POST /api/share.
func (h *Handler) HandleCreateShare(c echo.Context) error {
	var req createShareRequest
	if err := bind(c, &req); err != nil {
		return h.fail(c, err)
	}

	created, err := h.shares.Create(c.Request().Context(), service.CreateShareRequest{
		Type:             req.Type,
		Content:          req.Content,
		ExpiresInHours:   req.ExpiresInHours,
		Password:         req.Password,
		BurnAfterReading: req.BurnAfterReading,
		Language:         req.Language,
		OriginalName:     req.OriginalName,
		MimeType:         req.MimeType,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

// HandleGetShare handles GET /api/share/:code.
func (h *Handler) HandleGetShare(c echo.Context) error {
	return h.retrieveShare(c, "")
}

// HandleUnlockShare handles POST /api/share/:code, which carries the
// password in the body rather than the URL.
func (h *Handler) HandleUnlockShare(c echo.Context) error {
	var req passwordRequest
	if err := bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	return h.retrieveShare(c, req.Password)
}

func (h *Handler) retrieveShare(c echo.Context, password string) error {
	view, err := h.shares.Retrieve(c.Request().Context(), c.Param("code"), password)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// HandleHealth handles GET /health.
// Returns the health status of the server and each of its backends.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	result := echo.Map{}

	for _, check := range h.checks {
		if err := check.Check(c.Request().Context()); err != nil {
			status = "degraded"
			result[check.Name] = fmt.Sprintf("error: %v", err)
			continue
		}
		result[check.Name] = "connected"
	}
	result["status"] = status
	result["deaddrop"] = h.deadDrop != nil

	return c.JSON(http.StatusOK, result)
}

// HandleStats handles GET /api/stats.
// Returns aggregate dead-drop statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	if h.deadDrop == nil {
		return h.fail(c, errDeadDropDisabled)
	}
	stats, err := h.deadDrop.Stats(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"active_files":       stats.ActiveFiles,
		"pending_uploads":    stats.PendingUploads,
		"total_downloads":    stats.TotalDownloads,
		"storage_used_bytes": stats.StorageUsed,
		"storage_used_human": humanizeBytes(stats.StorageUsed),
	})
}

func (h *Handler) fail(c echo.Context, err error) error {
	return writeError(c, err, h.production)
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

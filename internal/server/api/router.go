package api

import (
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"vanish/internal/server/config"
)

// jsonBodySlack covers JSON framing and base64 overhead on top of the
// configured content limits.
const jsonBodySlack = 64 * 1024

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = httpErrorHandler(cfg.IsProduction())
	e.Validator = newRequestValidator()

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(RequestLogger())
	e.Use(NoStore())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	// Creation and prepare endpoints are rate-limited
	limiter := RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst)
	smallBody := middleware.BodyLimit(strconv.Itoa(jsonBodySlack))
	shareBody := middleware.BodyLimit(strconv.FormatInt(cfg.MaxShareImage*4/3+int64(cfg.MaxShareContent)+jsonBodySlack, 10))

	// Health & stats
	e.GET("/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats)

	// Dead drop uploads
	uploads := e.Group("/api/uploads")
	uploads.POST("", handler.HandleInitUpload, limiter, smallBody)
	uploads.PUT("/:id", handler.HandleUploadData)
	uploads.POST("/:id/complete", handler.HandleCompleteUpload)
	uploads.DELETE("/:id", handler.HandleAbortUpload)

	// Dead drop downloads
	e.GET("/api/download/:code", handler.HandleFileInfo)
	e.POST("/api/download/:code", handler.HandlePrepareDownload, limiter, smallBody)
	e.GET("/api/download/stream/:token", handler.HandleStream)

	// Shares
	e.POST("/api/share", handler.HandleCreateShare, limiter, shareBody)
	e.GET("/api/share/:code", handler.HandleGetShare)
	e.POST("/api/share/:code", handler.HandleUnlockShare, limiter, smallBody)

	return e
}

package service

import (
	"context"
	"log/slog"
	"time"

	"vanish/internal/server/blob"
)

// CleanupService periodically removes abandoned upload sessions and
// expired download tokens. Files and shares are not swept: they are
// removed when an access finds them expired or exhausted.
type CleanupService struct {
	sessions SessionStore
	tokens   TokenStore
	blobs    blob.Store
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(sessions SessionStore, tokens TokenStore, blobs blob.Store, interval time.Duration) *CleanupService {
	return &CleanupService{
		sessions: sessions,
		tokens:   tokens,
		blobs:    blobs,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				cs.RunOnce(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

// RunOnce performs a single cleanup cycle.
func (cs *CleanupService) RunOnce(ctx context.Context) {
	now := cs.now()
	cs.sweepSessions(ctx, now)

	removed, err := cs.tokens.DeleteExpired(ctx, now)
	if err != nil {
		slog.Error("failed to delete expired download tokens", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("removed expired download tokens", "count", removed)
	}
}

func (cs *CleanupService) sweepSessions(ctx context.Context, now time.Time) {
	expired, err := cs.sessions.ListExpired(ctx, now)
	if err != nil {
		slog.Error("failed to list expired upload sessions", "error", err)
		return
	}
	if len(expired) == 0 {
		slog.Debug("no abandoned upload sessions")
		return
	}

	var cleaned, failed int
	for _, session := range expired {
		// Delete bytes from storage
		if err := cs.blobs.Delete(ctx, session.StorageKey); err != nil {
			slog.Error("failed to delete upload data",
				"session_id", session.ID,
				"error", err,
			)
			failed++
			continue
		}

		// Delete session from database
		if err := cs.sessions.Delete(ctx, session.ID); err != nil {
			slog.Error("failed to delete upload session",
				"session_id", session.ID,
				"error", err,
			)
			failed++
			continue
		}

		cleaned++
		slog.Info("cleaned up abandoned upload",
			"session_id", session.ID,
			"code", session.Code,
			"expired_at", session.ExpiresAt,
		)
	}

	slog.Info("cleanup cycle complete",
		"cleaned", cleaned,
		"failed", failed,
		"total_expired", len(expired),
	)
}

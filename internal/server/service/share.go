package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"vanish/internal/logging"
	"vanish/internal/server/apperr"
	"vanish/internal/server/blob"
	"vanish/internal/server/codes"
	"vanish/internal/server/occ"
	"vanish/internal/server/policy"
)

// ShareConfig holds the limits the share flow enforces.
type ShareConfig struct {
	BaseURL       string
	MaxContent    int
	MaxImage      int64
	DefaultExpiry time.Duration
	MaxExpiry     time.Duration
}

// CreateShareRequest describes a new share.
type CreateShareRequest struct {
	Type             string
	Content          string
	ExpiresInHours   int
	Password         string
	BurnAfterReading bool
	Language         string
	OriginalName     string
	MimeType         string
}

// CreatedShare is returned when a share is stored.
type CreatedShare struct {
	Code      string    `json:"code"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ShareView is a successfully retrieved share.
type ShareView struct {
	Type             string    `json:"type"`
	Content          string    `json:"content"`
	Language         string    `json:"language,omitempty"`
	OriginalName     string    `json:"originalName,omitempty"`
	MimeType         string    `json:"mimeType,omitempty"`
	Size             int64     `json:"size,omitempty"`
	ExpiresAt        time.Time `json:"expiresAt"`
	BurnAfterReading bool      `json:"burnAfterReading"`
	Burned           bool      `json:"burned"`
	RequiresPassword bool      `json:"requiresPassword"`
	ViewCount        int       `json:"viewCount"`
}

// ShareService creates and retrieves shares. Retrieval counts the view and
// burns burn-after-reading shares with a compare-and-swap on the backend's
// version, so a burned share is served at most once.
type ShareService struct {
	backend ShareBackend
	assets  blob.Store
	cfg     ShareConfig
	now     func() time.Time
}

// NewShareService creates a new share service. backend may be nil when
// share storage is not configured; assets may be nil when image shares
// are not supported.
func NewShareService(backend ShareBackend, assets blob.Store, cfg ShareConfig) *ShareService {
	return &ShareService{
		backend: backend,
		assets:  assets,
		cfg:     cfg,
		now:     time.Now,
	}
}

var errShareStorage = apperr.New(apperr.KindStorage, "Share storage is not configured")

// Create validates and stores a new share.
func (s *ShareService) Create(ctx context.Context, req CreateShareRequest) (*CreatedShare, error) {
	if s.backend == nil {
		return nil, errShareStorage
	}

	image, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	expiry, err := resolveExpiry(req.ExpiresInHours, s.cfg.DefaultExpiry, s.cfg.MaxExpiry)
	if err != nil {
		return nil, err
	}

	var passwordHash *string
	if req.Password != "" {
		hash, err := policy.HashPassword(req.Password)
		if err != nil {
			return nil, apperr.Storage("failed to secure share", err)
		}
		passwordHash = &hash
	}

	now := s.now()
	rec := &ShareRecord{
		Type:             req.Type,
		Content:          req.Content,
		ExpiresAt:        now.Add(expiry),
		PasswordHash:     passwordHash,
		BurnAfterReading: req.BurnAfterReading,
		OriginalName:     req.OriginalName,
		MimeType:         req.MimeType,
		Size:             int64(len(req.Content)),
		Language:         req.Language,
		CreatedAt:        now,
	}
	if image != nil {
		rec.MimeType = image.mimeType
		rec.Size = int64(len(image.data))
	}

	for attempt := 1; attempt <= occ.DefaultAttempts; attempt++ {
		code, err := codes.ShareCode()
		if err != nil {
			return nil, apperr.Storage("failed to generate share code", err)
		}
		rec.Code = code

		taken, err := s.store(ctx, rec, image)
		if err != nil {
			return nil, apperr.Storage("failed to store share", err)
		}
		if !taken {
			logging.FromContext(ctx).Info("share created",
				"code", rec.Code,
				"type", rec.Type,
				"burn_after_reading", rec.BurnAfterReading,
			)
			return &CreatedShare{
				Code:      rec.Code,
				URL:       s.cfg.BaseURL + "/share/" + rec.Code,
				ExpiresAt: rec.ExpiresAt,
			}, nil
		}
		logging.FromContext(ctx).Debug("share code collision", "attempt", attempt)
	}
	return nil, apperr.New(apperr.KindConflict, "Could not allocate a share code, please retry")
}

// store writes the image asset, if any, and then the record. It reports
// taken when the code is already in use.
func (s *ShareService) store(ctx context.Context, rec *ShareRecord, image *dataURL) (taken bool, err error) {
	if image != nil {
		key := assetKey(rec.Code)
		_, err := s.assets.Put(ctx, key, image.data, blob.PutOptions{
			IfNoneMatch: true,
			ContentType: image.mimeType,
		})
		if errors.Is(err, blob.ErrPreconditionFailed) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		rec.Content = key
	}

	err = s.backend.Create(ctx, rec)
	if err == nil {
		return false, nil
	}
	if image != nil {
		s.dropAsset(ctx, rec.Code)
	}
	if errors.Is(err, ErrShareCodeTaken) {
		return true, nil
	}
	return false, err
}

// Retrieve serves a share and records the view. Checks run in a fixed
// order on a fresh read for every attempt: not found, expired, burned,
// password required, password incorrect.
func (s *ShareService) Retrieve(ctx context.Context, rawCode, password string) (*ShareView, error) {
	if s.backend == nil {
		return nil, errShareStorage
	}
	code, ok := codes.Normalize(rawCode, codes.ShareCodeLength)
	if !ok {
		return nil, apperr.New(apperr.KindValidation, "Invalid share code")
	}

	verify := policy.CachedVerifier(policy.CheckPassword)
	view, err := occ.Retry(ctx, occ.DefaultAttempts, func(ctx context.Context, attempt int) (*ShareView, error) {
		rec, version, err := s.backend.Load(ctx, code)
		if err != nil {
			if errors.Is(err, ErrShareNotFound) {
				return nil, apperr.New(apperr.KindNotFound, "Share not found")
			}
			return nil, apperr.Storage("failed to load share", err)
		}

		if outcome := policy.Evaluate(shareSubject(rec), password, s.now(), verify); outcome != policy.Allowed {
			return nil, s.refuse(ctx, rec, outcome)
		}

		content, err := s.content(ctx, rec)
		if err != nil {
			return nil, err
		}

		next := *rec
		next.ViewCount++
		next.Burned = rec.Burned || rec.BurnAfterReading
		if err := s.backend.UpdateViews(ctx, &next, version); err != nil {
			if errors.Is(err, occ.ErrConflict) {
				logging.FromContext(ctx).Debug("share changed concurrently", "code", code, "attempt", attempt)
				return nil, occ.ErrConflict
			}
			return nil, apperr.Storage("failed to record share view", err)
		}

		if next.Burned && next.Type == ShareImage {
			s.dropAsset(ctx, code)
		}
		if next.Burned {
			logging.FromContext(ctx).Info("share burned", "code", code)
		}

		return &ShareView{
			Type:             next.Type,
			Content:          content,
			Language:         next.Language,
			OriginalName:     next.OriginalName,
			MimeType:         next.MimeType,
			Size:             next.Size,
			ExpiresAt:        next.ExpiresAt,
			BurnAfterReading: next.BurnAfterReading,
			Burned:           next.Burned,
			RequiresPassword: next.PasswordHash != nil,
			ViewCount:        next.ViewCount,
		}, nil
	})
	if errors.Is(err, occ.ErrBusy) {
		logging.FromContext(ctx).Warn("share retrieval gave up", "code", code, "error", err)
		return nil, apperr.Wrap(apperr.KindConflict, "Share is busy, please retry", err)
	}
	return view, err
}

// content loads the share's content, inlining image assets as a data URL.
func (s *ShareService) content(ctx context.Context, rec *ShareRecord) (string, error) {
	content, err := s.backend.Content(ctx, rec)
	if err != nil {
		if errors.Is(err, occ.ErrConflict) {
			return "", err
		}
		return "", apperr.Storage("failed to load share content", err)
	}
	if rec.Type != ShareImage {
		return content, nil
	}

	if s.assets == nil {
		return "", apperr.New(apperr.KindStorage, "Image storage is not configured")
	}
	obj, err := s.assets.Get(ctx, content)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			// Burned by a concurrent reader.
			return "", occ.ErrConflict
		}
		return "", apperr.Storage("failed to load image", err)
	}
	return "data:" + rec.MimeType + ";base64," + base64.StdEncoding.EncodeToString(obj.Data), nil
}

func (s *ShareService) refuse(ctx context.Context, rec *ShareRecord, outcome policy.Outcome) error {
	switch outcome {
	case policy.Expired:
		s.discard(ctx, rec)
		return apperr.Gone(apperr.ReasonExpired, "This share has expired")
	case policy.Burned:
		return apperr.Gone(apperr.ReasonBurned, "This share has been destroyed")
	case policy.PasswordRequired:
		return &apperr.Error{
			Kind:    apperr.KindAuthRequired,
			Message: "Password required",
			Details: map[string]any{
				"requiresPassword": true,
				"type":             rec.Type,
				"burnAfterReading": rec.BurnAfterReading,
			},
		}
	case policy.PasswordIncorrect:
		return apperr.New(apperr.KindAuthFailed, "Incorrect password")
	}
	return apperr.Storage("unexpected policy outcome", fmt.Errorf("%s", outcome))
}

// discard deletes an expired share and its asset. Failures are logged only.
func (s *ShareService) discard(ctx context.Context, rec *ShareRecord) {
	if rec.Type == ShareImage {
		s.dropAsset(ctx, rec.Code)
	}
	if err := s.backend.Delete(ctx, rec.Code); err != nil {
		logging.FromContext(ctx).Warn("lazy share cleanup failed", "code", rec.Code, "error", err)
		return
	}
	logging.FromContext(ctx).Info("share removed", "code", rec.Code, "reason", "expired")
}

func (s *ShareService) dropAsset(ctx context.Context, code string) {
	if s.assets == nil {
		return
	}
	if err := s.assets.Delete(ctx, assetKey(code)); err != nil {
		logging.FromContext(ctx).Warn("failed to delete share asset", "code", code, "error", err)
	}
}

// validate checks req in place and returns the decoded image for image
// shares.
func (s *ShareService) validate(req *CreateShareRequest) (*dataURL, error) {
	req.Type = strings.ToLower(strings.TrimSpace(req.Type))
	if req.Type == "" {
		req.Type = SharePaste
	}
	if !shareTypes[req.Type] {
		return nil, apperr.New(apperr.KindValidation, "Unsupported share type")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, apperr.New(apperr.KindValidation, "Content is required")
	}

	switch req.Type {
	case ShareImage:
		if s.assets == nil {
			return nil, apperr.New(apperr.KindUnavailable, "Image shares are not available")
		}
		img, err := parseDataURL(req.Content)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "Image must be a base64 data URL", err)
		}
		if !strings.HasPrefix(img.mimeType, "image/") {
			return nil, apperr.New(apperr.KindValidation, "Image must be a base64 data URL")
		}
		if int64(len(img.data)) > s.cfg.MaxImage {
			return nil, apperr.New(apperr.KindValidation, "Image exceeds maximum allowed size")
		}
		return img, nil
	case ShareLink:
		req.Content = strings.TrimSpace(req.Content)
		u, err := url.Parse(req.Content)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, apperr.New(apperr.KindValidation, "Link must be an http or https URL")
		}
	case ShareJSON:
		if !json.Valid([]byte(req.Content)) {
			return nil, apperr.New(apperr.KindValidation, "Content is not valid JSON")
		}
	}

	if len(req.Content) > s.cfg.MaxContent {
		return nil, apperr.New(apperr.KindValidation, "Content exceeds maximum allowed size")
	}
	return nil, nil
}

func shareSubject(rec *ShareRecord) policy.Subject {
	return policy.Subject{
		ExpiresAt:    rec.ExpiresAt,
		MaxUses:      policy.Unlimited,
		Uses:         rec.ViewCount,
		Burned:       rec.Burned,
		PasswordHash: rec.PasswordHash,
	}
}

func assetKey(code string) string {
	return "share-assets/" + code
}

type dataURL struct {
	mimeType string
	data     []byte
}

// parseDataURL decodes a "data:<mime>;base64,<payload>" URL.
func parseDataURL(s string) (*dataURL, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), "data:")
	if !ok {
		return nil, errors.New("missing data: prefix")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, errors.New("missing payload")
	}
	mimeType, ok := strings.CutSuffix(meta, ";base64")
	if !ok || mimeType == "" {
		return nil, errors.New("payload is not base64")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &dataURL{mimeType: strings.ToLower(mimeType), data: data}, nil
}

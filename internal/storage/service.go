// Package storage issues signed upload URLs to callers over RPC.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nocloudhq/cloudbridge/internal/clock"
	"github.com/nocloudhq/cloudbridge/internal/config"
	"github.com/nocloudhq/cloudbridge/internal/identity"
	"github.com/nocloudhq/cloudbridge/internal/observability"
	"github.com/nocloudhq/cloudbridge/internal/rpc"
	"github.com/nocloudhq/cloudbridge/internal/store"
)

// EndpointRequestSignedURL is the RPC endpoint served by Service.
const EndpointRequestSignedURL = "storage.requestSignedUrl"

// Metadata keys attached from the caller identity.
const (
	MetadataPlayer   = "player"
	MetadataResource = "resource"
)

const bytesPerMB = 1024 * 1024

// Request validation failures. Their messages reach the caller verbatim.
var (
	ErrUploadsDisabled       = errors.New("client uploads are disabled")
	ErrContentTypeNotAllowed = errors.New("content type is not allowed")
	ErrFileTooLarge          = errors.New("file exceeds the maximum upload size")
	ErrInvalidSize           = errors.New("file size must be positive")
)

// UploadRequest is the payload of storage.requestSignedUrl.
type UploadRequest struct {
	ContentType string         `json:"contentType"`
	Size        int64          `json:"size"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SignedURL is the result of storage.requestSignedUrl.
type SignedURL struct {
	URL       string            `json:"url"`
	MediaID   string            `json:"mediaId"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// URLSigner issues upload URLs.
type URLSigner interface {
	SignUpload(ctx context.Context, req UploadRequest) (SignedURL, error)
}

// UploadRecorder persists issued URLs. *store.Store satisfies it.
type UploadRecorder interface {
	RecordSignedUpload(ctx context.Context, upload store.SignedUpload) error
}

// Service validates upload requests and delegates signing.
type Service struct {
	cfg       config.StorageConfig
	allowed   map[string]struct{}
	signer    URLSigner
	extractor *identity.Extractor
	recorder  UploadRecorder
	clock     clock.Clock
	logger    observability.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder records every issued URL.
func WithRecorder(recorder UploadRecorder) Option {
	return func(s *Service) { s.recorder = recorder }
}

// WithExtractor sets the extractor used to render the player key.
func WithExtractor(extractor *identity.Extractor) Option {
	return func(s *Service) {
		if extractor != nil {
			s.extractor = extractor
		}
	}
}

// WithServiceClock overrides the clock used for audit timestamps.
func WithServiceClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = clock.OrReal(c) }
}

// WithServiceLogger sets the service logger.
func WithServiceLogger(logger observability.Logger) Option {
	return func(s *Service) { s.logger = observability.OrNop(logger) }
}

// NewService creates a Service.
func NewService(cfg config.StorageConfig, signer URLSigner, opts ...Option) (*Service, error) {
	if signer == nil && cfg.EnableClientUploads {
		return nil, errors.New("storage: signer is required when client uploads are enabled")
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedFileTypes))
	for _, ct := range cfg.AllowedFileTypes {
		if ct = normalizeContentType(ct); ct != "" {
			allowed[ct] = struct{}{}
		}
	}

	s := &Service{
		cfg:       cfg,
		allowed:   allowed,
		signer:    signer,
		extractor: identity.MustParseExtractor(identity.DefaultExtractor, cfg.MetadataAttachments.MaskedIdentifiers...),
		clock:     clock.Real{},
		logger:    observability.OrNop(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register serves EndpointRequestSignedURL on d.
func (s *Service) Register(d *rpc.Dispatcher) error {
	return d.Register(EndpointRequestSignedURL, s.handle)
}

func (s *Service) handle(ctx context.Context, caller identity.Caller, payload json.RawMessage) (any, error) {
	var req UploadRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid upload request: %w", err)
		}
	}
	return s.RequestSignedURL(ctx, caller, req)
}

// RequestSignedURL validates req against the upload policy, attaches caller
// metadata, and signs a URL.
func (s *Service) RequestSignedURL(ctx context.Context, caller identity.Caller, req UploadRequest) (SignedURL, error) {
	if !s.cfg.EnableClientUploads || s.signer == nil {
		return SignedURL{}, ErrUploadsDisabled
	}

	req.ContentType = normalizeContentType(req.ContentType)
	if _, ok := s.allowed[req.ContentType]; !ok {
		return SignedURL{}, fmt.Errorf("%w: %q", ErrContentTypeNotAllowed, req.ContentType)
	}
	if req.Size <= 0 {
		return SignedURL{}, ErrInvalidSize
	}
	if limit := int64(s.cfg.MaxFileSizeMB) * bytesPerMB; req.Size > limit {
		return SignedURL{}, fmt.Errorf("%w of %d MB", ErrFileTooLarge, s.cfg.MaxFileSizeMB)
	}

	player := s.extractor.MaskedKey(caller)
	req.Metadata = s.attachMetadata(req.Metadata, caller, player)

	signed, err := s.signer.SignUpload(ctx, req)
	if err != nil {
		return SignedURL{}, fmt.Errorf("sign upload: %w", err)
	}

	s.logger.Info("Issued signed upload URL",
		zap.String("media_id", signed.MediaID),
		zap.String("player", player),
		zap.String("content_type", req.ContentType),
		zap.Int64("size", req.Size))

	if s.recorder != nil {
		err := s.recorder.RecordSignedUpload(ctx, store.SignedUpload{
			MediaID:     signed.MediaID,
			Player:      player,
			ContentType: req.ContentType,
			Size:        req.Size,
			Metadata:    req.Metadata,
			IssuedAt:    s.clock.Now(),
			ExpiresAt:   signed.ExpiresAt,
		})
		if err != nil {
			s.logger.Warn("Failed to record signed upload",
				zap.String("media_id", signed.MediaID),
				zap.Error(err))
		}
	}

	return signed, nil
}

// attachMetadata copies metadata and adds the configured caller details.
// Keys supplied by the caller win.
func (s *Service) attachMetadata(metadata map[string]any, caller identity.Caller, player string) map[string]any {
	out := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		out[k] = v
	}

	if s.cfg.MetadataAttachments.Player && player != "" {
		if _, exists := out[MetadataPlayer]; !exists {
			out[MetadataPlayer] = player
		}
	}
	if s.cfg.MetadataAttachments.Resource {
		if resource := caller.Identifier(MetadataResource); resource != "" {
			if _, exists := out[MetadataResource]; !exists {
				out[MetadataResource] = resource
			}
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func normalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

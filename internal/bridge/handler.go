// Package bridge assembles the handler side and the caller side of the RPC
// layer from configuration.
package bridge

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
	"github.com/nocloudhq/cloudbridge/internal/metrics"
	"github.com/nocloudhq/cloudbridge/internal/observability"
	"github.com/nocloudhq/cloudbridge/internal/ratelimit"
	"github.com/nocloudhq/cloudbridge/internal/rpc"
	"github.com/nocloudhq/cloudbridge/internal/storage"
)

// EndpointPing answers with a pong and the server time.
const EndpointPing = "rpc.ping"

// ViolationRecorder persists rate limit rejections. *store.Store satisfies it.
type ViolationRecorder interface {
	RecordViolation(ctx context.Context, key, endpoint string, at time.Time) error
}

// HandlerOptions are the dependencies of the handler side.
type HandlerOptions struct {
	Config    *config.Config
	Responder rpc.ResponseSender

	// Violations and Uploads are optional persistence hooks.
	Violations ViolationRecorder
	Uploads    storage.UploadRecorder

	// Signer overrides the HMAC signer built from Config.Storage.
	Signer storage.URLSigner

	Clock  clock.Clock
	Logger observability.Logger
}

// Handler is the assembled handler side.
type Handler struct {
	dispatcher *rpc.Dispatcher
	limiter    *ratelimit.Limiter
	extractor  *identity.Extractor
	clock      clock.Clock
	logger     observability.Logger
}

// PingResult is the data returned by rpc.ping.
type PingResult struct {
	Pong bool      `json:"pong"`
	Time time.Time `json:"time"`
}

// NewHandler builds the rate limiter, dispatcher, and built-in endpoints.
func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.Config == nil {
		return nil, errors.New("bridge: config is required")
	}
	if opts.Responder == nil {
		return nil, errors.New("bridge: responder is required")
	}
	cfg := opts.Config

	extractor, err := identity.ParseExtractor(cfg.RateLimit.IdentifierExtractor, cfg.Storage.MetadataAttachments.MaskedIdentifiers...)
	if err != nil {
		return nil, err
	}

	h := &Handler{
		extractor: extractor,
		clock:     clock.OrReal(opts.Clock),
		logger:    observability.OrNop(opts.Logger),
	}

	observers := dispatchObservers{}
	dispatcherOpts := []rpc.DispatcherOption{rpc.WithDispatcherLogger(h.logger)}

	if cfg.RateLimit.Enabled {
		h.limiter, err = ratelimit.New(ratelimit.Config{
			MaxRequests: cfg.RateLimit.MaxRequests,
			Window:      cfg.RateLimit.Window,
		},
			ratelimit.WithClock(h.clock),
			ratelimit.WithLogger(h.logger),
			ratelimit.WithKeyMasker(extractor.MaskKey),
		)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		dispatcherOpts = append(dispatcherOpts, rpc.WithLimiter(h.limiter, extractor))
		observers = append(observers, metrics.DispatchMetrics{Windows: h.limiter.Len})
	} else {
		h.logger.Warn("Rate limiting disabled")
		observers = append(observers, metrics.DispatchMetrics{})
	}

	if opts.Violations != nil {
		observers = append(observers, &violationObserver{
			recorder:  opts.Violations,
			extractor: extractor,
			clock:     h.clock,
			logger:    h.logger,
		})
	}
	dispatcherOpts = append(dispatcherOpts, rpc.WithDispatchObserver(observers))

	h.dispatcher = rpc.NewDispatcher(opts.Responder, dispatcherOpts...)

	if err := h.dispatcher.Register(EndpointPing, h.ping); err != nil {
		return nil, err
	}

	signer := opts.Signer
	if signer == nil && cfg.Storage.EnableClientUploads {
		hmacSigner, err := storage.NewHMACSigner(cfg.Storage.BaseURL, cfg.Storage.SigningSecret, cfg.Storage.URLTTL,
			storage.WithSignerClock(h.clock))
		if err != nil {
			return nil, err
		}
		signer = hmacSigner
	}

	storageOpts := []storage.Option{
		storage.WithExtractor(extractor),
		storage.WithServiceClock(h.clock),
		storage.WithServiceLogger(h.logger),
	}
	if opts.Uploads != nil {
		storageOpts = append(storageOpts, storage.WithRecorder(opts.Uploads))
	}
	svc, err := storage.NewService(cfg.Storage, signer, storageOpts...)
	if err != nil {
		return nil, err
	}
	if err := svc.Register(h.dispatcher); err != nil {
		return nil, err
	}

	return h, nil
}

// Dispatcher returns the request dispatcher.
func (h *Handler) Dispatcher() *rpc.Dispatcher {
	return h.dispatcher
}

// Dispatch serves one inbound request.
func (h *Handler) Dispatch(ctx context.Context, caller identity.Caller, req rpc.Request) {
	h.dispatcher.Dispatch(ctx, caller, req)
}

// RateLimitEnabled reports whether requests are rate limited.
func (h *Handler) RateLimitEnabled() bool {
	return h.limiter != nil
}

// Windows lists the open rate limit windows with masked keys.
func (h *Handler) Windows() []ratelimit.WindowState {
	if h.limiter == nil {
		return []ratelimit.WindowState{}
	}
	return h.limiter.Snapshot()
}

// ResetCaller closes the window of the caller carrying identifiers. It
// reports whether a window was open.
func (h *Handler) ResetCaller(identifiers map[string]string) bool {
	if h.limiter == nil {
		return false
	}
	caller := identity.Caller{Identifiers: normalizeIdentifiers(identifiers)}
	key := h.extractor.Key(caller)
	reset := h.limiter.Reset(key)
	h.logger.Info("Rate limit window reset",
		zap.String("key", h.extractor.MaskedKey(caller)),
		zap.Bool("was_open", reset))
	return reset
}

// ClearWindows closes every window and returns how many were open.
func (h *Handler) ClearWindows() int {
	if h.limiter == nil {
		return 0
	}
	n := h.limiter.Clear()
	h.logger.Info("Rate limit windows cleared", zap.Int("count", n))
	return n
}

func (h *Handler) ping(ctx context.Context, caller identity.Caller, payload json.RawMessage) (any, error) {
	return PingResult{Pong: true, Time: h.clock.Now().UTC()}, nil
}

func normalizeIdentifiers(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for kind, value := range in {
		out[strings.ToLower(strings.TrimSpace(kind))] = value
	}
	return out
}

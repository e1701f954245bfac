package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nocloudhq/cloudbridge/internal/identity"
	"github.com/nocloudhq/cloudbridge/internal/observability"
)

// HandlerFunc serves one endpoint. The returned value becomes the success
// data of the response; a returned error becomes a failure outcome.
type HandlerFunc func(ctx context.Context, caller identity.Caller, payload json.RawMessage) (any, error)

// ResponseSender delivers a response envelope back to the caller.
type ResponseSender interface {
	SendResponse(ctx context.Context, caller identity.Caller, resp Response) error
}

// Limiter gates handler invocations per identity key.
type Limiter interface {
	TryConsume(key string) bool
}

// DispatchObserver is notified about each request's terminal state.
type DispatchObserver interface {
	Rejected(ctx context.Context, caller identity.Caller, endpoint string)
	Completed(endpoint string, outcome Outcome, elapsed time.Duration)
}

type nopDispatchObserver struct{}

func (nopDispatchObserver) Rejected(context.Context, identity.Caller, string) {}
func (nopDispatchObserver) Completed(string, Outcome, time.Duration)          {}

// Dispatcher routes inbound requests to registered handlers and always
// emits exactly one response per request.
//
// Per request: received → rate-checked → {rejected | handled} → responded.
type Dispatcher struct {
	responder ResponseSender
	limiter   Limiter
	extractor *identity.Extractor
	logger    observability.Logger
	observer  DispatchObserver

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	inflightMu sync.Mutex
	inflight   map[inflightKey]struct{}
}

type inflightKey struct {
	source string
	id     RequestID
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLimiter gates every registered handler with limiter, keyed by the
// caller identity built by extractor.
func WithLimiter(limiter Limiter, extractor *identity.Extractor) DispatcherOption {
	return func(d *Dispatcher) {
		d.limiter = limiter
		if extractor != nil {
			d.extractor = extractor
		}
	}
}

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(logger observability.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = observability.OrNop(logger) }
}

// WithDispatchObserver registers an observer for request outcomes.
func WithDispatchObserver(observer DispatchObserver) DispatcherOption {
	return func(d *Dispatcher) {
		if observer != nil {
			d.observer = observer
		}
	}
}

// NewDispatcher creates a Dispatcher that answers through responder.
func NewDispatcher(responder ResponseSender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		responder: responder,
		extractor: identity.MustParseExtractor(identity.DefaultExtractor),
		logger:    observability.OrNop(nil),
		observer:  nopDispatchObserver{},
		handlers:  make(map[string]HandlerFunc),
		inflight:  make(map[inflightKey]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register associates handler with endpoint. Registering an endpoint twice
// is an error; use Replace to swap a handler deliberately.
func (d *Dispatcher) Register(endpoint string, handler HandlerFunc) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ErrEmptyEndpoint
	}
	if handler == nil {
		return ErrNilHandler
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[endpoint]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, endpoint)
	}
	d.handlers[endpoint] = handler
	return nil
}

// Replace associates handler with endpoint, overwriting any previous handler.
func (d *Dispatcher) Replace(endpoint string, handler HandlerFunc) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ErrEmptyEndpoint
	}
	if handler == nil {
		return ErrNilHandler
	}

	d.mu.Lock()
	d.handlers[endpoint] = handler
	d.mu.Unlock()
	return nil
}

// Endpoints lists registered endpoint names in sorted order.
func (d *Dispatcher) Endpoints() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	d.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Dispatch serves one request from caller and sends its response. A request
// whose (caller source, request ID) pair is already being served is dropped.
// Dispatch returns once the response has been handed to the responder.
func (d *Dispatcher) Dispatch(ctx context.Context, caller identity.Caller, req Request) {
	key := inflightKey{source: caller.Source, id: req.RequestID}
	if !d.enter(key) {
		d.logger.Debug("Dropped duplicate in-flight request",
			zap.String("endpoint", req.Endpoint),
			zap.Uint32("request_id", uint32(req.RequestID)))
		return
	}
	defer d.leave(key)

	started := time.Now()
	outcome := d.serve(ctx, caller, req)
	d.observer.Completed(req.Endpoint, outcome, time.Since(started))

	resp := Response{RequestID: req.RequestID, Outcome: outcome}
	if err := d.responder.SendResponse(ctx, caller, resp); err != nil {
		d.logger.Warn("Failed to send RPC response",
			zap.String("endpoint", req.Endpoint),
			zap.Uint32("request_id", uint32(req.RequestID)),
			zap.Error(err))
	}
}

func (d *Dispatcher) serve(ctx context.Context, caller identity.Caller, req Request) Outcome {
	d.mu.RLock()
	handler, ok := d.handlers[req.Endpoint]
	d.mu.RUnlock()

	if !ok {
		d.logger.Warn("RPC request for unknown endpoint",
			zap.String("endpoint", req.Endpoint),
			zap.String("caller", d.extractor.MaskedKey(caller)))
		return Failed(ErrEndpointNotFound.Error())
	}

	if d.limiter != nil && !d.limiter.TryConsume(d.extractor.Key(caller)) {
		d.logger.Warn("RPC request rejected by rate limiter",
			zap.String("endpoint", req.Endpoint),
			zap.String("caller", d.extractor.MaskedKey(caller)))
		d.observer.Rejected(ctx, caller, req.Endpoint)
		return Failed(ErrRateLimitExceeded.Error())
	}

	value, err := d.invoke(ctx, handler, caller, req)
	if err != nil {
		d.logger.Error("Error handling RPC request",
			zap.String("endpoint", req.Endpoint),
			zap.Uint32("request_id", uint32(req.RequestID)),
			zap.Error(err))
		return Failed(err.Error())
	}

	outcome, err := Succeeded(value)
	if err != nil {
		d.logger.Error("Failed to encode RPC result",
			zap.String("endpoint", req.Endpoint),
			zap.Error(err))
		return Failed(err.Error())
	}

	d.logger.Debug("RPC request handled successfully", zap.String("endpoint", req.Endpoint))
	return outcome
}

// invoke runs handler, converting a panic into an error so one faulty
// handler cannot take down the dispatching process.
func (d *Dispatcher) invoke(ctx context.Context, handler HandlerFunc, caller identity.Caller, req Request) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("RPC handler panicked",
				zap.String("endpoint", req.Endpoint),
				zap.Any("panic", r),
				zap.String("stack_trace", string(debug.Stack())))
			value = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, caller, req.Payload)
}

func (d *Dispatcher) enter(key inflightKey) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()

	if _, busy := d.inflight[key]; busy {
		return false
	}
	d.inflight[key] = struct{}{}
	return true
}

func (d *Dispatcher) leave(key inflightKey) {
	d.inflightMu.Lock()
	delete(d.inflight, key)
	d.inflightMu.Unlock()
}

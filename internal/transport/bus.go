package transport

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nocloudhq/cloudbridge/internal/identity"
	"github.com/nocloudhq/cloudbridge/internal/observability"
	"github.com/nocloudhq/cloudbridge/internal/rpc"
)

// ErrBusClosed is returned by sends after the bus has been closed.
var ErrBusClosed = errors.New("transport: bus closed")

// RequestHandler consumes inbound requests on the handler side.
// *rpc.Dispatcher satisfies it.
type RequestHandler interface {
	Dispatch(ctx context.Context, caller identity.Caller, req rpc.Request)
}

// ResponseHandler consumes inbound responses on the caller side.
// *rpc.Correlator satisfies it.
type ResponseHandler interface {
	OnResponse(resp rpc.Response) bool
}

// Bus is an in-process event transport between one handler side and any
// number of caller sides. Every message is serialized and delivered on its
// own goroutine, so delivery order is not preserved. Bus can drop and delay
// messages to simulate a lossy network.
type Bus struct {
	dropRate float64
	maxDelay time.Duration
	logger   observability.Logger

	randMu sync.Mutex
	rand   *rand.Rand

	mu        sync.RWMutex
	handler   RequestHandler
	endpoints map[string]*BusEndpoint
	closed    bool

	wg sync.WaitGroup
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithDropRate drops each message with probability p.
func WithDropRate(p float64) BusOption {
	return func(b *Bus) {
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		b.dropRate = p
	}
}

// WithMaxDelay delays each message by a random duration up to d.
func WithMaxDelay(d time.Duration) BusOption {
	return func(b *Bus) { b.maxDelay = d }
}

// WithSeed makes drop and delay decisions reproducible.
func WithSeed(seed uint64) BusOption {
	return func(b *Bus) { b.rand = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithBusLogger sets the bus logger.
func WithBusLogger(logger observability.Logger) BusOption {
	return func(b *Bus) { b.logger = observability.OrNop(logger) }
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		logger:    observability.OrNop(nil),
		rand:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		endpoints: make(map[string]*BusEndpoint),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Serve installs the handler side. Requests sent before Serve are dropped.
func (b *Bus) Serve(handler RequestHandler) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

// Connect attaches a caller side identified by caller. Responses addressed
// to caller.Source are routed to the returned endpoint.
func (b *Bus) Connect(caller identity.Caller) *BusEndpoint {
	ep := &BusEndpoint{bus: b, caller: caller}
	b.mu.Lock()
	b.endpoints[caller.Source] = ep
	b.mu.Unlock()
	return ep
}

// SendResponse routes resp to the caller side connected as caller.Source.
// Responses for callers that are not connected are dropped.
func (b *Bus) SendResponse(ctx context.Context, caller identity.Caller, resp rpc.Response) error {
	payload, err := rpc.EncodeResponse(resp)
	if err != nil {
		return err
	}

	b.mu.RLock()
	closed := b.closed
	ep := b.endpoints[caller.Source]
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}
	if ep == nil {
		b.logger.Debug("Dropped response for unknown caller", zap.String("source", caller.Source))
		return nil
	}

	return b.deliver(func() {
		decoded, err := rpc.DecodeResponse(payload)
		if err != nil {
			return
		}
		if target := ep.target(); target != nil {
			target.OnResponse(decoded)
		}
	})
}

// Wait blocks until every scheduled delivery has completed.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// Close stops accepting new messages and waits for in-flight deliveries.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) sendRequest(ctx context.Context, caller identity.Caller, req rpc.Request) error {
	payload, err := rpc.EncodeRequest(req)
	if err != nil {
		return err
	}

	b.mu.RLock()
	closed := b.closed
	handler := b.handler
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}
	if handler == nil {
		b.logger.Debug("Dropped request with no handler side", zap.String("endpoint", req.Endpoint))
		return nil
	}

	return b.deliver(func() {
		decoded, err := rpc.DecodeRequest(payload)
		if err != nil {
			b.logger.Warn("Dropped malformed request", zap.Error(err))
			return
		}
		handler.Dispatch(context.Background(), caller, decoded)
	})
}

// deliver schedules fn on its own goroutine unless the message is dropped.
// The closed check and wg.Add share one read lock, so Close never waits on
// a group that is still growing.
func (b *Bus) deliver(fn func()) error {
	drop, delay := b.roll()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	if drop {
		b.mu.RUnlock()
		return nil
	}
	b.wg.Add(1)
	b.mu.RUnlock()

	go func() {
		defer b.wg.Done()
		if delay > 0 {
			time.Sleep(delay)
		}
		fn()
	}()
	return nil
}

func (b *Bus) roll() (bool, time.Duration) {
	if b.dropRate == 0 && b.maxDelay <= 0 {
		return false, 0
	}

	b.randMu.Lock()
	defer b.randMu.Unlock()

	if b.dropRate > 0 && b.rand.Float64() < b.dropRate {
		return true, 0
	}
	var delay time.Duration
	if b.maxDelay > 0 {
		delay = time.Duration(b.rand.Int64N(int64(b.maxDelay) + 1))
	}
	return false, delay
}

// BusEndpoint is a caller side attached to a Bus. It sends requests as its
// caller identity and hands responses to the bound ResponseHandler.
type BusEndpoint struct {
	bus    *Bus
	caller identity.Caller

	mu      sync.RWMutex
	handler ResponseHandler
}

// Bind sets the handler for responses addressed to this endpoint.
func (e *BusEndpoint) Bind(handler ResponseHandler) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
}

// Caller returns the identity this endpoint sends as.
func (e *BusEndpoint) Caller() identity.Caller {
	return e.caller
}

// SendRequest implements rpc.RequestSender.
func (e *BusEndpoint) SendRequest(ctx context.Context, req rpc.Request) error {
	return e.bus.sendRequest(ctx, e.caller, req)
}

func (e *BusEndpoint) target() ResponseHandler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handler
}

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nocloudhq/cloudbridge/internal/clock"
	"github.com/nocloudhq/cloudbridge/internal/observability"
)

// DefaultTimeout is the call deadline used when none is configured.
const DefaultTimeout = 20 * time.Second

// RequestSender delivers a request envelope over the transport. Delivery is
// fire-and-forget: a nil error does not mean the request arrived.
type RequestSender interface {
	SendRequest(ctx context.Context, req Request) error
}

// CallStatus labels how a call was resolved.
type CallStatus string

const (
	StatusSuccess     CallStatus = "success"
	StatusRemoteError CallStatus = "remote_error"
	StatusTimeout     CallStatus = "timeout"
	StatusSendError   CallStatus = "send_error"
	StatusCanceled    CallStatus = "canceled"
	StatusClosed      CallStatus = "closed"
)

// CallObserver is notified as calls are tracked and resolved.
// PendingChanged runs under the correlator lock, so reports arrive in table
// order; it must not call back into the Correlator.
type CallObserver interface {
	CallCompleted(endpoint string, status CallStatus, elapsed time.Duration)
	PendingChanged(pending int)
}

type nopCallObserver struct{}

func (nopCallObserver) CallCompleted(string, CallStatus, time.Duration) {}
func (nopCallObserver) PendingChanged(int)                              {}

// Correlator turns fire-and-forget request sends into awaitable calls.
//
// Each call gets a fresh request ID and a deadline. The call resolves exactly
// once: by the first matching response, by its timer, by ctx cancellation,
// or by Close. Whichever happens first removes the pending entry under the
// table lock; every later attempt finds nothing and is a no-op.
type Correlator struct {
	sender   RequestSender
	clock    clock.Clock
	logger   observability.Logger
	observer CallObserver

	mu      sync.Mutex
	nextID  RequestID
	pending map[RequestID]*pendingCall
	closed  bool
}

type pendingCall struct {
	id        RequestID
	endpoint  string
	createdAt time.Time
	timer     clock.Timer
	sink      chan callResult
}

type callResult struct {
	data json.RawMessage
	err  error
}

// CorrelatorOption configures a Correlator.
type CorrelatorOption func(*Correlator)

// WithCorrelatorClock overrides the clock used for call deadlines.
func WithCorrelatorClock(c clock.Clock) CorrelatorOption {
	return func(co *Correlator) { co.clock = clock.OrReal(c) }
}

// WithCorrelatorLogger sets the correlator logger.
func WithCorrelatorLogger(logger observability.Logger) CorrelatorOption {
	return func(co *Correlator) { co.logger = observability.OrNop(logger) }
}

// WithCallObserver registers an observer for call lifecycle events.
func WithCallObserver(observer CallObserver) CorrelatorOption {
	return func(co *Correlator) {
		if observer != nil {
			co.observer = observer
		}
	}
}

// WithFirstRequestID sets the first ID the correlator hands out.
func WithFirstRequestID(id RequestID) CorrelatorOption {
	return func(co *Correlator) { co.nextID = id }
}

// NewCorrelator creates a Correlator that sends requests through sender.
// Responses must be fed back through OnResponse.
func NewCorrelator(sender RequestSender, opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		sender:   sender,
		clock:    clock.Real{},
		logger:   observability.OrNop(nil),
		observer: nopCallObserver{},
		pending:  make(map[RequestID]*pendingCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends payload to endpoint and waits for the outcome. It returns the
// response data on success, a *RemoteError when the handler side answered
// with a failure, and a *TimeoutError when nothing arrived within timeout.
// ctx bounds the transport send and abandons the wait when cancelled.
func (c *Correlator) Call(ctx context.Context, endpoint string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if endpoint == "" {
		return nil, ErrEmptyEndpoint
	}
	if timeout <= 0 {
		return nil, ErrInvalidTimeout
	}

	data, err := encodeValue(payload)
	if err != nil {
		return nil, err
	}

	call, err := c.track(endpoint, timeout)
	if err != nil {
		return nil, err
	}

	req := Request{Endpoint: endpoint, RequestID: call.id, Payload: data}
	if err := c.sender.SendRequest(ctx, req); err != nil {
		if taken := c.take(call.id, call); taken != nil {
			c.finish(taken, callResult{err: fmt.Errorf("send request to %q: %w", endpoint, err)}, StatusSendError)
		}
	}

	select {
	case res := <-call.sink:
		return res.data, res.err
	case <-ctx.Done():
		if taken := c.take(call.id, call); taken != nil {
			c.finish(taken, callResult{err: ctx.Err()}, StatusCanceled)
		}
		res := <-call.sink
		return res.data, res.err
	}
}

// OnResponse resolves the pending call matching resp.RequestID. Responses
// for unknown, duplicate, or already timed-out requests are dropped. It
// reports whether a pending call was resolved.
func (c *Correlator) OnResponse(resp Response) bool {
	call := c.take(resp.RequestID, nil)
	if call == nil {
		c.logger.Debug("Discarded response without pending call",
			zap.Uint32("request_id", uint32(resp.RequestID)))
		return false
	}

	if resp.Outcome.Success {
		c.finish(call, callResult{data: resp.Outcome.Data}, StatusSuccess)
		return true
	}

	message := resp.Outcome.Error
	if message == "" {
		message = fmt.Sprintf("RPC call to requestId %d failed", resp.RequestID)
	}
	c.finish(call, callResult{err: &RemoteError{
		Endpoint:  call.endpoint,
		RequestID: call.id,
		Message:   message,
	}}, StatusRemoteError)
	return true
}

// Pending returns the number of outstanding calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close resolves every outstanding call with ErrCorrelatorClosed and rejects
// new calls.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	calls := make([]*pendingCall, 0, len(c.pending))
	for id, call := range c.pending {
		calls = append(calls, call)
		delete(c.pending, id)
	}
	c.observer.PendingChanged(0)
	c.mu.Unlock()

	for _, call := range calls {
		call.timer.Stop()
		c.finish(call, callResult{err: ErrCorrelatorClosed}, StatusClosed)
	}
}

func (c *Correlator) track(endpoint string, timeout time.Duration) (*pendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCorrelatorClosed
	}

	call := &pendingCall{
		id:        c.allocateIDLocked(),
		endpoint:  endpoint,
		createdAt: c.clock.Now(),
		sink:      make(chan callResult, 1),
	}
	call.timer = c.clock.AfterFunc(timeout, func() {
		if taken := c.take(call.id, call); taken != nil {
			c.logger.Debug("RPC call timed out",
				zap.String("endpoint", endpoint),
				zap.Uint32("request_id", uint32(call.id)),
				zap.Duration("timeout", timeout))
			c.finish(taken, callResult{err: &TimeoutError{
				Endpoint:  endpoint,
				RequestID: call.id,
				After:     timeout,
			}}, StatusTimeout)
		}
	})
	c.pending[call.id] = call
	c.observer.PendingChanged(len(c.pending))
	return call, nil
}

// allocateIDLocked hands out the next ID, wrapping on overflow and skipping
// IDs that are still outstanding.
func (c *Correlator) allocateIDLocked() RequestID {
	for {
		id := c.nextID
		c.nextID++
		if _, busy := c.pending[id]; !busy {
			return id
		}
	}
}

// take removes and returns the pending call for id. When expect is set, the
// entry is only taken if it is that exact call. The call's timer is disarmed.
func (c *Correlator) take(id RequestID, expect *pendingCall) *pendingCall {
	c.mu.Lock()
	call, ok := c.pending[id]
	if !ok || (expect != nil && call != expect) {
		c.mu.Unlock()
		return nil
	}
	delete(c.pending, id)
	c.observer.PendingChanged(len(c.pending))
	c.mu.Unlock()

	call.timer.Stop()
	return call
}

func (c *Correlator) finish(call *pendingCall, res callResult, status CallStatus) {
	call.sink <- res
	c.observer.CallCompleted(call.endpoint, status, c.clock.Now().Sub(call.createdAt))
}

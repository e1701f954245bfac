package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocloudhq/cloudbridge/internal/identity"
)

type sentResponse struct {
	caller identity.Caller
	resp   Response
}

type recordingResponder struct {
	mu    sync.Mutex
	sent  []sentResponse
	err   error
	calls atomic.Int32
}

func (r *recordingResponder) SendResponse(ctx context.Context, caller identity.Caller, resp Response) error {
	r.calls.Add(1)
	r.mu.Lock()
	r.sent = append(r.sent, sentResponse{caller: caller, resp: resp})
	r.mu.Unlock()
	return r.err
}

func (r *recordingResponder) responses() []sentResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentResponse(nil), r.sent...)
}

type keyRecordingLimiter struct {
	mu    sync.Mutex
	keys  []string
	allow bool
}

func (l *keyRecordingLimiter) TryConsume(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	return l.allow
}

type recordingDispatchObserver struct {
	mu        sync.Mutex
	rejected  []string
	completed []Outcome
}

func (o *recordingDispatchObserver) Rejected(ctx context.Context, caller identity.Caller, endpoint string) {
	o.mu.Lock()
	o.rejected = append(o.rejected, endpoint)
	o.mu.Unlock()
}

func (o *recordingDispatchObserver) Completed(endpoint string, outcome Outcome, elapsed time.Duration) {
	o.mu.Lock()
	o.completed = append(o.completed, outcome)
	o.mu.Unlock()
}

var testCaller = identity.Caller{
	Source: "player-7",
	Identifiers: map[string]string{
		"ip":      "203.0.113.9",
		"license": "license:abc123",
	},
}

func echoHandler(ctx context.Context, caller identity.Caller, payload json.RawMessage) (any, error) {
	return payload, nil
}

func TestDispatchInvokesHandler(t *testing.T) {
	responder := &recordingResponder{}
	d := NewDispatcher(responder)
	require.NoError(t, d.Register("echo", echoHandler))

	d.Dispatch(context.Background(), testCaller, Request{
		Endpoint:  "echo",
		RequestID: 4,
		Payload:   json.RawMessage(`{"msg":"hi"}`),
	})

	sent := responder.responses()
	require.Len(t, sent, 1)
	assert.Equal(t, testCaller.Source, sent[0].caller.Source)
	assert.Equal(t, RequestID(4), sent[0].resp.RequestID)
	assert.True(t, sent[0].resp.Outcome.Success)
	assert.JSONEq(t, `{"msg":"hi"}`, string(sent[0].resp.Outcome.Data))
}

func TestDispatchUnknownEndpoint(t *testing.T) {
	responder := &recordingResponder{}
	limiter := &keyRecordingLimiter{allow: true}
	d := NewDispatcher(responder, WithLimiter(limiter, nil))

	d.Dispatch(context.Background(), testCaller, Request{Endpoint: "missing", RequestID: 1})

	sent := responder.responses()
	require.Len(t, sent, 1)
	assert.False(t, sent[0].resp.Outcome.Success)
	assert.Equal(t, "endpoint not found", sent[0].resp.Outcome.Error)
	assert.Empty(t, limiter.keys, "unknown endpoints must not consume rate limit budget")
}

func TestDispatchRateLimitedSkipsHandler(t *testing.T) {
	responder := &recordingResponder{}
	limiter := &keyRecordingLimiter{allow: false}
	observer := &recordingDispatchObserver{}
	d := NewDispatcher(responder,
		WithLimiter(limiter, identity.MustParseExtractor("ip:license")),
		WithDispatchObserver(observer))

	var invoked atomic.Bool
	require.NoError(t, d.Register("storage.requestSignedUrl", func(ctx context.Context, caller identity.Caller, payload json.RawMessage) (any, error) {
		invoked.Store(true)
		return "url", nil
	}))

	d.Dispatch(context.Background(), testCaller, Request{Endpoint: "storage.requestSignedUrl", RequestID: 2})

	require.False(t, invoked.Load())
	sent := responder.responses()
	require.Len(t, sent, 1)
	assert.False(t, sent[0].resp.Outcome.Success)
	assert.Equal(t, "rate limit exceeded", sent[0].resp.Outcome.Error)

	// The limiter sees the unmasked key.
	require.Equal(t, []string{"203.0.113.9:license:abc123"}, limiter.keys)
	require.Equal(t, []string{"storage.requestSignedUrl"}, observer.rejected)
}

func TestDispatchHandlerErrorBecomesFailure(t *testing.T) {
	responder := &recordingResponder{}
	d := NewDispatcher(responder)
	require.NoError(t, d.Register("fail", func(ctx context.Context, caller identity.Caller, payload json.RawMessage) (any, error) {
		return nil, errors.New("bucket unavailable")
	}))
	require.NoError(t, d.Register("echo", echoHandler))

	d.Dispatch(context.Background(), testCaller, Request{Endpoint: "fail", RequestID: 1})
	d.Dispatch(context.Background(), testCaller, Request{Endpoint: "echo", RequestID: 2, Payload: json.RawMessage(`1`)})

	sent := responder.responses()
	require.Len(t, sent, 2)
	assert.False(t, sent[0].resp.Outcome.Success)
	assert.Equal(t, "bucket unavailable", sent[0].resp.Outcome.Error)
	assert.True(t, sent[1].resp.Outcome.Success)
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	responder := &recordingResponder{}
	d := NewDispatcher(responder)
	require.NoError(t, d.Register("boom", func(ctx context.Context, caller identity.Caller, payload json.RawMessage) (any, error) {
		panic("nil bucket")
	}))
	require.NoError(t, d.Register("echo", echoHandler))

	require.NotPanics(t, func() {
		d.Dispatch(context.Background(), testCaller, Request{Endpoint: "boom", RequestID: 1})
	})
	d.Dispatch(context.Background(), testCaller, Request{Endpoint: "echo", RequestID: 2})

	sent := responder.responses()
	require.Len(t, sent, 2)
	assert.False(t, sent[0].resp.Outcome.Success)
	assert.Contains(t, sent[0].resp.Outcome.Error, "nil bucket")
	assert.True(t, sent[1].resp.Outcome.Success)
}

func TestDispatchEmptyErrorMessageIsFilled(t *testing.T) {
	responder := &recordingResponder{}
	d := NewDispatcher(responder)
	require.NoError(t, d.Register("silent", func(ctx context.Context, caller identity.Caller, payload json.RawMessage) (any, error) {
		return nil, errors.New("")
	}))

	d.Dispatch(context.Background(), testCaller, Request{Endpoint: "silent", RequestID: 1})

	sent := responder.responses()
	require.Len(t, sent, 1)
	assert.NotEmpty(t, sent[0].resp.Outcome.Error)
}

func TestDispatchResponderErrorIsLogged(t *testing.T) {
	responder := &recordingResponder{err: errors.New("caller gone")}
	observer := &recordingDispatchObserver{}
	d := NewDispatcher(responder, WithDispatchObserver(observer))
	require.NoError(t, d.Register("echo", echoHandler))

	require.NotPanics(t, func() {
		d.Dispatch(context.Background(), testCaller, Request{Endpoint: "echo", RequestID: 1})
	})
	require.EqualValues(t, 1, responder.calls.Load())
	require.Len(t, observer.completed, 1)
}

func TestDispatchDropsDuplicateInFlightRequest(t *testing.T) {
	responder := &recordingResponder{}
	d := NewDispatcher(responder)

	entered := make(chan struct{})
	release := make(chan struct{})
	var invocations atomic.Int32
	require.NoError(t, d.Register("slow", func(ctx context.Context, caller identity.Caller, payload json.RawMessage) (any, error) {
		if invocations.Add(1) == 1 {
			close(entered)
		}
		<-release
		return "done", nil
	}))

	req := Request{Endpoint: "slow", RequestID: 9}
	done := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), testCaller, req)
		close(done)
	}()
	<-entered

	d.Dispatch(context.Background(), testCaller, req)

	other := testCaller
	other.Source = "player-8"
	otherDone := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), other, req)
		close(otherDone)
	}()

	require.Eventually(t, func() bool { return invocations.Load() == 2 }, time.Second, time.Millisecond)
	close(release)
	<-done
	<-otherDone

	require.Len(t, responder.responses(), 2)

	// Once served, the same request ID may be used again.
	d.Dispatch(context.Background(), testCaller, req)
	require.Len(t, responder.responses(), 3)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	d := NewDispatcher(&recordingResponder{})

	require.NoError(t, d.Register("echo", echoHandler))
	err := d.Register("echo", echoHandler)
	require.ErrorIs(t, err, ErrDuplicateEndpoint)

	require.ErrorIs(t, d.Register("  ", echoHandler), ErrEmptyEndpoint)
	require.ErrorIs(t, d.Register("nil", nil), ErrNilHandler)

	require.NoError(t, d.Replace("echo", func(ctx context.Context, caller identity.Caller, payload json.RawMessage) (any, error) {
		return "replaced", nil
	}))
	require.Equal(t, []string{"echo"}, d.Endpoints())

	responder := &recordingResponder{}
	d.responder = responder
	d.Dispatch(context.Background(), testCaller, Request{Endpoint: "echo", RequestID: 1})
	require.Equal(t, `"replaced"`, string(responder.responses()[0].resp.Outcome.Data))
}

func TestEndpointsSorted(t *testing.T) {
	d := NewDispatcher(&recordingResponder{})
	for _, name := range []string{"storage.requestSignedUrl", "rpc.ping", "echo"} {
		require.NoError(t, d.Register(name, echoHandler))
	}
	require.Equal(t, []string{"echo", "rpc.ping", "storage.requestSignedUrl"}, d.Endpoints())
}

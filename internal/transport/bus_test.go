package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocloudhq/cloudbridge/internal/identity"
	"github.com/nocloudhq/cloudbridge/internal/ratelimit"
	"github.com/nocloudhq/cloudbridge/internal/rpc"
)

var busCaller = identity.Caller{
	Source: "player-1",
	Identifiers: map[string]string{
		"ip":      "203.0.113.10",
		"license": "license:0a1b2c",
	},
}

type bridgePair struct {
	bus        *Bus
	dispatcher *rpc.Dispatcher
	correlator *rpc.Correlator
}

func newBridgePair(t *testing.T, busOpts []BusOption, dispatcherOpts ...rpc.DispatcherOption) bridgePair {
	t.Helper()

	bus := NewBus(busOpts...)
	dispatcher := rpc.NewDispatcher(bus, dispatcherOpts...)
	bus.Serve(dispatcher)

	ep := bus.Connect(busCaller)
	correlator := rpc.NewCorrelator(ep)
	ep.Bind(correlator)

	t.Cleanup(func() {
		correlator.Close()
		bus.Close()
	})
	return bridgePair{bus: bus, dispatcher: dispatcher, correlator: correlator}
}

func sleepingEcho(d time.Duration) rpc.HandlerFunc {
	return func(ctx context.Context, caller identity.Caller, payload json.RawMessage) (any, error) {
		time.Sleep(d)
		return payload, nil
	}
}

func TestEchoWithinBudget(t *testing.T) {
	pair := newBridgePair(t, nil)
	require.NoError(t, pair.dispatcher.Register("echo", sleepingEcho(10*time.Millisecond)))

	data, err := pair.correlator.Call(context.Background(), "echo", map[string]string{"msg": "hi"}, 100*time.Millisecond)
	require.NoError(t, err)
	require.JSONEq(t, `{"msg":"hi"}`, string(data))
	require.Equal(t, 0, pair.correlator.Pending())
}

func TestSlowEndpointTimesOut(t *testing.T) {
	pair := newBridgePair(t, nil)
	require.NoError(t, pair.dispatcher.Register("slow", sleepingEcho(200*time.Millisecond)))

	started := time.Now()
	_, err := pair.correlator.Call(context.Background(), "slow", nil, 50*time.Millisecond)
	elapsed := time.Since(started)

	require.True(t, rpc.IsTimeout(err), "expected timeout, got %v", err)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 190*time.Millisecond)

	// The late response arrives after the call resolved and is dropped.
	pair.bus.Wait()
	require.Equal(t, 0, pair.correlator.Pending())
}

func TestUnknownEndpointFailsFast(t *testing.T) {
	pair := newBridgePair(t, nil)

	_, err := pair.correlator.Call(context.Background(), "missing", nil, time.Second)
	require.ErrorIs(t, err, rpc.ErrEndpointNotFound)
}

func TestRateLimitAcrossTransport(t *testing.T) {
	limiter, err := ratelimit.New(ratelimit.Config{MaxRequests: 10, Window: time.Minute})
	require.NoError(t, err)

	var invoked int
	var mu sync.Mutex
	pair := newBridgePair(t, nil, rpc.WithLimiter(limiter, identity.MustParseExtractor("ip:license")))
	require.NoError(t, pair.dispatcher.Register("storage.requestSignedUrl", func(ctx context.Context, caller identity.Caller, payload json.RawMessage) (any, error) {
		mu.Lock()
		invoked++
		mu.Unlock()
		return "https://uploads.example.test/u", nil
	}))

	for i := 0; i < 10; i++ {
		_, err := pair.correlator.Call(context.Background(), "storage.requestSignedUrl", nil, time.Second)
		require.NoError(t, err, "request %d", i+1)
	}

	_, err = pair.correlator.Call(context.Background(), "storage.requestSignedUrl", nil, time.Second)
	require.ErrorIs(t, err, rpc.ErrRateLimitExceeded)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 10, invoked)
}

func TestLossyTransportResolvesEveryCallOnce(t *testing.T) {
	pair := newBridgePair(t, []BusOption{
		WithDropRate(0.3),
		WithMaxDelay(5 * time.Millisecond),
		WithSeed(42),
	})
	require.NoError(t, pair.dispatcher.Register("echo", sleepingEcho(0)))

	const calls = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, timeouts := 0, 0

	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := pair.correlator.Call(context.Background(), "echo", i, 40*time.Millisecond)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				require.True(t, rpc.IsTimeout(err), "unexpected error: %v", err)
				timeouts++
				return
			}
			var got int
			require.NoError(t, json.Unmarshal(data, &got))
			require.Equal(t, i, got, "response delivered to the wrong call")
			successes++
		}(i)
	}
	wg.Wait()
	pair.bus.Wait()

	require.Equal(t, calls, successes+timeouts)
	require.Greater(t, successes, 0)
	require.Greater(t, timeouts, 0)
	require.Equal(t, 0, pair.correlator.Pending())
}

func TestResponsesForDisconnectedCallerAreDropped(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	err := bus.SendResponse(context.Background(), identity.Caller{Source: "nobody"}, rpc.Response{RequestID: 1})
	require.NoError(t, err)
}

func TestClosedBusRejectsSends(t *testing.T) {
	bus := NewBus()
	ep := bus.Connect(busCaller)
	bus.Close()

	require.ErrorIs(t, ep.SendRequest(context.Background(), rpc.Request{Endpoint: "echo"}), ErrBusClosed)
	require.ErrorIs(t, bus.SendResponse(context.Background(), busCaller, rpc.Response{}), ErrBusClosed)
}

type countingHandler struct {
	n atomic.Int64
}

func (h *countingHandler) Dispatch(ctx context.Context, caller identity.Caller, req rpc.Request) {
	h.n.Add(1)
}

func TestCloseWhileSending(t *testing.T) {
	bus := NewBus(WithMaxDelay(time.Millisecond), WithSeed(7))
	handler := &countingHandler{}
	bus.Serve(handler)
	ep := bus.Connect(busCaller)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				err := ep.SendRequest(context.Background(), rpc.Request{Endpoint: "echo", RequestID: rpc.RequestID(j)})
				if err != nil {
					assert.ErrorIs(t, err, ErrBusClosed)
					return
				}
			}
		}()
	}

	time.Sleep(2 * time.Millisecond)
	bus.Close()
	delivered := handler.n.Load()
	wg.Wait()

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, delivered, handler.n.Load(), "no delivery may run after Close returns")
}

package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocloudhq/cloudbridge/internal/clock"
	"github.com/nocloudhq/cloudbridge/internal/config"
	"github.com/nocloudhq/cloudbridge/internal/identity"
	"github.com/nocloudhq/cloudbridge/internal/rpc"
	"github.com/nocloudhq/cloudbridge/internal/storage"
	"github.com/nocloudhq/cloudbridge/internal/transport"
)

var testCaller = identity.Caller{
	Source: "player-3",
	Identifiers: map[string]string{
		"ip":      "198.51.100.23",
		"license": "license:feed42",
	},
}

func testConfig(t *testing.T, mutate func(*config.Config)) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.Decode(v.AllSettings())
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

type memoryViolations struct {
	mu   sync.Mutex
	keys []string
}

func (m *memoryViolations) RecordViolation(ctx context.Context, key, endpoint string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key+"|"+endpoint)
	return nil
}

func (m *memoryViolations) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...)
}

type harness struct {
	handler *Handler
	client  *Client
	bus     *transport.Bus
}

func newHarness(t *testing.T, cfg *config.Config, opts HandlerOptions) harness {
	t.Helper()

	bus := transport.NewBus()
	opts.Config = cfg
	opts.Responder = bus
	handler, err := NewHandler(opts)
	require.NoError(t, err)
	bus.Serve(handler)

	ep := bus.Connect(testCaller)
	client := NewClient(ep, time.Second, nil, nil)
	ep.Bind(client)

	t.Cleanup(func() {
		client.Close()
		bus.Close()
	})
	return harness{handler: handler, client: client, bus: bus}
}

func TestPing(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, testConfig(t, nil), HandlerOptions{Clock: clock.NewFake(start)})

	data, err := h.client.Call(context.Background(), EndpointPing, nil)
	require.NoError(t, err)

	var got PingResult
	require.NoError(t, json.Unmarshal(data, &got))
	assert.True(t, got.Pong)
	assert.True(t, start.Equal(got.Time))
}

func TestRateLimitRecordsViolations(t *testing.T) {
	cfg := testConfig(t, func(c *config.Config) {
		c.RateLimit.MaxRequests = 2
	})
	violations := &memoryViolations{}
	h := newHarness(t, cfg, HandlerOptions{Violations: violations})

	for i := 0; i < 2; i++ {
		_, err := h.client.Call(context.Background(), EndpointPing, nil)
		require.NoError(t, err)
	}
	_, err := h.client.Call(context.Background(), EndpointPing, nil)
	require.ErrorIs(t, err, rpc.ErrRateLimitExceeded)

	require.Equal(t, []string{"****.0.23:license:feed42|rpc.ping"}, violations.recorded())

	windows := h.handler.Windows()
	require.Len(t, windows, 1)
	// The raw key has more parts than kinds, so it is masked whole.
	assert.Equal(t, "****.ed42", windows[0].Key)
	assert.Equal(t, 2, windows[0].Count)
}

func TestResetCallerReopensWindow(t *testing.T) {
	cfg := testConfig(t, func(c *config.Config) {
		c.RateLimit.MaxRequests = 1
	})
	h := newHarness(t, cfg, HandlerOptions{})

	_, err := h.client.Call(context.Background(), EndpointPing, nil)
	require.NoError(t, err)
	_, err = h.client.Call(context.Background(), EndpointPing, nil)
	require.ErrorIs(t, err, rpc.ErrRateLimitExceeded)

	require.False(t, h.handler.ResetCaller(map[string]string{"ip": "10.0.0.1"}))
	require.True(t, h.handler.ResetCaller(map[string]string{
		"IP":      "198.51.100.23",
		"license": "license:feed42",
	}))

	_, err = h.client.Call(context.Background(), EndpointPing, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, h.handler.ClearWindows())
	assert.Empty(t, h.handler.Windows())
}

func TestRateLimitDisabled(t *testing.T) {
	cfg := testConfig(t, func(c *config.Config) {
		c.RateLimit.Enabled = false
		c.RateLimit.MaxRequests = 1
	})
	h := newHarness(t, cfg, HandlerOptions{})
	require.False(t, h.handler.RateLimitEnabled())

	for i := 0; i < 5; i++ {
		_, err := h.client.Call(context.Background(), EndpointPing, nil)
		require.NoError(t, err)
	}
	assert.Empty(t, h.handler.Windows())
	assert.False(t, h.handler.ResetCaller(testCaller.Identifiers))
	assert.Zero(t, h.handler.ClearWindows())
}

func TestUploadEndpointWhenDisabled(t *testing.T) {
	h := newHarness(t, testConfig(t, nil), HandlerOptions{})

	assert.Equal(t, []string{EndpointPing, storage.EndpointRequestSignedURL}, h.handler.Dispatcher().Endpoints())

	_, err := h.client.Call(context.Background(), storage.EndpointRequestSignedURL, map[string]any{
		"contentType": "image/png",
		"size":        1024,
	})
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, storage.ErrUploadsDisabled.Error(), remote.Message)
}

func TestUploadEndpointSignsURL(t *testing.T) {
	cfg := testConfig(t, func(c *config.Config) {
		c.Storage.EnableClientUploads = true
		c.Storage.BaseURL = "https://media.example.test"
		c.Storage.SigningSecret = "s3cret"
	})
	h := newHarness(t, cfg, HandlerOptions{})

	data, err := h.client.Call(context.Background(), storage.EndpointRequestSignedURL, map[string]any{
		"contentType": "image/png",
		"size":        2048,
	})
	require.NoError(t, err)

	var signed storage.SignedURL
	require.NoError(t, json.Unmarshal(data, &signed))
	assert.Contains(t, signed.URL, "https://media.example.test/uploads/")
	assert.NotEmpty(t, signed.MediaID)
}

func TestNewHandlerRequiresDependencies(t *testing.T) {
	_, err := NewHandler(HandlerOptions{})
	require.Error(t, err)

	_, err = NewHandler(HandlerOptions{Config: testConfig(t, nil)})
	require.Error(t, err)

	cfg := testConfig(t, func(c *config.Config) { c.RateLimit.IdentifierExtractor = "" })
	_, err = NewHandler(HandlerOptions{Config: cfg, Responder: transport.NewBus()})
	require.Error(t, err)
}

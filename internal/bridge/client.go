package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nocloudhq/cloudbridge/internal/clock"
	"github.com/nocloudhq/cloudbridge/internal/metrics"
	"github.com/nocloudhq/cloudbridge/internal/observability"
	"github.com/nocloudhq/cloudbridge/internal/rpc"
)

// Client is the assembled caller side: a Correlator with a default timeout
// and call metrics.
type Client struct {
	correlator *rpc.Correlator
	timeout    time.Duration
}

// NewClient creates a caller side sending through sender. Responses must be
// fed to Client.OnResponse.
func NewClient(sender rpc.RequestSender, timeout time.Duration, c clock.Clock, logger observability.Logger) *Client {
	if timeout <= 0 {
		timeout = rpc.DefaultTimeout
	}
	return &Client{
		correlator: rpc.NewCorrelator(sender,
			rpc.WithCorrelatorClock(c),
			rpc.WithCorrelatorLogger(logger),
			rpc.WithCallObserver(metrics.CallMetrics{})),
		timeout: timeout,
	}
}

// Call invokes endpoint with the default timeout.
func (c *Client) Call(ctx context.Context, endpoint string, payload any) (json.RawMessage, error) {
	return c.correlator.Call(ctx, endpoint, payload, c.timeout)
}

// CallWithTimeout invokes endpoint with an explicit timeout.
func (c *Client) CallWithTimeout(ctx context.Context, endpoint string, payload any, timeout time.Duration) (json.RawMessage, error) {
	return c.correlator.Call(ctx, endpoint, payload, timeout)
}

// OnResponse resolves a pending call.
func (c *Client) OnResponse(resp rpc.Response) bool {
	return c.correlator.OnResponse(resp)
}

// Pending returns the number of outstanding calls.
func (c *Client) Pending() int {
	return c.correlator.Pending()
}

// Close fails every outstanding call.
func (c *Client) Close() {
	c.correlator.Close()
}

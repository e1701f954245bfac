package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nocloudhq/cloudbridge/internal/identity"
	"github.com/nocloudhq/cloudbridge/internal/observability"
	"github.com/nocloudhq/cloudbridge/internal/rpc"
)

const (
	// RequestPath receives request envelopes on the handler side.
	RequestPath = "/v1/events/request"
	// ResponsePath receives response envelopes on the caller side.
	ResponsePath = "/v1/events/response"

	// HeaderReplyTo carries the base URL responses should be posted to.
	HeaderReplyTo = "X-Reply-To"
	// HeaderIdentifierPrefix prefixes caller identifier headers, e.g.
	// X-Identifier-License.
	HeaderIdentifierPrefix = "X-Identifier-"
	// HeaderCallerToken carries the shared caller token that makes the
	// X-Identifier-* headers count.
	HeaderCallerToken = "X-Caller-Token"

	// DefaultSendTimeout bounds a single envelope post.
	DefaultSendTimeout = 5 * time.Second

	maxEnvelopeBytes = 1 << 20
)

// HTTPOption configures the HTTP sender and responder.
type HTTPOption func(*httpConfig)

type httpConfig struct {
	client      *http.Client
	sendTimeout time.Duration
	callerToken string
	logger      observability.Logger
}

// WithHTTPClient overrides the client used for posts.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *httpConfig) {
		if client != nil {
			c.client = client
		}
	}
}

// WithSendTimeout bounds each envelope post.
func WithSendTimeout(d time.Duration) HTTPOption {
	return func(c *httpConfig) {
		if d > 0 {
			c.sendTimeout = d
		}
	}
}

// WithCallerToken presents token with every request envelope.
func WithCallerToken(token string) HTTPOption {
	return func(c *httpConfig) { c.callerToken = strings.TrimSpace(token) }
}

// WithHTTPLogger sets the transport logger.
func WithHTTPLogger(logger observability.Logger) HTTPOption {
	return func(c *httpConfig) { c.logger = observability.OrNop(logger) }
}

func newHTTPConfig(opts []HTTPOption) httpConfig {
	cfg := httpConfig{
		client:      &http.Client{},
		sendTimeout: DefaultSendTimeout,
		logger:      observability.OrNop(nil),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// HTTPSender posts request envelopes to a handler-side server. It
// implements rpc.RequestSender.
type HTTPSender struct {
	cfg         httpConfig
	endpoint    string
	replyTo     string
	identifiers map[string]string
}

// NewHTTPSender creates a sender for the server at serverURL. replyTo is the
// base URL of the local response listener; identifiers are presented to the
// server as X-Identifier-* headers.
func NewHTTPSender(serverURL, replyTo string, identifiers map[string]string, opts ...HTTPOption) (*HTTPSender, error) {
	base, err := parseBaseURL(serverURL)
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	if _, err := parseBaseURL(replyTo); err != nil {
		return nil, fmt.Errorf("reply-to url: %w", err)
	}

	ids := make(map[string]string, len(identifiers))
	for kind, value := range identifiers {
		kind = strings.ToLower(strings.TrimSpace(kind))
		if kind == "" || kind == identity.KindIP {
			// ip is always taken from the connection.
			continue
		}
		ids[kind] = value
	}

	return &HTTPSender{
		cfg:         newHTTPConfig(opts),
		endpoint:    base + RequestPath,
		replyTo:     strings.TrimRight(replyTo, "/"),
		identifiers: ids,
	}, nil
}

// SendRequest posts req. A nil error means the server accepted the envelope,
// not that a response will follow.
func (s *HTTPSender) SendRequest(ctx context.Context, req rpc.Request) error {
	body, err := rpc.EncodeRequest(req)
	if err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set(HeaderReplyTo, s.replyTo)
	for kind, value := range s.identifiers {
		headers.Set(HeaderIdentifierPrefix+kind, value)
	}
	if s.cfg.callerToken != "" {
		headers.Set(HeaderCallerToken, s.cfg.callerToken)
	}

	return post(ctx, s.cfg, s.endpoint, headers, body)
}

// HTTPResponder posts response envelopes back to the caller's reply-to URL.
// It implements rpc.ResponseSender.
type HTTPResponder struct {
	cfg httpConfig
}

// NewHTTPResponder creates a responder.
func NewHTTPResponder(opts ...HTTPOption) *HTTPResponder {
	return &HTTPResponder{cfg: newHTTPConfig(opts)}
}

// SendResponse posts resp to caller.Source, which must be the caller's
// reply-to base URL.
func (r *HTTPResponder) SendResponse(ctx context.Context, caller identity.Caller, resp rpc.Response) error {
	base, err := parseBaseURL(caller.Source)
	if err != nil {
		return fmt.Errorf("reply-to url: %w", err)
	}

	body, err := rpc.EncodeResponse(resp)
	if err != nil {
		return err
	}
	return post(ctx, r.cfg, base+ResponsePath, nil, body)
}

func post(ctx context.Context, cfg httpConfig, target string, headers http.Header, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := cfg.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", target, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxEnvelopeBytes))
		if cerr := resp.Body.Close(); cerr != nil {
			cfg.logger.Debug("Failed to close event response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %d", target, resp.StatusCode)
	}
	return nil
}

// CallerFromRequest builds the caller identity of an inbound request
// envelope. The ip identifier comes from the connection (RemoteAddr, after
// trusted proxy rewriting). Other identifiers come from X-Identifier-*
// headers and are only read when trustIdentifiers is set. Source is the
// X-Reply-To base URL.
func CallerFromRequest(r *http.Request, trustIdentifiers bool) identity.Caller {
	ids := make(map[string]string)
	if trustIdentifiers {
		for key, values := range r.Header {
			canonical := http.CanonicalHeaderKey(key)
			if !strings.HasPrefix(canonical, HeaderIdentifierPrefix) || len(values) == 0 {
				continue
			}
			kind := strings.ToLower(strings.TrimPrefix(canonical, HeaderIdentifierPrefix))
			if kind == "" || kind == identity.KindIP {
				continue
			}
			ids[kind] = values[0]
		}
	}
	ids[identity.KindIP] = remoteIP(r.RemoteAddr)

	return identity.Caller{
		Source:      strings.TrimRight(r.Header.Get(HeaderReplyTo), "/"),
		Identifiers: ids,
	}
}

// ReplyToAllowed reports whether responses may be posted to source. The
// host must be the peer's own address (any loopback name for a loopback
// peer) or appear in hosts, either as a bare host or as host:port.
func ReplyToAllowed(source, peerIP string, hosts []string) bool {
	u, err := url.Parse(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())

	for _, allowed := range hosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed != "" && (allowed == host || allowed == strings.ToLower(u.Host)) {
			return true
		}
	}

	peer := net.ParseIP(peerIP)
	if peer == nil {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.Equal(peer) || (ip.IsLoopback() && peer.IsLoopback())
	}
	return host == "localhost" && peer.IsLoopback()
}

// ReadEnvelope reads a bounded envelope body.
func ReadEnvelope(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes))
}

func remoteIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func parseBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	return strings.TrimRight(u.String(), "/"), nil
}

package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nocloudhq/cloudbridge/internal/clock"
)

// Signature verification failures.
var (
	ErrInvalidSignature = errors.New("storage: invalid signature")
	ErrURLExpired       = errors.New("storage: signed url expired")
)

// HMACSigner issues upload URLs signed with HMAC-SHA256. The signature
// covers the method, object path, content type, size, and expiry, so an
// upload service holding the same secret can verify them offline.
type HMACSigner struct {
	base   *url.URL
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
	newID  func() string
}

// SignerOption configures an HMACSigner.
type SignerOption func(*HMACSigner)

// WithSignerClock overrides the clock used for expiry.
func WithSignerClock(c clock.Clock) SignerOption {
	return func(s *HMACSigner) { s.clock = clock.OrReal(c) }
}

// WithMediaIDs overrides media ID generation.
func WithMediaIDs(newID func() string) SignerOption {
	return func(s *HMACSigner) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewHMACSigner creates a signer for objects under baseURL.
func NewHMACSigner(baseURL, secret string, ttl time.Duration, opts ...SignerOption) (*HMACSigner, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("storage base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" || base.Host == "" {
		return nil, fmt.Errorf("storage base url %q must be an absolute http(s) url", baseURL)
	}
	if secret == "" {
		return nil, errors.New("storage signing secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("storage url ttl must be positive")
	}

	s := &HMACSigner{
		base:   base,
		secret: []byte(secret),
		ttl:    ttl,
		clock:  clock.Real{},
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SignUpload issues a PUT URL for a new media object.
func (s *HMACSigner) SignUpload(ctx context.Context, req UploadRequest) (SignedURL, error) {
	mediaID := s.newID()
	expires := s.clock.Now().Add(s.ttl).UTC().Truncate(time.Second)
	objectPath := path.Join("/", s.base.Path, "uploads", mediaID)

	query := url.Values{}
	query.Set("content_type", req.ContentType)
	query.Set("size", strconv.FormatInt(req.Size, 10))
	query.Set("expires", strconv.FormatInt(expires.Unix(), 10))
	query.Set("signature", s.sign(http.MethodPut, objectPath, req.ContentType, req.Size, expires.Unix()))

	u := *s.base
	u.Path = objectPath
	u.RawQuery = query.Encode()

	return SignedURL{
		URL:       u.String(),
		MediaID:   mediaID,
		Method:    http.MethodPut,
		Headers:   map[string]string{"Content-Type": req.ContentType},
		ExpiresAt: expires,
	}, nil
}

// Verify checks a URL produced by SignUpload for method.
func (s *HMACSigner) Verify(method, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	query := u.Query()

	size, err := strconv.ParseInt(query.Get("size"), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad size", ErrInvalidSignature)
	}
	expires, err := strconv.ParseInt(query.Get("expires"), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad expiry", ErrInvalidSignature)
	}

	want := s.sign(method, u.Path, query.Get("content_type"), size, expires)
	if !hmac.Equal([]byte(want), []byte(query.Get("signature"))) {
		return ErrInvalidSignature
	}
	if !s.clock.Now().Before(time.Unix(expires, 0)) {
		return ErrURLExpired
	}
	return nil
}

func (s *HMACSigner) sign(method, objectPath, contentType string, size, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%d\n%d", method, objectPath, contentType, size, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

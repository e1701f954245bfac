package storage

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocloudhq/cloudbridge/internal/clock"
)

func newTestSigner(t *testing.T, fake *clock.Fake) *HMACSigner {
	t.Helper()
	signer, err := NewHMACSigner("https://uploads.example.test/media", "s3cret", 15*time.Minute,
		WithSignerClock(fake),
		WithMediaIDs(func() string { return "media-1" }))
	require.NoError(t, err)
	return signer
}

func TestSignUpload(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	signer := newTestSigner(t, fake)

	signed, err := signer.SignUpload(context.Background(), UploadRequest{ContentType: "image/png", Size: 2048})
	require.NoError(t, err)

	assert.Equal(t, "media-1", signed.MediaID)
	assert.Equal(t, http.MethodPut, signed.Method)
	assert.Equal(t, "image/png", signed.Headers["Content-Type"])
	assert.Equal(t, time.Date(2025, 3, 1, 12, 15, 0, 0, time.UTC), signed.ExpiresAt)

	u, err := url.Parse(signed.URL)
	require.NoError(t, err)
	assert.Equal(t, "uploads.example.test", u.Host)
	assert.Equal(t, "/media/uploads/media-1", u.Path)
	assert.Equal(t, "2048", u.Query().Get("size"))
	assert.NotEmpty(t, u.Query().Get("signature"))

	require.NoError(t, signer.Verify(http.MethodPut, signed.URL))
}

func TestVerifyRejectsTampering(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	signer := newTestSigner(t, fake)

	signed, err := signer.SignUpload(context.Background(), UploadRequest{ContentType: "image/png", Size: 2048})
	require.NoError(t, err)

	u, err := url.Parse(signed.URL)
	require.NoError(t, err)
	q := u.Query()
	q.Set("size", "999999999")
	u.RawQuery = q.Encode()

	require.ErrorIs(t, signer.Verify(http.MethodPut, u.String()), ErrInvalidSignature)
	require.ErrorIs(t, signer.Verify(http.MethodGet, signed.URL), ErrInvalidSignature)

	other, err := NewHMACSigner("https://uploads.example.test/media", "other", time.Minute, WithSignerClock(fake))
	require.NoError(t, err)
	require.ErrorIs(t, other.Verify(http.MethodPut, signed.URL), ErrInvalidSignature)
}

func TestVerifyRejectsExpired(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	signer := newTestSigner(t, fake)

	signed, err := signer.SignUpload(context.Background(), UploadRequest{ContentType: "image/png", Size: 1})
	require.NoError(t, err)

	fake.Advance(15 * time.Minute)
	require.ErrorIs(t, signer.Verify(http.MethodPut, signed.URL), ErrURLExpired)
}

func TestNewHMACSignerValidation(t *testing.T) {
	_, err := NewHMACSigner("ftp://example.test", "s", time.Minute)
	require.Error(t, err)
	_, err = NewHMACSigner("https://example.test", "", time.Minute)
	require.Error(t, err)
	_, err = NewHMACSigner("https://example.test", "s", 0)
	require.Error(t, err)
}

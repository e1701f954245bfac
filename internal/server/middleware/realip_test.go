package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrustedRealIP(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1"})
	require.NoError(t, err)

	var seen string
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.RemoteAddr
	})

	tests := []struct {
		name    string
		proxies bool
		remote  string
		want    string
	}{
		{"untrusted peer keeps connection address", true, "203.0.113.7:5000", "203.0.113.7:5000"},
		{"trusted cidr is rewritten", true, "10.1.2.3:5000", "198.51.100.9"},
		{"trusted single address is rewritten", true, "192.0.2.1:5000", "198.51.100.9"},
		{"no proxies configured", false, "10.1.2.3:5000", "10.1.2.3:5000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configured := proxies
			if !tt.proxies {
				configured = nil
			}
			req := httptest.NewRequest(http.MethodPost, "/v1/events/request", nil)
			req.RemoteAddr = tt.remote
			req.Header.Set("X-Real-IP", "198.51.100.9")

			TrustedRealIP(configured)(echo).ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tt.want, seen)
		})
	}
}

func TestParseTrustedProxiesRejectsGarbage(t *testing.T) {
	_, err := ParseTrustedProxies([]string{"10.0.0.0/8", "not-an-ip"})
	require.Error(t, err)

	nets, err := ParseTrustedProxies([]string{" ", "::1"})
	require.NoError(t, err)
	require.Len(t, nets, 1)
	assert.Equal(t, "::1/128", nets[0].String())
}

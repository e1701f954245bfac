package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cfg, err := Load(newViper(t))
	require.NoError(t, err)

	// Server defaults
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

	// Store defaults
	assert.Equal(t, "libsql", cfg.Store.Driver)
	assert.Equal(t, filepath.Join(gfconfig.GetAppDataDir(AppName), AppName+".db"), cfg.Store.Path)

	// Caller and limiter defaults
	assert.Equal(t, 20*time.Second, cfg.RPC.Timeout)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 10, cfg.RateLimit.MaxRequests)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, "ip:license", cfg.RateLimit.IdentifierExtractor)

	// Storage defaults
	assert.False(t, cfg.Storage.EnableClientUploads)
	assert.Equal(t, []string{"image/png", "image/jpeg", "image/gif"}, cfg.Storage.AllowedFileTypes)
	assert.Equal(t, 50, cfg.Storage.MaxFileSizeMB)
	assert.Equal(t, 15*time.Minute, cfg.Storage.URLTTL)
	assert.True(t, cfg.Storage.MetadataAttachments.Player)

	assert.Same(t, cfg, GetConfig())
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rpc:
  timeout: 5s
rate_limit:
  max_requests: 3
  window: 1s
  identifier_extractor: license
storage:
  enable_client_uploads: true
  base_url: https://uploads.example.test
  signing_secret: s3cret
  allowed_file_types: [image/png]
  metadata_attachments:
    masked_identifiers: [license]
`), 0o600))

	v := newViper(t)
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.RPC.Timeout)
	assert.Equal(t, 3, cfg.RateLimit.MaxRequests)
	assert.Equal(t, time.Second, cfg.RateLimit.Window)
	assert.Equal(t, "license", cfg.RateLimit.IdentifierExtractor)
	assert.True(t, cfg.Storage.EnableClientUploads)
	assert.Equal(t, []string{"image/png"}, cfg.Storage.AllowedFileTypes)
	assert.Equal(t, []string{"license"}, cfg.Storage.MetadataAttachments.MaskedIdentifiers)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CLOUDBRIDGE_RATE_LIMIT_MAX_REQUESTS", "42")
	t.Setenv("CLOUDBRIDGE_RPC_TIMEOUT", "750ms")
	t.Setenv("CLOUDBRIDGE_PORT", "9443")
	t.Setenv("CLOUDBRIDGE_ADMIN_TOKEN", "admin-token")

	v := newViper(t)
	require.NoError(t, BindEnv(v))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 750*time.Millisecond, cfg.RPC.Timeout)
	assert.Equal(t, 9443, cfg.Server.Port)
	assert.Equal(t, "admin-token", cfg.Admin.Token)
}

func TestValidate(t *testing.T) {
	t.Run("RejectsNonPositiveLimits", func(t *testing.T) {
		v := newViper(t)
		v.Set("rate_limit.max_requests", 0)
		v.Set("rate_limit.window", "0s")
		v.Set("rpc.timeout", "-1s")

		_, err := Load(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate_limit.max_requests")
		assert.Contains(t, err.Error(), "rate_limit.window")
		assert.Contains(t, err.Error(), "rpc.timeout")
	})

	t.Run("RejectsEmptyExtractor", func(t *testing.T) {
		v := newViper(t)
		v.Set("rate_limit.identifier_extractor", "")

		_, err := Load(v)
		require.ErrorContains(t, err, "identifier_extractor")
	})

	t.Run("UploadsRequireSigner", func(t *testing.T) {
		v := newViper(t)
		v.Set("storage.enable_client_uploads", true)

		_, err := Load(v)
		require.ErrorContains(t, err, "storage.base_url")
		require.ErrorContains(t, err, "storage.signing_secret")
	})

	t.Run("TrustedProxies", func(t *testing.T) {
		v := newViper(t)
		v.Set("server.trusted_proxies", "10.0.0.0/8,192.0.2.1")
		cfg, err := Load(v)
		require.NoError(t, err)
		assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.1"}, cfg.Server.TrustedProxies)

		v.Set("server.trusted_proxies", []string{"proxy.internal"})
		_, err = Load(v)
		require.ErrorContains(t, err, "server.trusted_proxies")
	})
}

func TestRedacted(t *testing.T) {
	cfg := Config{
		Server:  ServerConfig{CallerToken: "caller"},
		Store:   StoreConfig{AuthToken: "tok"},
		Storage: StorageConfig{SigningSecret: "sec"},
	}
	red := cfg.Redacted()
	assert.Equal(t, "********", red.Server.CallerToken)
	assert.Equal(t, "********", red.Store.AuthToken)
	assert.Equal(t, "********", red.Storage.SigningSecret)
	assert.Equal(t, "", red.Admin.Token)
	assert.Equal(t, "tok", cfg.Store.AuthToken)
}

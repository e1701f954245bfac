// Package config provides centralized configuration management for
// cloudbridge. Settings are layered through viper and decoded into a typed
// Config with mapstructure.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/nocloudhq/cloudbridge/internal/identity"
	"github.com/nocloudhq/cloudbridge/internal/release"
)

const (
	// AppName names the config, data, and cache directories.
	AppName = "cloudbridge"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "CLOUDBRIDGE_"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// EnvVarSpec defines environment variable mappings for config fields
// following the pattern: {PREFIX}{NAME} maps to config path
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.caller_token", "")
	v.SetDefault("server.reply_to_hosts", []string{})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	// Store defaults
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	// Caller side defaults
	v.SetDefault("rpc.timeout", "20s")
	v.SetDefault("rpc.send_timeout", "5s")
	v.SetDefault("rpc.server_url", "http://localhost:8080")
	v.SetDefault("rpc.listen_addr", "127.0.0.1:0")

	// Rate limit defaults
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.max_requests", 10)
	v.SetDefault("rate_limit.window", "60s")
	v.SetDefault("rate_limit.identifier_extractor", identity.DefaultExtractor)

	// Storage defaults
	v.SetDefault("storage.enable_client_uploads", false)
	v.SetDefault("storage.allowed_file_types", []string{"image/png", "image/jpeg", "image/gif"})
	v.SetDefault("storage.max_file_size_mb", 50)
	v.SetDefault("storage.base_url", "")
	v.SetDefault("storage.signing_secret", "")
	v.SetDefault("storage.url_ttl", "15m")
	v.SetDefault("storage.metadata_attachments.player", true)
	v.SetDefault("storage.metadata_attachments.resource", true)
	v.SetDefault("storage.metadata_attachments.masked_identifiers", []string{})

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Health check defaults
	v.SetDefault("health.enabled", true)

	// Admin defaults
	v.SetDefault("admin.token", "")

	// Release check defaults
	v.SetDefault("updates.check_on_start", true)
	v.SetDefault("updates.release_url", release.DefaultLatestURL)
	v.SetDefault("updates.timeout", "5s")
}

// BindEnv wires CLOUDBRIDGE_* environment variables into v. Nested keys map
// to underscore-joined names (rate_limit.max_requests becomes
// CLOUDBRIDGE_RATE_LIMIT_MAX_REQUESTS); the short aliases in EnvSpecs are
// merged on top.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(strings.TrimSuffix(EnvPrefix, "_"))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	overrides, err := gfconfig.LoadEnvOverrides(EnvSpecs())
	if err != nil {
		return fmt.Errorf("failed to load environment overrides: %w", err)
	}
	if len(overrides) == 0 {
		return nil
	}
	return v.MergeConfigMap(overrides)
}

// EnvSpecs returns the short environment aliases for common settings.
func EnvSpecs() []EnvVarSpec {
	prefix := EnvPrefix
	return []EnvVarSpec{
		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},

		// Logging config
		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},

		// Store config
		{Name: prefix + "DB_DRIVER", Path: []string{"store", "driver"}, Type: EnvString},
		{Name: prefix + "DB_PATH", Path: []string{"store", "path"}, Type: EnvString},
		{Name: prefix + "DB_URL", Path: []string{"store", "url"}, Type: EnvString},
		{Name: prefix + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}, Type: EnvString},

		// Secrets
		{Name: prefix + "ADMIN_TOKEN", Path: []string{"admin", "token"}, Type: EnvString},
		{Name: prefix + "SIGNING_SECRET", Path: []string{"storage", "signing_secret"}, Type: EnvString},
		{Name: prefix + "CALLER_TOKEN", Path: []string{"server", "caller_token"}, Type: EnvString},

		// Metrics config
		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},
	}
}

// Load decodes the merged settings of v into a Config, validates it, and
// makes it the current configuration.
func Load(v *viper.Viper) (*Config, error) {
	cfg, err := Decode(v.AllSettings())
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// Decode converts a settings map into a Config.
func Decode(settings map[string]any) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	var errs []error

	if c.RPC.Timeout <= 0 {
		errs = append(errs, errors.New("rpc.timeout must be positive"))
	}
	if c.RateLimit.MaxRequests <= 0 {
		errs = append(errs, errors.New("rate_limit.max_requests must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive"))
	}
	if _, err := identity.ParseExtractor(c.RateLimit.IdentifierExtractor); err != nil {
		errs = append(errs, fmt.Errorf("rate_limit.identifier_extractor: %w", err))
	}
	for _, proxy := range c.Server.TrustedProxies {
		if !validProxy(proxy) {
			errs = append(errs, fmt.Errorf("server.trusted_proxies: invalid address or CIDR %q", proxy))
		}
	}
	if c.Storage.EnableClientUploads {
		if strings.TrimSpace(c.Storage.BaseURL) == "" {
			errs = append(errs, errors.New("storage.base_url is required when client uploads are enabled"))
		}
		if strings.TrimSpace(c.Storage.SigningSecret) == "" {
			errs = append(errs, errors.New("storage.signing_secret is required when client uploads are enabled"))
		}
		if c.Storage.MaxFileSizeMB <= 0 {
			errs = append(errs, errors.New("storage.max_file_size_mb must be positive"))
		}
		if c.Storage.URLTTL <= 0 {
			errs = append(errs, errors.New("storage.url_ttl must be positive"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func validProxy(raw string) bool {
	raw = strings.TrimSpace(raw)
	if _, _, err := net.ParseCIDR(raw); err == nil {
		return true
	}
	return net.ParseIP(raw) != nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// ConfigDir returns the XDG-compliant config directory for the app.
func ConfigDir() string {
	return gfconfig.GetAppConfigDir(AppName)
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := ConfigDir()
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}

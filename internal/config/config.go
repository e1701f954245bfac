package config

import "time"

// Config represents the complete application configuration. Values are
// layered by viper: defaults, then the config file, then CLOUDBRIDGE_*
// environment variables, then flags.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	RPC       RPCConfig       `mapstructure:"rpc" yaml:"rpc"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Admin     AdminConfig     `mapstructure:"admin" yaml:"admin"`
	Updates   UpdatesConfig   `mapstructure:"updates" yaml:"updates"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// TrustedProxies lists proxy addresses or CIDR blocks whose forwarding
	// headers are believed. Empty means the connection address is the ip.
	TrustedProxies []string `mapstructure:"trusted_proxies" yaml:"trusted_proxies"`

	// CallerToken is the shared secret callers present with their
	// X-Identifier-* headers. `cloudbridge call` sends it too.
	CallerToken string `mapstructure:"caller_token" yaml:"caller_token"`

	// ReplyToHosts are reply-to hosts allowed besides the caller's own
	// address.
	ReplyToHosts []string `mapstructure:"reply_to_hosts" yaml:"reply_to_hosts"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver" yaml:"driver"`
	Path      string `mapstructure:"path" yaml:"path"`
	URL       string `mapstructure:"url" yaml:"url"`
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token"`
}

// RPCConfig configures the caller side.
type RPCConfig struct {
	// Timeout is the default call deadline.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// SendTimeout bounds a single envelope post over HTTP.
	SendTimeout time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`

	// ServerURL is the handler-side base URL used by `cloudbridge call`.
	ServerURL string `mapstructure:"server_url" yaml:"server_url"`

	// ListenAddr is where `cloudbridge call` receives responses.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// RateLimitConfig configures the handler-side rate limiter.
type RateLimitConfig struct {
	Enabled             bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxRequests         int           `mapstructure:"max_requests" yaml:"max_requests"`
	Window              time.Duration `mapstructure:"window" yaml:"window"`
	IdentifierExtractor string        `mapstructure:"identifier_extractor" yaml:"identifier_extractor"`
}

// StorageConfig configures the signed upload endpoint.
type StorageConfig struct {
	EnableClientUploads bool                `mapstructure:"enable_client_uploads" yaml:"enable_client_uploads"`
	AllowedFileTypes    []string            `mapstructure:"allowed_file_types" yaml:"allowed_file_types"`
	MaxFileSizeMB       int                 `mapstructure:"max_file_size_mb" yaml:"max_file_size_mb"`
	BaseURL             string              `mapstructure:"base_url" yaml:"base_url"`
	SigningSecret       string              `mapstructure:"signing_secret" yaml:"signing_secret"`
	URLTTL              time.Duration       `mapstructure:"url_ttl" yaml:"url_ttl"`
	MetadataAttachments MetadataAttachments `mapstructure:"metadata_attachments" yaml:"metadata_attachments"`
}

// MetadataAttachments controls which caller details are attached to upload
// metadata.
type MetadataAttachments struct {
	Player            bool     `mapstructure:"player" yaml:"player"`
	Resource          bool     `mapstructure:"resource" yaml:"resource"`
	MaskedIdentifiers []string `mapstructure:"masked_identifiers" yaml:"masked_identifiers"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED, ENTERPRISE
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// AdminConfig guards the admin endpoints. An empty token disables them.
type AdminConfig struct {
	Token string `mapstructure:"token" yaml:"token"`
}

// UpdatesConfig controls the release check.
type UpdatesConfig struct {
	// CheckOnStart runs the check in the background when serve starts.
	CheckOnStart bool          `mapstructure:"check_on_start" yaml:"check_on_start"`
	ReleaseURL   string        `mapstructure:"release_url" yaml:"release_url"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Redacted returns a copy safe for display.
func (c Config) Redacted() Config {
	redact := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Store.AuthToken = redact(c.Store.AuthToken)
	c.Storage.SigningSecret = redact(c.Storage.SigningSecret)
	c.Admin.Token = redact(c.Admin.Token)
	c.Server.CallerToken = redact(c.Server.CallerToken)
	return c
}

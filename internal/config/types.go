package config

import "time"

// Config represents the complete hookrelay configuration.
//
// It is loaded once at startup and treated as read-only afterwards; the
// webhook server receives it by value and never writes to it.
type Config struct {
	Service ServiceConfig `yaml:"service"`

	// Listen is the address of the webhook listener.
	Listen string `yaml:"listen"`

	// Secret is the shared HMAC key configured on the hook.
	Secret string `yaml:"secret"`

	// SignatureHeader carries the hex HMAC-SHA256 of the body.
	SignatureHeader string `yaml:"signature_header"`

	// MaxBodySize accepts plain byte counts or KB/MB/GB suffixes.
	MaxBodySize string `yaml:"max_body_size"`

	// RateLimitPerMin caps requests per client IP; a negative value disables the limiter.
	RateLimitPerMin int `yaml:"rate_limit_per_min"`

	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP. Only set it when a trusted reverse proxy overwrites them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`

	// Channels maps the request path segment to a Matrix room ID or alias.
	// The empty key serves POST /.
	Channels map[string]string `yaml:"channels"`

	TLS    TLSConfig    `yaml:"tls"`
	Matrix MatrixConfig `yaml:"matrix"`

	Include []string `yaml:"include,omitempty"`

	// SourceFiles lists every file that contributed to this config, root first.
	SourceFiles []string `yaml:"-"`

	// MaxBodyBytes is MaxBodySize after parsing.
	MaxBodyBytes int64 `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// PIDFile, when set, holds an exclusive lock for the lifetime of the
	// relay so two instances never share one config.
	PIDFile string `yaml:"pid_file,omitempty"`
}

// TLSConfig enables HTTPS on the listener, either from files or Let's Encrypt.
type TLSConfig struct {
	CertFile    string   `yaml:"cert_file,omitempty"`
	KeyFile     string   `yaml:"key_file,omitempty"`
	LetsEncrypt bool     `yaml:"letsencrypt"`
	Domains     []string `yaml:"domains,omitempty"`
	CacheDir    string   `yaml:"cache_dir,omitempty"`
	Email       string   `yaml:"email,omitempty"`
}

// Enabled reports whether the listener should serve HTTPS.
func (t TLSConfig) Enabled() bool {
	return t.LetsEncrypt || (t.CertFile != "" && t.KeyFile != "")
}

// MatrixConfig is the connection descriptor for the chat backend.
type MatrixConfig struct {
	Homeserver string `yaml:"homeserver"`
	User       string `yaml:"user"`
	Password   string `yaml:"password,omitempty"`

	// AccessToken skips the password login when set.
	AccessToken string `yaml:"access_token,omitempty"`
	DeviceID    string `yaml:"device_id,omitempty"`

	// PlainText disables the HTML formatted_body on sent messages.
	PlainText bool `yaml:"plain_text"`

	// Timeout bounds one homeserver request.
	Timeout time.Duration `yaml:"timeout"`

	// DeliveryTimeout bounds a whole delivery, login retries included.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`

	JoinCacheTTL time.Duration `yaml:"join_cache_ttl"`
}

// Default values
const (
	DefaultListen          = ":5000"
	DefaultSignatureHeader = "X-Gogs-Signature"
	DefaultMaxBodySize     = 1048576 // 1 MB
	DefaultRateLimitPerMin = 120
	DefaultDeliveryTimeout = 30 * time.Second
)

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "hookrelay",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Listen:          DefaultListen,
		SignatureHeader: DefaultSignatureHeader,
		MaxBodyBytes:    DefaultMaxBodySize,
		RateLimitPerMin: DefaultRateLimitPerMin,
		Channels:        make(map[string]string),
		TLS: TLSConfig{
			CacheDir: "./.letsencrypt",
		},
		Matrix: MatrixConfig{
			DeviceID:     "hookrelay",
			Timeout:         10 * time.Second,
			DeliveryTimeout: DefaultDeliveryTimeout,
			JoinCacheTTL:    time.Hour,
		},
	}
}

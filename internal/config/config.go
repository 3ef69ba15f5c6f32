// Package config provides YAML configuration loading with validation and
// environment variable substitution for the breaker daemon.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dmwalsh/breakerkit/internal/breaker"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server   ServerConfig             `yaml:"server" json:"server"`
	Metrics  MetricsConfig            `yaml:"metrics" json:"metrics"`
	Logging  LoggingConfig            `yaml:"logging" json:"logging"`
	Auth     AuthConfig               `yaml:"auth" json:"auth"`
	Admin    AdminConfig              `yaml:"admin" json:"admin"`
	Defaults BreakerConfig            `yaml:"defaults" json:"defaults"`
	Services map[string]ServiceConfig `yaml:"services" json:"services"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// TLSConfig holds the certificate pair for serving HTTPS. Leaving both
// fields empty runs the server over plain HTTP.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
}

// Enabled reports whether a certificate pair is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != ""
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log output and rotation settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`           // "stdout", "stderr", or file path; default: "stdout"
	Level      string `yaml:"level" json:"level"`             // "debug", "info", "warn", "error"; default: "info"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"` // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // number of rotated files to keep; default: 3
}

// AuthConfig holds JWT settings for the admin API's mutating endpoints.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string `yaml:"issuer" json:"issuer"`
	Audience  string `yaml:"audience" json:"audience"`
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled           bool     `yaml:"enabled" json:"enabled"`                       // default: false
	IPAllowlist       []string `yaml:"ip_allowlist" json:"ip_allowlist"`             // CIDR notation
	RequestsPerSecond float64  `yaml:"requests_per_second" json:"requests_per_second"` // per-client limit; default: 10
	BurstSize         int      `yaml:"burst_size" json:"burst_size"`                 // default: 20
}

// BreakerConfig holds circuit breaker settings, either as daemon-wide
// defaults or as a per-service override.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	MaxConcurrent    int           `yaml:"max_concurrent" json:"max_concurrent"`
	Backoff          BackoffConfig `yaml:"backoff" json:"backoff"`
	Retry            RetryConfig   `yaml:"retry" json:"retry"`
}

// BackoffConfig holds retry delay settings.
type BackoffConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier float64       `yaml:"multiplier" json:"multiplier"`
	Jitter     *bool         `yaml:"jitter" json:"jitter"` // default: true
}

// RetryConfig holds retry count and classification settings.
type RetryConfig struct {
	MaxRetries      int      `yaml:"max_retries" json:"max_retries"`
	RetryableErrors []string `yaml:"retryable_errors" json:"retryable_errors"` // error kind names
}

// ServiceConfig declares one probed upstream and its breaker override.
type ServiceConfig struct {
	Target   string         `yaml:"target" json:"target"`
	Interval time.Duration  `yaml:"interval" json:"interval"` // probe interval; default: 10s
	Breaker  *BreakerConfig `yaml:"breaker" json:"breaker,omitempty"`
}

// ToBreaker converts the YAML shape into the breaker package's config.
// Unset retryable kinds fall back to the library defaults.
func (b BreakerConfig) ToBreaker() (breaker.Config, error) {
	cfg := breaker.Config{
		FailureThreshold: b.FailureThreshold,
		RecoveryTimeout:  b.RecoveryTimeout,
		SuccessThreshold: b.SuccessThreshold,
		Timeout:          b.Timeout,
		MaxConcurrent:    b.MaxConcurrent,
		Backoff: breaker.BackoffConfig{
			BaseDelay:  b.Backoff.BaseDelay,
			MaxDelay:   b.Backoff.MaxDelay,
			Multiplier: b.Backoff.Multiplier,
			Jitter:     b.Backoff.Jitter == nil || *b.Backoff.Jitter,
		},
		Retry: breaker.RetryConfig{
			MaxRetries: b.Retry.MaxRetries,
		},
	}

	if len(b.Retry.RetryableErrors) == 0 {
		cfg.Retry.RetryableKinds = breaker.DefaultConfig().Retry.RetryableKinds
		return cfg, nil
	}
	for _, name := range b.Retry.RetryableErrors {
		kind, err := breaker.ParseKind(name)
		if err != nil {
			return breaker.Config{}, fmt.Errorf("retry.retryable_errors: %w", err)
		}
		cfg.Retry.RetryableKinds = append(cfg.Retry.RetryableKinds, kind)
	}
	return cfg, nil
}

// merged overlays the non-zero fields of the override onto the defaults.
func (b BreakerConfig) merged(override *BreakerConfig) BreakerConfig {
	if override == nil {
		return b
	}
	o := *override
	if o.FailureThreshold == 0 {
		o.FailureThreshold = b.FailureThreshold
	}
	if o.RecoveryTimeout == 0 {
		o.RecoveryTimeout = b.RecoveryTimeout
	}
	if o.SuccessThreshold == 0 {
		o.SuccessThreshold = b.SuccessThreshold
	}
	if o.Timeout == 0 {
		o.Timeout = b.Timeout
	}
	if o.MaxConcurrent == 0 {
		o.MaxConcurrent = b.MaxConcurrent
	}
	if o.Backoff.BaseDelay == 0 {
		o.Backoff.BaseDelay = b.Backoff.BaseDelay
	}
	if o.Backoff.MaxDelay == 0 {
		o.Backoff.MaxDelay = b.Backoff.MaxDelay
	}
	if o.Backoff.Multiplier == 0 {
		o.Backoff.Multiplier = b.Backoff.Multiplier
	}
	if o.Backoff.Jitter == nil {
		o.Backoff.Jitter = b.Backoff.Jitter
	}
	if o.Retry.MaxRetries == 0 {
		o.Retry.MaxRetries = b.Retry.MaxRetries
	}
	if len(o.Retry.RetryableErrors) == 0 {
		o.Retry.RetryableErrors = b.Retry.RetryableErrors
	}
	return o
}

// BreakerFor resolves the effective breaker config for the named service:
// the daemon defaults overlaid with the service's override, if any.
func (c *Config) BreakerFor(name string) (breaker.Config, error) {
	svc, ok := c.Services[name]
	if !ok {
		return c.Defaults.ToBreaker()
	}
	return c.Defaults.merged(svc.Breaker).ToBreaker()
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

// ValidLogLevels are the accepted logging.level strings.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}

	// Admin defaults
	if cfg.Admin.RequestsPerSecond == 0 {
		cfg.Admin.RequestsPerSecond = 10
	}
	if cfg.Admin.BurstSize == 0 {
		cfg.Admin.BurstSize = 20
	}

	// Breaker defaults: fall back to the library's own defaults so the
	// YAML shape and breaker.DefaultConfig never disagree.
	def := breaker.DefaultConfig()
	d := &cfg.Defaults
	if d.FailureThreshold == 0 {
		d.FailureThreshold = def.FailureThreshold
	}
	if d.RecoveryTimeout == 0 {
		d.RecoveryTimeout = def.RecoveryTimeout
	}
	if d.SuccessThreshold == 0 {
		d.SuccessThreshold = def.SuccessThreshold
	}
	if d.Timeout == 0 {
		d.Timeout = def.Timeout
	}
	if d.Backoff.BaseDelay == 0 {
		d.Backoff.BaseDelay = def.Backoff.BaseDelay
	}
	if d.Backoff.MaxDelay == 0 {
		d.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	if d.Backoff.Multiplier == 0 {
		d.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if d.Retry.MaxRetries == 0 {
		d.Retry.MaxRetries = def.Retry.MaxRetries
	}

	for name, svc := range cfg.Services {
		if svc.Interval == 0 {
			svc.Interval = 10 * time.Second
			cfg.Services[name] = svc
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Server.TLS.Enabled() {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls requires both cert_file and key_file")
		}
	}

	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
		if cfg.Admin.RequestsPerSecond <= 0 {
			return fmt.Errorf("admin.requests_per_second must be positive")
		}
		if cfg.Admin.BurstSize <= 0 {
			return fmt.Errorf("admin.burst_size must be positive")
		}
	}

	if err := validateBreaker("defaults", cfg.Defaults); err != nil {
		return err
	}
	if _, err := cfg.Defaults.ToBreaker(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}

	for name, svc := range cfg.Services {
		if svc.Target == "" {
			return fmt.Errorf("services.%s.target is required", name)
		}
		u, err := url.Parse(svc.Target)
		if err != nil {
			return fmt.Errorf("services.%s.target: invalid URL: %w", name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("services.%s.target: scheme must be http or https, got %q", name, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("services.%s.target: host is required", name)
		}
		if svc.Interval < 0 {
			return fmt.Errorf("services.%s.interval must be non-negative", name)
		}
		if svc.Breaker != nil {
			merged := cfg.Defaults.merged(svc.Breaker)
			if err := validateBreaker("services."+name+".breaker", merged); err != nil {
				return err
			}
			if _, err := merged.ToBreaker(); err != nil {
				return fmt.Errorf("services.%s.breaker: %w", name, err)
			}
		}
	}

	return nil
}

func validateBreaker(prefix string, b BreakerConfig) error {
	if b.FailureThreshold < 0 {
		return fmt.Errorf("%s.failure_threshold must be non-negative", prefix)
	}
	if b.RecoveryTimeout < 0 {
		return fmt.Errorf("%s.recovery_timeout must be non-negative", prefix)
	}
	if b.SuccessThreshold < 0 {
		return fmt.Errorf("%s.success_threshold must be non-negative", prefix)
	}
	if b.Timeout < 0 {
		return fmt.Errorf("%s.timeout must be non-negative", prefix)
	}
	if b.MaxConcurrent < 0 {
		return fmt.Errorf("%s.max_concurrent must be non-negative", prefix)
	}
	if b.Backoff.Multiplier != 0 && b.Backoff.Multiplier < 1 {
		return fmt.Errorf("%s.backoff.multiplier must be >= 1", prefix)
	}
	if b.Backoff.MaxDelay != 0 && b.Backoff.BaseDelay > b.Backoff.MaxDelay {
		return fmt.Errorf("%s.backoff.base_delay must not exceed max_delay", prefix)
	}
	if b.Retry.MaxRetries < 0 {
		return fmt.Errorf("%s.retry.max_retries must be non-negative", prefix)
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	if cfg.Admin.Enabled && !cfg.Auth.Enabled {
		warnings = append(warnings, "admin API is enabled without JWT auth; mutating endpoints are unauthenticated")
	}
	if len(cfg.Services) == 0 {
		warnings = append(warnings, "no services configured; only ad-hoc breakers will exist")
	}
	return warnings
}

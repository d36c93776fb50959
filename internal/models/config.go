// Package models - Service configuration and operational settings.
// This file defines the configuration structures for every service component.
//
// Configuration layout:
// - Server: HTTP listener and timeouts
// - RateLimit: per-scheme policies, store backend and response behaviour
// - Logging, Metrics, Observability: the operational surface
package models

import (
	"errors"
	"fmt"
	"time"

	"ratelimiter/internal/ratelimit"
)

// Store backend constants
const (
	StoreTypeMemory = "memory"
	StoreTypeRedis  = "redis"
)

// Config is the root configuration structure containing all service settings.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`               // HTTP server configuration
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`       // Admission control
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`             // Logging and output configuration
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`             // Monitoring and metrics
	Observability ObservabilityConfig `yaml:"observability" json:"observability"` // Tracing
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile  string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file" json:"tls_key_file"`
}

// RateLimitConfig holds the admission-control settings.
//
// IP applies to every request, Token to requests carrying the token header.
// TokenOverrides replaces the Token policy for specific token values.
type RateLimitConfig struct {
	IP                ratelimit.Policy            `yaml:"ip" json:"ip"`
	Token             ratelimit.Policy            `yaml:"token" json:"token"`
	TokenOverrides    map[string]ratelimit.Policy `yaml:"token_overrides" json:"token_overrides"`
	TokenHeader       string                      `yaml:"token_header" json:"token_header"`
	TrustProxyHeaders bool                        `yaml:"trust_proxy_headers" json:"trust_proxy_headers"`
	Headers           bool                        `yaml:"headers" json:"headers"`     // emit X-RateLimit-* on allowed responses
	FailMode          string                      `yaml:"fail_mode" json:"fail_mode"` // open or closed
	Store             string                      `yaml:"store" json:"store"`         // memory or redis
	CleanupInterval   time.Duration               `yaml:"cleanup_interval" json:"cleanup_interval"`
	Retention         int                         `yaml:"retention" json:"retention"` // windows kept before sweep
	Redis             RedisConfig                 `yaml:"redis" json:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"` // stdout or otlp
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
}

// NewDefaultConfig creates a configuration with defaults that run without
// any external dependency: in-memory counters, 5 req/s per IP and 10 req/s
// per token, fail-open.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			IP:                ratelimit.Policy{MaxRequests: 5, Window: time.Second},
			Token:             ratelimit.Policy{MaxRequests: 10, Window: time.Second},
			TokenOverrides:    make(map[string]ratelimit.Policy),
			TokenHeader:       ratelimit.DefaultTokenHeader,
			TrustProxyHeaders: true,
			FailMode:          string(ratelimit.FailOpen),
			Store:             StoreTypeMemory,
			CleanupInterval:   ratelimit.DefaultCleanupInterval,
			Retention:         ratelimit.DefaultRetention,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
				Prefix:   ratelimit.DefaultRedisPrefix,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "ratelimiter",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}
	// The metrics listener is separate from the rate limited router.
	if c.Metrics.Enabled && c.Metrics.Port == c.Server.Port {
		return fmt.Errorf("invalid metrics config: port %d is already used by the server", c.Metrics.Port)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 {
		return errors.New("read timeout cannot be negative")
	}

	if sc.WriteTimeout < 0 {
		return errors.New("write timeout cannot be negative")
	}

	if sc.IdleTimeout < 0 {
		return errors.New("idle timeout cannot be negative")
	}

	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}

	return nil
}

func (rc *RateLimitConfig) Validate() error {
	if err := rc.IP.Validate(); err != nil {
		return fmt.Errorf("ip policy: %w", err)
	}

	if err := rc.Token.Validate(); err != nil {
		return fmt.Errorf("token policy: %w", err)
	}

	for token, policy := range rc.TokenOverrides {
		if token == "" {
			return errors.New("token override cannot have an empty token")
		}
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("token override %q: %w", token, err)
		}
	}

	if rc.TokenHeader == "" {
		return errors.New("token header cannot be empty")
	}

	if _, err := ratelimit.ParseFailMode(rc.FailMode); err != nil {
		return err
	}

	switch rc.Store {
	case StoreTypeMemory:
	case StoreTypeRedis:
		if rc.Redis.Addr == "" {
			return errors.New("Redis address is required when store is redis")
		}
	default:
		return fmt.Errorf("invalid store type: %s", rc.Store)
	}

	if rc.CleanupInterval < 0 {
		return errors.New("cleanup interval cannot be negative")
	}

	if rc.Retention < 1 {
		return errors.New("retention must be at least 1 window")
	}

	return nil
}

func (lc *LoggingConfig) Validate() error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, lc.Level) {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, lc.Format) {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	validOutputs := []string{"stdout", "stderr", "file"}
	if !contains(validOutputs, lc.Output) {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if !oc.Tracing.Enabled {
		return nil
	}

	if oc.Tracing.Exporter != "stdout" && oc.Tracing.Exporter != "otlp" {
		return fmt.Errorf("invalid tracing exporter: %s", oc.Tracing.Exporter)
	}

	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("tracing sample rate must be between 0 and 1")
	}

	if oc.Tracing.Exporter == "otlp" && oc.Tracing.OTLPEndpoint == "" {
		return errors.New("OTLP endpoint is required when tracing exporter is otlp")
	}

	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

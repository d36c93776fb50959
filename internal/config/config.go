package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ratelimiter/internal/models"
	"ratelimiter/internal/ratelimit"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix = "RATELIMITER_"

	// tokenEnvPrefix declares a per-token policy:
	// API_KEY_<TOKEN>=<limit>,<block seconds>[,<window>].
	tokenEnvPrefix = "API_KEY_"

	// defaultTokenEnvWindow is the window of an API_KEY_ policy that names none.
	defaultTokenEnvWindow = time.Second
)

// Load loads configuration from file, .env and environment variables
func Load(configPath string) (*models.Config, error) {
	// Start with default configuration
	config := models.NewDefaultConfig()

	// Load from file if provided and exists
	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// A missing .env file is not an error; a malformed one is.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	// Override with environment variables
	if err := loadFromEnvironment(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	// Validate the final configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// unsupportedConfig mirrors keys operators commonly carry over from other
// rate limiters that this service ignores.
type unsupportedConfig struct {
	RateLimit struct {
		BlockDuration interface{} `yaml:"block_duration"`
		BurstSize     interface{} `yaml:"burst_size"`
	} `yaml:"rate_limit"`
}

// warnUnsupportedKeys logs a warning for each ignored key found in the YAML data.
func warnUnsupportedKeys(data []byte) {
	var unsupported unsupportedConfig
	if err := yaml.Unmarshal(data, &unsupported); err != nil {
		return
	}
	if unsupported.RateLimit.BlockDuration != nil {
		slog.Warn("Config key is not supported; set block_duration on rate_limit.ip or rate_limit.token instead.", "config_key", "rate_limit.block_duration")
	}
	if unsupported.RateLimit.BurstSize != nil {
		slog.Warn("Config key is not supported; limits are fixed windows, use max_requests and window.", "config_key", "rate_limit.burst_size")
	}
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(config *models.Config, filePath string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	warnUnsupportedKeys(data)
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// loadLegacyEnvironment reads the unprefixed variable names kept for
// compatibility. RATELIMITER_* variables override them.
func loadLegacyEnvironment(config *models.Config) {
	rl := &config.RateLimit
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		rl.Redis.Addr = v
	}
	if v := os.Getenv("DEFAULT_RATE_LIMIT_IP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rl.IP.MaxRequests = n
		}
	}
	if v := os.Getenv("DEFAULT_BLOCK_DURATION_SECONDS"); v != "" {
		if d, err := parseWindow(v); err == nil {
			rl.IP.BlockDuration = d
		}
	}
}

// loadFromEnvironment loads configuration from environment variables.
// Unparseable scalar values are ignored; a malformed token policy is an error.
func loadFromEnvironment(config *models.Config) error {
	loadLegacyEnvironment(config)

	// Server configuration
	envInt("PORT", &config.Server.Port)
	envString("HOST", &config.Server.Host)
	envDuration("READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envBool("TLS_ENABLED", &config.Server.TLSEnabled)
	envString("TLS_CERT_FILE", &config.Server.TLSCertFile)
	envString("TLS_KEY_FILE", &config.Server.TLSKeyFile)

	// Rate limit configuration
	rl := &config.RateLimit
	envInt("IP_MAX_REQUESTS", &rl.IP.MaxRequests)
	envWindow("IP_WINDOW", &rl.IP.Window)
	envWindow("IP_BLOCK_DURATION", &rl.IP.BlockDuration)
	envInt("TOKEN_MAX_REQUESTS", &rl.Token.MaxRequests)
	envWindow("TOKEN_WINDOW", &rl.Token.Window)
	envWindow("TOKEN_BLOCK_DURATION", &rl.Token.BlockDuration)
	envString("TOKEN_HEADER", &rl.TokenHeader)
	envBool("TRUST_PROXY_HEADERS", &rl.TrustProxyHeaders)
	envBool("RATE_LIMIT_HEADERS", &rl.Headers)
	envString("FAIL_MODE", &rl.FailMode)
	envString("STORE", &rl.Store)
	envDuration("CLEANUP_INTERVAL", &rl.CleanupInterval)
	envInt("RETENTION", &rl.Retention)

	// Redis configuration
	envString("REDIS_ADDR", &rl.Redis.Addr)
	envString("REDIS_PASSWORD", &rl.Redis.Password)
	envInt("REDIS_DB", &rl.Redis.DB)
	envInt("REDIS_POOL_SIZE", &rl.Redis.PoolSize)
	envString("REDIS_PREFIX", &rl.Redis.Prefix)

	// Logging configuration
	envString("LOG_LEVEL", &config.Logging.Level)
	envString("LOG_FORMAT", &config.Logging.Format)
	envString("LOG_OUTPUT", &config.Logging.Output)
	envString("LOG_FILE_PATH", &config.Logging.FilePath)

	// Metrics configuration
	envBool("METRICS_ENABLED", &config.Metrics.Enabled)
	envString("METRICS_PATH", &config.Metrics.Path)
	envInt("METRICS_PORT", &config.Metrics.Port)

	// Observability configuration
	envString("SERVICE_NAME", &config.Observability.ServiceName)
	envBool("TRACING_ENABLED", &config.Observability.Tracing.Enabled)
	envString("TRACING_EXPORTER", &config.Observability.Tracing.Exporter)
	envString("OTLP_ENDPOINT", &config.Observability.Tracing.OTLPEndpoint)
	if rate := os.Getenv(envPrefix + "TRACING_SAMPLE_RATE"); rate != "" {
		if r, err := strconv.ParseFloat(rate, 64); err == nil {
			config.Observability.Tracing.SampleRate = r
		}
	}

	return loadTokenOverrides(config)
}

// loadTokenOverrides reads every API_KEY_<TOKEN>=<limit>,<block>[,<window>]
// variable. Block and window are Go durations or whole seconds; the window
// defaults to one second.
func loadTokenOverrides(config *models.Config) error {
	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, tokenEnvPrefix) {
			continue
		}
		token := strings.TrimPrefix(name, tokenEnvPrefix)
		if token == "" {
			continue
		}

		policy, err := parseTokenPolicy(value)
		if err != nil {
			return fmt.Errorf("invalid format for %s (expected LIMIT,BLOCK_SECONDS[,WINDOW]): %w", name, err)
		}
		if config.RateLimit.TokenOverrides == nil {
			config.RateLimit.TokenOverrides = make(map[string]ratelimit.Policy)
		}
		config.RateLimit.TokenOverrides[token] = policy
	}
	return nil
}

func parseTokenPolicy(value string) (ratelimit.Policy, error) {
	parts := strings.Split(value, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return ratelimit.Policy{}, fmt.Errorf("expected 2 or 3 fields in %q", value)
	}

	limit, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return ratelimit.Policy{}, fmt.Errorf("limit: %w", err)
	}

	block, err := parseWindow(strings.TrimSpace(parts[1]))
	if err != nil {
		return ratelimit.Policy{}, fmt.Errorf("block duration: %w", err)
	}

	window := defaultTokenEnvWindow
	if len(parts) == 3 {
		if window, err = parseWindow(strings.TrimSpace(parts[2])); err != nil {
			return ratelimit.Policy{}, fmt.Errorf("window: %w", err)
		}
	}

	return ratelimit.Policy{MaxRequests: limit, Window: window, BlockDuration: block}, nil
}

// parseWindow accepts "1s"-style durations and bare integer seconds.
func parseWindow(s string) (time.Duration, error) {
	if seconds, err := strconv.Atoi(s); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func envString(name string, dst *string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = strings.ToLower(v) == "true"
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envWindow(name string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if d, err := parseWindow(v); err == nil {
			*dst = d
		}
	}
}

// SaveExample saves an example configuration file
func SaveExample(filePath string) error {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()

	// Example per-token override and Redis backend settings
	config.RateLimit.TokenOverrides["your-premium-token"] = ratelimit.Policy{MaxRequests: 100, Window: time.Second}
	config.RateLimit.Redis.Password = "change-me"

	// Example TLS configuration
	config.Server.TLSEnabled = false
	config.Server.TLSCertFile = "/path/to/cert.pem"
	config.Server.TLSKeyFile = "/path/to/key.pem"

	// Marshal to YAML
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// Write to file
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

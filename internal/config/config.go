// Package config provides configuration loading and validation for the
// device agent. It uses koanf to merge environment variables with
// optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the device agent.
type Config struct {
	// Agent settings
	StatusPort int    `koanf:"status_port"`
	Env        string `koanf:"env"`
	DataDir    string `koanf:"data_dir"`
	DeviceID   string `koanf:"device_id"`

	// Secrets
	RootSecret        string `koanf:"root_secret"`
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"`

	// Remote authority
	RemoteBaseURL    string `koanf:"remote_base_url"`
	RemoteTimeoutSec int    `koanf:"remote_timeout_sec"`

	// Sync tuning
	SyncBatchSize      int     `koanf:"sync_batch_size"`
	SyncBaseDelayMS    int     `koanf:"sync_base_delay_ms"`
	SyncMaxDelayMS     int     `koanf:"sync_max_delay_ms"`
	SyncJitterFactor   float64 `koanf:"sync_jitter_factor"`
	NetworkDebounceMS  int     `koanf:"network_debounce_ms"`
	ProbeIntervalSec   int     `koanf:"probe_interval_sec"`
	LogoutTimeoutSec   int     `koanf:"logout_timeout_sec"`

	// Cache tuning
	CacheMaxBytes      int `koanf:"cache_max_bytes"`
	CacheDefaultTTLSec int `koanf:"cache_default_ttl_sec"`

	// Tracing
	TracingEnabled bool   `koanf:"tracing_enabled"`
	OTLPEndpoint   string `koanf:"otlp_endpoint"`
	OTLPProtocol   string `koanf:"otlp_protocol"` // "grpc" or "http"
}

// Configuration validation errors.
var (
	ErrMissingRootSecret    = errors.New("ROOT_SECRET is required")
	ErrRootSecretTooShort   = errors.New("ROOT_SECRET must be at least 32 bytes")
	ErrMissingJWTSecret     = errors.New("JWT_SECRET is required")
	ErrMissingRemoteBaseURL = errors.New("REMOTE_BASE_URL is required")
	ErrInvalidInteger       = errors.New("value must be a valid integer")
	ErrInvalidOTLPProtocol  = errors.New("OTLP_PROTOCOL must be \"grpc\" or \"http\"")
)

// Default values for non-secret configuration.
const (
	DefaultStatusPort         = 8087
	DefaultEnv                = "development"
	DefaultDataDir            = "./data"
	DefaultRemoteTimeoutSec   = 15
	DefaultSyncBatchSize      = 25
	DefaultSyncBaseDelayMS    = 1000
	DefaultSyncMaxDelayMS     = 120000
	DefaultSyncJitterFactor   = 0.3
	DefaultNetworkDebounceMS  = 2000
	DefaultProbeIntervalSec   = 15
	DefaultLogoutTimeoutSec   = 5
	DefaultCacheMaxBytes      = 64 << 20 // 64 MiB
	DefaultCacheDefaultTTLSec = 300
	DefaultOTLPProtocol       = "grpc"
)

// Load reads configuration from environment variables and an optional
// config file. Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if
// valid). If a config file path is provided and the file cannot be
// loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	port, portErr := getEnvIntOrDefault("CHARTSYNC_STATUS_PORT", k.Int("status_port"), DefaultStatusPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	remoteTimeout, err := getEnvIntOrDefault("CHARTSYNC_REMOTE_TIMEOUT_SEC", k.Int("remote_timeout_sec"), DefaultRemoteTimeoutSec)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	batchSize, err := getEnvIntOrDefault("CHARTSYNC_SYNC_BATCH_SIZE", k.Int("sync_batch_size"), DefaultSyncBatchSize)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	baseDelay, err := getEnvIntOrDefault("CHARTSYNC_SYNC_BASE_DELAY_MS", k.Int("sync_base_delay_ms"), DefaultSyncBaseDelayMS)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	maxDelay, err := getEnvIntOrDefault("CHARTSYNC_SYNC_MAX_DELAY_MS", k.Int("sync_max_delay_ms"), DefaultSyncMaxDelayMS)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	jitter, err := getEnvFloatOrDefault("CHARTSYNC_SYNC_JITTER_FACTOR", k.Float64("sync_jitter_factor"), DefaultSyncJitterFactor)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	debounce, err := getEnvIntOrDefault("CHARTSYNC_NETWORK_DEBOUNCE_MS", k.Int("network_debounce_ms"), DefaultNetworkDebounceMS)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	probeInterval, err := getEnvIntOrDefault("CHARTSYNC_PROBE_INTERVAL_SEC", k.Int("probe_interval_sec"), DefaultProbeIntervalSec)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	logoutTimeout, err := getEnvIntOrDefault("CHARTSYNC_LOGOUT_TIMEOUT_SEC", k.Int("logout_timeout_sec"), DefaultLogoutTimeoutSec)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	cacheMax, err := getEnvIntOrDefault("CHARTSYNC_CACHE_MAX_BYTES", k.Int("cache_max_bytes"), DefaultCacheMaxBytes)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	cacheTTL, err := getEnvIntOrDefault("CHARTSYNC_CACHE_DEFAULT_TTL_SEC", k.Int("cache_default_ttl_sec"), DefaultCacheDefaultTTLSec)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	tracingEnabled := k.Bool("tracing_enabled")
	if val := os.Getenv("CHARTSYNC_TRACING_ENABLED"); val != "" {
		// Env var takes precedence over file config
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			tracingEnabled = true
		case "false", "0", "no", "off":
			tracingEnabled = false
		}
	}

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		StatusPort:         port,
		Env:                getEnvOrDefaultMulti([]string{"CHARTSYNC_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DataDir:            getEnvOrDefault("CHARTSYNC_DATA_DIR", k.String("data_dir"), DefaultDataDir),
		DeviceID:           getEnvOrDefault("CHARTSYNC_DEVICE_ID", k.String("device_id"), defaultDeviceID()),
		RootSecret:         getEnvOrKoanf("CHARTSYNC_ROOT_SECRET", k, "root_secret"),
		JWTSecret:          getEnvOrKoanf("CHARTSYNC_JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret:  getEnvOrKoanf("CHARTSYNC_JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),
		RemoteBaseURL:      getEnvOrKoanf("CHARTSYNC_REMOTE_BASE_URL", k, "remote_base_url"),
		RemoteTimeoutSec:   remoteTimeout,
		SyncBatchSize:      batchSize,
		SyncBaseDelayMS:    baseDelay,
		SyncMaxDelayMS:     maxDelay,
		SyncJitterFactor:   jitter,
		NetworkDebounceMS:  debounce,
		ProbeIntervalSec:   probeInterval,
		LogoutTimeoutSec:   logoutTimeout,
		CacheMaxBytes:      cacheMax,
		CacheDefaultTTLSec: cacheTTL,
		TracingEnabled:     tracingEnabled,
		OTLPEndpoint:       getEnvOrKoanf("CHARTSYNC_OTLP_ENDPOINT", k, "otlp_endpoint"),
		OTLPProtocol:       getEnvOrDefault("CHARTSYNC_OTLP_PROTOCOL", k.String("otlp_protocol"), DefaultOTLPProtocol),
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.RootSecret == "" {
		errs = append(errs, ErrMissingRootSecret)
	} else if len(c.RootSecret) < 32 {
		errs = append(errs, ErrRootSecretTooShort)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.RemoteBaseURL == "" {
		errs = append(errs, ErrMissingRemoteBaseURL)
	}
	if c.OTLPProtocol != "grpc" && c.OTLPProtocol != "http" {
		errs = append(errs, ErrInvalidOTLPProtocol)
	}
	return errs
}

// RemoteTimeout returns the remote client timeout as a duration.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.RemoteTimeoutSec) * time.Second
}

// SyncBaseDelay returns the sync base delay as a duration.
func (c *Config) SyncBaseDelay() time.Duration {
	return time.Duration(c.SyncBaseDelayMS) * time.Millisecond
}

// SyncMaxDelay returns the sync max delay as a duration.
func (c *Config) SyncMaxDelay() time.Duration {
	return time.Duration(c.SyncMaxDelayMS) * time.Millisecond
}

// NetworkDebounce returns the connectivity debounce window as a duration.
func (c *Config) NetworkDebounce() time.Duration {
	return time.Duration(c.NetworkDebounceMS) * time.Millisecond
}

// ProbeInterval returns the reachability probe interval as a duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSec) * time.Second
}

// LogoutTimeout returns the logout drain timeout as a duration.
func (c *Config) LogoutTimeout() time.Duration {
	return time.Duration(c.LogoutTimeoutSec) * time.Second
}

// CacheDefaultTTL returns the default cache entry TTL as a duration.
func (c *Config) CacheDefaultTTL() time.Duration {
	return time.Duration(c.CacheDefaultTTLSec) * time.Second
}

// IsProduction returns whether the agent runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// defaultDeviceID falls back to the hostname when no device ID is
// provisioned.
func defaultDeviceID() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown-device"
	}
	return host
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidInteger)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as a float.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

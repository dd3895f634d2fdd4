// Package config loads CyberNexus configuration from an optional .env file
// overlaid with process environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Defaults for tunables that have no environment override set.
const (
	DefaultBackendHost        = "0.0.0.0"
	DefaultBackendPort        = 3000
	DefaultDataPath           = "/var/lib/cybernexus"
	DefaultWorkersPerCap      = 4
	DefaultTenantInFlightCap  = 8
	DefaultMaxRetries         = 3
	DefaultQueueSoftLimit     = 1000
	DefaultQueueHardLimit     = 10000
	DefaultExecutionTimeout   = 30 * time.Minute
	DefaultRetryBackoffBase   = 2 * time.Second
	DefaultRateLimitIP        = 100
	DefaultRateLimitEndpoint  = 60
	DefaultNetworkLogTTLDays  = 30
	DefaultMaxBodySize        = 1 << 20 // 1 MiB
	DefaultMisfireGrace       = 300 * time.Second
	DefaultTunnelConfidence   = "high"
	DefaultDarkwebDiscoveryTO = 120 * time.Second
	DefaultDarkwebCrawlTO     = 600 * time.Second
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	BackendHost string
	BackendPort int
	DataPath    string

	// Store settings
	DatabaseURL string

	// Logging settings
	LogLevel  string
	LogFormat string

	// Orchestrator settings
	WorkersPerCapability int
	DarkwebMaxWorkers    int
	TenantInFlightCap    int
	MaxRetries           int
	QueueSoftLimit       int
	QueueHardLimit       int
	ExecutionTimeout     time.Duration
	RetryBackoffBase     time.Duration

	// Executor phase timeouts forwarded into dark-web job config
	DarkwebDiscoveryTimeout time.Duration
	DarkwebCrawlTimeout     time.Duration

	// Network gatekeeping settings
	RateLimitIP               int
	RateLimitEndpoint         int
	NetworkLogTTLDays         int
	EnableBlocking            bool
	EnableLogging             bool
	EnableTunnelDetection     bool
	TunnelConfidenceThreshold string
	MaxBodySize               int64

	// Scheduler settings
	MisfireGrace time.Duration

	// Demo / simulation mode
	MockMode bool

	// ConfigPath is where the .env file was read from, for the watcher.
	ConfigPath string
}

// Load reads the optional .env file, then the process environment.
func Load() (*Config, error) {
	envPath := envFilePath()
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", envPath).Msg("Failed to load .env file")
		}
	}

	cfg := &Config{
		BackendHost:               DefaultBackendHost,
		BackendPort:               DefaultBackendPort,
		DataPath:                  DefaultDataPath,
		LogLevel:                  "info",
		LogFormat:                 "auto",
		WorkersPerCapability:      DefaultWorkersPerCap,
		DarkwebMaxWorkers:         DefaultWorkersPerCap,
		TenantInFlightCap:         DefaultTenantInFlightCap,
		MaxRetries:                DefaultMaxRetries,
		QueueSoftLimit:            DefaultQueueSoftLimit,
		QueueHardLimit:            DefaultQueueHardLimit,
		ExecutionTimeout:          DefaultExecutionTimeout,
		RetryBackoffBase:          DefaultRetryBackoffBase,
		DarkwebDiscoveryTimeout:   DefaultDarkwebDiscoveryTO,
		DarkwebCrawlTimeout:       DefaultDarkwebCrawlTO,
		RateLimitIP:               DefaultRateLimitIP,
		RateLimitEndpoint:         DefaultRateLimitEndpoint,
		NetworkLogTTLDays:         DefaultNetworkLogTTLDays,
		EnableBlocking:            true,
		EnableLogging:             true,
		EnableTunnelDetection:     true,
		TunnelConfidenceThreshold: DefaultTunnelConfidence,
		MaxBodySize:               DefaultMaxBodySize,
		MisfireGrace:              DefaultMisfireGrace,
		ConfigPath:                envPath,
	}

	cfg.applyEnv()

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = filepath.Join(cfg.DataPath, "cybernexus.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays recognised environment variables onto the config.
func (c *Config) applyEnv() {
	envString("BACKEND_HOST", &c.BackendHost)
	envInt("BACKEND_PORT", &c.BackendPort)
	envString("DATA_PATH", &c.DataPath)
	envString("DATABASE_URL", &c.DatabaseURL)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("LOG_FORMAT", &c.LogFormat)

	envInt("ORCH_WORKERS_PER_CAPABILITY", &c.WorkersPerCapability)
	envInt("DARKWEB_MAX_WORKERS", &c.DarkwebMaxWorkers)
	envInt("ORCH_TENANT_INFLIGHT_CAP", &c.TenantInFlightCap)
	envInt("ORCH_MAX_RETRIES", &c.MaxRetries)
	envInt("ORCH_QUEUE_SOFT_LIMIT", &c.QueueSoftLimit)
	envInt("ORCH_QUEUE_HARD_LIMIT", &c.QueueHardLimit)
	envDuration("ORCH_EXECUTION_TIMEOUT", &c.ExecutionTimeout)
	envDuration("ORCH_RETRY_BACKOFF_BASE", &c.RetryBackoffBase)
	envDuration("DARKWEB_DISCOVERY_TIMEOUT", &c.DarkwebDiscoveryTimeout)
	envDuration("DARKWEB_CRAWL_TIMEOUT", &c.DarkwebCrawlTimeout)

	envInt("NETWORK_RATE_LIMIT_IP", &c.RateLimitIP)
	envInt("NETWORK_RATE_LIMIT_ENDPOINT", &c.RateLimitEndpoint)
	envInt("NETWORK_LOG_TTL_DAYS", &c.NetworkLogTTLDays)
	envBool("NETWORK_ENABLE_BLOCKING", &c.EnableBlocking)
	envBool("NETWORK_ENABLE_LOGGING", &c.EnableLogging)
	envBool("NETWORK_ENABLE_TUNNEL_DETECTION", &c.EnableTunnelDetection)
	envString("NETWORK_TUNNEL_CONFIDENCE_THRESHOLD", &c.TunnelConfidenceThreshold)
	envInt64("NETWORK_MAX_BODY_SIZE", &c.MaxBodySize)

	envDuration("SCHEDULER_MISFIRE_GRACE", &c.MisfireGrace)
	envBool("CYBERNEXUS_MOCK_MODE", &c.MockMode)
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if c.BackendPort <= 0 || c.BackendPort > 65535 {
		return fmt.Errorf("invalid backend port %d", c.BackendPort)
	}
	if c.WorkersPerCapability < 1 {
		log.Warn().Int("workers", c.WorkersPerCapability).Msg("Worker count below minimum; using 1")
		c.WorkersPerCapability = 1
	}
	if c.DarkwebMaxWorkers < 1 {
		c.DarkwebMaxWorkers = 1
	}
	if c.TenantInFlightCap < 1 {
		return fmt.Errorf("tenant in-flight cap must be at least 1, got %d", c.TenantInFlightCap)
	}
	if c.QueueHardLimit < c.QueueSoftLimit {
		return fmt.Errorf("queue hard limit %d below soft limit %d", c.QueueHardLimit, c.QueueSoftLimit)
	}
	if c.NetworkLogTTLDays < 1 {
		return fmt.Errorf("network log TTL must be at least 1 day, got %d", c.NetworkLogTTLDays)
	}
	if c.MaxBodySize < 0 {
		return fmt.Errorf("negative max body size %d", c.MaxBodySize)
	}
	return nil
}

// envFilePath resolves where the .env file lives. CYBERNEXUS_CONFIG_DIR wins;
// otherwise the conventional /etc path is used when present, falling back to
// the working directory.
func envFilePath() string {
	if dir := strings.TrimSpace(os.Getenv("CYBERNEXUS_CONFIG_DIR")); dir != "" {
		return filepath.Join(dir, ".env")
	}
	etc := "/etc/cybernexus/.env"
	if _, err := os.Stat(etc); err == nil {
		return etc
	}
	return ".env"
}

func envString(key string, dst *string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = val
	}
}

func envInt(key string, dst *int) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		log.Warn().Str("key", key).Str("value", val).Msg("Ignoring unparseable integer env var")
		return
	}
	*dst = parsed
}

func envInt64(key string, dst *int64) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", val).Msg("Ignoring unparseable integer env var")
		return
	}
	*dst = parsed
}

func envBool(key string, dst *bool) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		log.Warn().Str("key", key).Str("value", val).Msg("Ignoring unparseable boolean env var")
		return
	}
	*dst = parsed
}

// envDuration accepts Go duration strings; bare integers are seconds, which
// keeps existing deployments that exported e.g. DARKWEB_CRAWL_TIMEOUT=600.
func envDuration(key string, dst *time.Duration) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return
	}
	if parsed, err := time.ParseDuration(val); err == nil {
		*dst = parsed
		return
	}
	if secs, err := strconv.Atoi(val); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	log.Warn().Str("key", key).Str("value", val).Msg("Ignoring unparseable duration env var")
}

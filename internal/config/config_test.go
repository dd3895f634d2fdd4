package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var recognisedKeys = []string{
	"BACKEND_HOST", "BACKEND_PORT", "DATA_PATH", "DATABASE_URL",
	"LOG_LEVEL", "LOG_FORMAT",
	"ORCH_WORKERS_PER_CAPABILITY", "DARKWEB_MAX_WORKERS",
	"ORCH_TENANT_INFLIGHT_CAP", "ORCH_MAX_RETRIES",
	"ORCH_QUEUE_SOFT_LIMIT", "ORCH_QUEUE_HARD_LIMIT",
	"ORCH_EXECUTION_TIMEOUT", "ORCH_RETRY_BACKOFF_BASE",
	"DARKWEB_DISCOVERY_TIMEOUT", "DARKWEB_CRAWL_TIMEOUT",
	"NETWORK_RATE_LIMIT_IP", "NETWORK_RATE_LIMIT_ENDPOINT",
	"NETWORK_LOG_TTL_DAYS", "NETWORK_ENABLE_BLOCKING",
	"NETWORK_ENABLE_LOGGING", "NETWORK_ENABLE_TUNNEL_DETECTION",
	"NETWORK_TUNNEL_CONFIDENCE_THRESHOLD", "NETWORK_MAX_BODY_SIZE",
	"SCHEDULER_MISFIRE_GRACE", "CYBERNEXUS_MOCK_MODE",
}

// isolate points the loader at a caller-prepared config dir and removes every
// recognised key from the environment for the duration of the test. The
// t.Setenv before os.Unsetenv registers the restore, which also undoes
// whatever godotenv.Load wrote into the process environment.
func isolate(t *testing.T, dir string) {
	t.Helper()
	for _, key := range recognisedKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("CYBERNEXUS_CONFIG_DIR", dir)
}

func TestLoadDefaults(t *testing.T) {
	isolate(t, t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendHost != DefaultBackendHost || cfg.BackendPort != DefaultBackendPort {
		t.Errorf("listen = %s:%d", cfg.BackendHost, cfg.BackendPort)
	}
	if cfg.WorkersPerCapability != DefaultWorkersPerCap {
		t.Errorf("workers = %d", cfg.WorkersPerCapability)
	}
	if cfg.ExecutionTimeout != DefaultExecutionTimeout {
		t.Errorf("execution timeout = %v", cfg.ExecutionTimeout)
	}
	if cfg.DatabaseURL != filepath.Join(DefaultDataPath, "cybernexus.db") {
		t.Errorf("database url = %s", cfg.DatabaseURL)
	}
	if !cfg.EnableBlocking || !cfg.EnableLogging || !cfg.EnableTunnelDetection {
		t.Error("network features should default on")
	}
	if cfg.MockMode {
		t.Error("mock mode should default off")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t, t.TempDir())
	t.Setenv("BACKEND_PORT", "8443")
	t.Setenv("ORCH_MAX_RETRIES", "5")
	t.Setenv("ORCH_EXECUTION_TIMEOUT", "90s")
	t.Setenv("DARKWEB_CRAWL_TIMEOUT", "600")        // bare integers are seconds
	t.Setenv("NETWORK_ENABLE_BLOCKING", "false")
	t.Setenv("NETWORK_MAX_BODY_SIZE", "2097152")
	t.Setenv("CYBERNEXUS_MOCK_MODE", "true")
	t.Setenv("DATABASE_URL", "/tmp/override.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendPort != 8443 {
		t.Errorf("port = %d", cfg.BackendPort)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("retries = %d", cfg.MaxRetries)
	}
	if cfg.ExecutionTimeout != 90*time.Second {
		t.Errorf("execution timeout = %v", cfg.ExecutionTimeout)
	}
	if cfg.DarkwebCrawlTimeout != 600*time.Second {
		t.Errorf("crawl timeout = %v", cfg.DarkwebCrawlTimeout)
	}
	if cfg.EnableBlocking {
		t.Error("blocking not disabled")
	}
	if cfg.MaxBodySize != 2<<20 {
		t.Errorf("max body size = %d", cfg.MaxBodySize)
	}
	if !cfg.MockMode {
		t.Error("mock mode not enabled")
	}
	if cfg.DatabaseURL != "/tmp/override.db" {
		t.Errorf("database url = %s", cfg.DatabaseURL)
	}
}

func TestLoadDotEnvFileProcessEnvWins(t *testing.T) {
	dir := t.TempDir()
	env := "BACKEND_PORT=3100\nNETWORK_RATE_LIMIT_IP=42\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	isolate(t, dir)
	t.Setenv("BACKEND_PORT", "3200")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendPort != 3200 {
		t.Errorf("port = %d, want process env to win over .env", cfg.BackendPort)
	}
	if cfg.RateLimitIP != 42 {
		t.Errorf("rate limit = %d, want 42 from .env", cfg.RateLimitIP)
	}
}

func TestLoadIgnoresUnparseableValues(t *testing.T) {
	isolate(t, t.TempDir())
	t.Setenv("BACKEND_PORT", "not-a-port")
	t.Setenv("NETWORK_ENABLE_BLOCKING", "maybe")
	t.Setenv("ORCH_EXECUTION_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendPort != DefaultBackendPort {
		t.Errorf("port = %d, want default kept", cfg.BackendPort)
	}
	if !cfg.EnableBlocking {
		t.Error("blocking default lost to unparseable value")
	}
	if cfg.ExecutionTimeout != DefaultExecutionTimeout {
		t.Errorf("timeout = %v, want default kept", cfg.ExecutionTimeout)
	}
}

func validConfig() *Config {
	return &Config{
		BackendPort:          3000,
		WorkersPerCapability: 4,
		DarkwebMaxWorkers:    4,
		TenantInFlightCap:    8,
		QueueSoftLimit:       100,
		QueueHardLimit:       1000,
		NetworkLogTTLDays:    30,
		MaxBodySize:          1 << 20,
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.BackendPort = 0 }},
		{"port too high", func(c *Config) { c.BackendPort = 70000 }},
		{"tenant cap zero", func(c *Config) { c.TenantInFlightCap = 0 }},
		{"hard limit below soft", func(c *Config) { c.QueueHardLimit = 10; c.QueueSoftLimit = 100 }},
		{"ttl zero", func(c *Config) { c.NetworkLogTTLDays = 0 }},
		{"negative body size", func(c *Config) { c.MaxBodySize = -1 }},
	}
	for _, tc := range cases {
		cfg := validConfig()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate accepted it", tc.name)
		}
	}

	if err := validConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestValidateClampsWorkerCounts(t *testing.T) {
	cfg := validConfig()
	cfg.WorkersPerCapability = 0
	cfg.DarkwebMaxWorkers = -3
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.WorkersPerCapability != 1 {
		t.Errorf("workers = %d, want clamped to 1", cfg.WorkersPerCapability)
	}
	if cfg.DarkwebMaxWorkers != 1 {
		t.Errorf("darkweb workers = %d, want clamped to 1", cfg.DarkwebMaxWorkers)
	}
}

func TestApplyNetworkSettingsLeavesBootValues(t *testing.T) {
	cfg := validConfig()
	cfg.RateLimitIP = 100
	cfg.EnableBlocking = true

	ns := NetworkSettingsOf(cfg)
	ns.RateLimitIP = 250
	ns.EnableBlocking = false

	out := cfg.ApplyNetworkSettings(ns)
	if out.RateLimitIP != 250 || out.EnableBlocking {
		t.Errorf("settings not applied: %+v", out)
	}
	if out.BackendPort != cfg.BackendPort || out.QueueHardLimit != cfg.QueueHardLimit {
		t.Error("boot-time values changed")
	}
	if cfg.RateLimitIP != 100 || !cfg.EnableBlocking {
		t.Error("original config mutated")
	}
}

func TestWatcherReloadAppliesChanges(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("NETWORK_RATE_LIMIT_IP=100\n"), 0600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	isolate(t, dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	w, err := NewWatcher(cfg)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Stop()

	var got []NetworkSettings
	w.OnChange(func(ns NetworkSettings) { got = append(got, ns) })

	next := "NETWORK_RATE_LIMIT_IP=250\nNETWORK_ENABLE_BLOCKING=false\nBACKEND_PORT=9999\n"
	if err := os.WriteFile(envPath, []byte(next), 0600); err != nil {
		t.Fatalf("rewrite .env: %v", err)
	}
	w.Reload()

	current := w.Current()
	if current.RateLimitIP != 250 {
		t.Errorf("rate limit = %d, want 250", current.RateLimitIP)
	}
	if current.EnableBlocking {
		t.Error("blocking still enabled after reload")
	}
	if len(got) != 1 {
		t.Fatalf("onChange fired %d times, want 1", len(got))
	}
	if got[0].RateLimitIP != 250 {
		t.Errorf("callback snapshot = %+v", got[0])
	}

	// Unchanged file content is not a change.
	w.Reload()
	if len(got) != 1 {
		t.Errorf("no-op reload fired onChange (%d calls)", len(got))
	}
}

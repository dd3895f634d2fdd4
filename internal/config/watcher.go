package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// NetworkSettings is the hot-reloadable slice of the configuration. The
// watcher pushes a fresh snapshot to subscribers whenever the .env file
// changes one of these keys.
type NetworkSettings struct {
	RateLimitIP               int
	RateLimitEndpoint         int
	NetworkLogTTLDays         int
	EnableBlocking            bool
	EnableLogging             bool
	EnableTunnelDetection     bool
	TunnelConfidenceThreshold string
	MaxBodySize               int64
}

// NetworkSettingsOf extracts the hot-reloadable slice from a full config.
func NetworkSettingsOf(c *Config) NetworkSettings {
	return NetworkSettings{
		RateLimitIP:               c.RateLimitIP,
		RateLimitEndpoint:         c.RateLimitEndpoint,
		NetworkLogTTLDays:         c.NetworkLogTTLDays,
		EnableBlocking:            c.EnableBlocking,
		EnableLogging:             c.EnableLogging,
		EnableTunnelDetection:     c.EnableTunnelDetection,
		TunnelConfidenceThreshold: c.TunnelConfidenceThreshold,
		MaxBodySize:               c.MaxBodySize,
	}
}

// ApplyNetworkSettings returns a copy of c with the hot-reloadable network
// settings replaced. Everything else keeps its boot-time value.
func (c *Config) ApplyNetworkSettings(ns NetworkSettings) *Config {
	out := *c
	out.RateLimitIP = ns.RateLimitIP
	out.RateLimitEndpoint = ns.RateLimitEndpoint
	out.NetworkLogTTLDays = ns.NetworkLogTTLDays
	out.EnableBlocking = ns.EnableBlocking
	out.EnableLogging = ns.EnableLogging
	out.EnableTunnelDetection = ns.EnableTunnelDetection
	out.TunnelConfidenceThreshold = ns.TunnelConfidenceThreshold
	out.MaxBodySize = ns.MaxBodySize
	return &out
}

// Watcher monitors the .env file and re-applies hot-reloadable settings.
// Settings that require a restart (DATABASE_URL, BACKEND_PORT, worker
// counts) are logged and ignored when they change on disk.
type Watcher struct {
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time

	mu       sync.Mutex
	current  NetworkSettings
	onChange []func(NetworkSettings)
}

// NewWatcher creates a watcher for the .env file the config was loaded from.
func NewWatcher(cfg *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		envPath:  cfg.ConfigPath,
		watcher:  fsw,
		stopChan: make(chan struct{}),
		current:  NetworkSettingsOf(cfg),
	}
	if stat, err := os.Stat(w.envPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// OnChange registers a callback invoked with the new settings after a reload.
// Callbacks run on the watcher goroutine and must not block.
func (w *Watcher) OnChange(fn func(NetworkSettings)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Current returns the most recently applied settings snapshot.
func (w *Watcher) Current() NetworkSettings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start begins watching the directory containing the .env file. Watching the
// directory rather than the file survives editors that replace-on-save.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.envPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory; falling back to polling")
		go w.pollForChanges()
		return nil
	}

	go w.watchForChanges()
	log.Info().Str("env_path", w.envPath).Msg("Started watching config file for changes")
	return nil
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

// Reload forces a re-read of the .env file, e.g. on SIGHUP.
func (w *Watcher) Reload() {
	w.reload()
}

func (w *Watcher) watchForChanges() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.envPath) && event.Name != w.envPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce - wait for the write to complete
			time.Sleep(100 * time.Millisecond)
			log.Info().Str("event", event.Op.String()).Msg("Detected config file change")
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.envPath)
			if err != nil {
				continue
			}
			if stat.ModTime().After(w.lastModTime) {
				w.lastModTime = stat.ModTime()
				log.Info().Msg("Detected config file change via polling")
				w.reload()
			}
		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reload() {
	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("Failed to read config file")
		}
		return
	}

	w.mu.Lock()
	next := w.current
	var changes []string

	applyInt := func(key string, dst *int) {
		val, ok := envMap[key]
		if !ok {
			return
		}
		parsed, err := strconv.Atoi(strings.Trim(val, "'\""))
		if err != nil || parsed == *dst {
			return
		}
		*dst = parsed
		changes = append(changes, key)
	}
	applyBool := func(key string, dst *bool) {
		val, ok := envMap[key]
		if !ok {
			return
		}
		parsed, err := strconv.ParseBool(strings.Trim(val, "'\""))
		if err != nil || parsed == *dst {
			return
		}
		*dst = parsed
		changes = append(changes, key)
	}

	applyInt("NETWORK_RATE_LIMIT_IP", &next.RateLimitIP)
	applyInt("NETWORK_RATE_LIMIT_ENDPOINT", &next.RateLimitEndpoint)
	applyInt("NETWORK_LOG_TTL_DAYS", &next.NetworkLogTTLDays)
	applyBool("NETWORK_ENABLE_BLOCKING", &next.EnableBlocking)
	applyBool("NETWORK_ENABLE_LOGGING", &next.EnableLogging)
	applyBool("NETWORK_ENABLE_TUNNEL_DETECTION", &next.EnableTunnelDetection)

	if val, ok := envMap["NETWORK_TUNNEL_CONFIDENCE_THRESHOLD"]; ok {
		trimmed := strings.Trim(val, "'\"")
		if trimmed != "" && trimmed != next.TunnelConfidenceThreshold {
			next.TunnelConfidenceThreshold = trimmed
			changes = append(changes, "NETWORK_TUNNEL_CONFIDENCE_THRESHOLD")
		}
	}
	if val, ok := envMap["NETWORK_MAX_BODY_SIZE"]; ok {
		if parsed, err := strconv.ParseInt(strings.Trim(val, "'\""), 10, 64); err == nil && parsed != next.MaxBodySize {
			next.MaxBodySize = parsed
			changes = append(changes, "NETWORK_MAX_BODY_SIZE")
		}
	}

	// Restart-only keys get a notice so a changed file is not silently inert.
	for _, key := range []string{"DATABASE_URL", "BACKEND_PORT", "ORCH_WORKERS_PER_CAPABILITY", "ORCH_TENANT_INFLIGHT_CAP"} {
		if _, ok := envMap[key]; ok {
			log.Debug().Str("key", key).Msg("Key requires restart to take effect; ignoring runtime change")
		}
	}

	if len(changes) == 0 {
		w.mu.Unlock()
		log.Debug().Msg("No hot-reloadable changes detected in config file")
		return
	}

	w.current = next
	callbacks := make([]func(NetworkSettings), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.Unlock()

	log.Info().Strs("changes", changes).Msg("Applied config file changes to runtime settings")
	for _, fn := range callbacks {
		fn(next)
	}
}

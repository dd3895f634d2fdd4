package capability

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

const (
	// DefaultTimeout bounds a single execution when no per-capability
	// timeout has been configured.
	DefaultTimeout = 30 * time.Minute

	// DefaultWorkers is the worker-pool size for capabilities without an
	// explicit override.
	DefaultWorkers = 4
)

type binding struct {
	executor ExecutorFn
	workers  int
	timeout  time.Duration
}

// Registry maps capability tags to executors plus their pool sizing and
// timeout. Registration replaces atomically; dispatchers capture the
// function value at dispatch time, so replacing an executor never affects
// jobs already running.
type Registry struct {
	mu       sync.RWMutex
	bindings map[models.Capability]*binding
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[models.Capability]*binding),
	}
}

// Register binds an executor to a capability, replacing any previous one.
func (r *Registry) Register(cap models.Capability, fn ExecutorFn) {
	if fn == nil {
		log.Error().Str("capability", string(cap)).Msg("Refusing to register nil executor")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.bindings[cap]
	if b == nil {
		b = &binding{workers: DefaultWorkers, timeout: DefaultTimeout}
		r.bindings[cap] = b
	} else if b.executor != nil {
		log.Info().Str("capability", string(cap)).Msg("Replacing registered executor")
	}
	b.executor = fn
}

// Lookup returns the executor bound to cap, or false when none is registered.
func (r *Registry) Lookup(cap models.Capability) (ExecutorFn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b := r.bindings[cap]
	if b == nil || b.executor == nil {
		return nil, false
	}
	return b.executor, true
}

// SetWorkers overrides the worker-pool size for a capability. Values below 1
// are clamped to 1.
func (r *Registry) SetWorkers(cap models.Capability, n int) {
	if n < 1 {
		n = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bindings[cap]
	if b == nil {
		b = &binding{workers: DefaultWorkers, timeout: DefaultTimeout}
		r.bindings[cap] = b
	}
	b.workers = n
}

// Workers returns the worker-pool size for a capability.
func (r *Registry) Workers(cap models.Capability) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b := r.bindings[cap]; b != nil {
		return b.workers
	}
	return DefaultWorkers
}

// SetTimeout overrides the execution timeout for a capability. Non-positive
// durations reset to the default.
func (r *Registry) SetTimeout(cap models.Capability, d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bindings[cap]
	if b == nil {
		b = &binding{workers: DefaultWorkers, timeout: DefaultTimeout}
		r.bindings[cap] = b
	}
	b.timeout = d
}

// Timeout returns the execution timeout for a capability.
func (r *Registry) Timeout(cap models.Capability) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b := r.bindings[cap]; b != nil {
		return b.timeout
	}
	return DefaultTimeout
}

// Registered lists capabilities that currently have an executor bound, in
// the canonical capability order.
func (r *Registry) Registered() []models.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Capability, 0, len(r.bindings))
	for _, cap := range models.AllCapabilities() {
		if b := r.bindings[cap]; b != nil && b.executor != nil {
			out = append(out, cap)
		}
	}
	return out
}

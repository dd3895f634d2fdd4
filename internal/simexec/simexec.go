// Package simexec provides simulated capability executors so the whole
// pipeline (queueing, progress, findings, scoring, events) can run without
// real collectors. Results are deterministic per target: the same target
// always yields the same findings, which exercises finding-identity
// collapsing across repeated scans.
//
// Executors are registered only when mock mode is enabled; the package is
// always compiled, never active by default.
package simexec

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cipher-x-sudo/cybernexus/internal/capability"
	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

// defaultStepDelay paces the simulated phases. Jobs override it with the
// step_delay_ms config key; tests set it to zero.
const defaultStepDelay = 150 * time.Millisecond

// RegisterAll binds a simulated executor to every capability.
func RegisterAll(reg *capability.Registry) {
	reg.Register(models.CapabilityExposureDiscovery, ExposureDiscovery)
	reg.Register(models.CapabilityDarkwebIntelligence, DarkwebIntelligence)
	reg.Register(models.CapabilityEmailAudit, EmailAudit)
	reg.Register(models.CapabilityInfrastructureTesting, InfrastructureTesting)
	reg.Register(models.CapabilityInvestigation, Investigation)
	reg.Register(models.CapabilityNetworkSecurity, NetworkSecurity)

	log.Info().Msg("Simulated executors registered for all capabilities")
}

// targetHash folds a target into a stable 64-bit value that drives every
// simulated decision for it.
func targetHash(target string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(target))
	return h.Sum64()
}

// stepDelay returns the per-phase pause for a request.
func stepDelay(cfg models.JSONMap) time.Duration {
	if cfg == nil {
		return defaultStepDelay
	}
	if _, ok := cfg["step_delay_ms"]; !ok {
		return defaultStepDelay
	}
	ms := cfg.GetInt("step_delay_ms")
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// phase reports progress and then pauses, honouring cancellation from either
// the context or the cooperative signal. Returns a non-nil error when the
// executor should stop.
func phase(ctx context.Context, req capability.Request, percent int, message string, delay time.Duration) error {
	if req.Cancel != nil && req.Cancel.IsCancelled() {
		return req.Cancel.Err()
	}
	if req.Progress != nil {
		req.Progress.Report(percent, message)
	}
	if delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

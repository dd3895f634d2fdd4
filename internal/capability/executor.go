// Package capability defines the executor contract and the registry that
// binds capability tags to executor implementations.
package capability

import (
	"context"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

// Request carries everything an executor needs to perform a scan. Executors
// must treat Config as read-only and check Cancel at safe points.
type Request struct {
	JobID    string
	TenantID string
	Target   string
	Config   models.JSONMap
	Progress ProgressSink
	Cancel   CancelSignal
}

// ProgressSink receives progress reports from a running executor. Percent is
// clamped to [0,100] by the caller; message becomes an execution log line.
type ProgressSink interface {
	Report(percent int, message string)
}

// ProgressFunc adapts a function to the ProgressSink interface.
type ProgressFunc func(percent int, message string)

func (f ProgressFunc) Report(percent int, message string) { f(percent, message) }

// NopProgress discards progress reports.
var NopProgress ProgressSink = ProgressFunc(func(int, string) {})

// CancelSignal lets executors poll for cooperative cancellation without
// holding the job context directly.
type CancelSignal interface {
	// IsCancelled reports whether the job has been asked to stop.
	IsCancelled() bool
	// Err returns the cancellation cause once cancelled, nil before.
	Err() error
}

type ctxSignal struct {
	ctx context.Context
}

// SignalFromContext derives a CancelSignal from the job context.
func SignalFromContext(ctx context.Context) CancelSignal {
	return ctxSignal{ctx: ctx}
}

func (s ctxSignal) IsCancelled() bool {
	return s.ctx.Err() != nil
}

func (s ctxSignal) Err() error {
	return s.ctx.Err()
}

// RawFinding is a finding as emitted by an executor, before the orchestrator
// stamps tenant/capability/target and computes its identity hash.
type RawFinding struct {
	Severity        models.FindingSeverity `json:"severity"`
	Title           string                 `json:"title"`
	Description     string                 `json:"description"`
	Evidence        models.JSONMap         `json:"evidence,omitempty"`
	AffectedAssets  []string               `json:"affectedAssets,omitempty"`
	Recommendations []string               `json:"recommendations,omitempty"`
	RiskScore       float64                `json:"riskScore,omitempty"`
}

// Result is what a completed executor hands back to the orchestrator.
type Result struct {
	Findings           []RawFinding               `json:"findings,omitempty"`
	PositiveIndicators []models.PositiveIndicator `json:"positiveIndicators,omitempty"`
	Metadata           models.JSONMap             `json:"metadata,omitempty"`
	ScanResults        models.JSONMap             `json:"scanResults,omitempty"`
}

// ExecutorFn performs one scan. It must return promptly once ctx is
// cancelled; executors that keep running past cancellation are abandoned by
// the dispatcher after an escalation window.
type ExecutorFn func(ctx context.Context, req Request) (*Result, error)

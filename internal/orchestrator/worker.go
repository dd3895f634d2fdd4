package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cipher-x-sudo/cybernexus/internal/capability"
	"github.com/cipher-x-sudo/cybernexus/internal/errors"
	"github.com/cipher-x-sudo/cybernexus/internal/models"
	"github.com/cipher-x-sudo/cybernexus/internal/scorer"
	"github.com/cipher-x-sudo/cybernexus/internal/store"
)

// Retry policy for transient executor failures: exponential backoff from
// retryBase, jittered ±25%, capped at retryCap.
const (
	retryBase   = 2 * time.Second
	retryCap    = 120 * time.Second
	retryJitter = 0.25
)

// worker is one dispatcher goroutine. It pops admissible jobs off the
// capability queue and runs them to settlement.
func (o *Orchestrator) worker(c models.Capability, n int) {
	defer o.wg.Done()
	queue := o.queues[c]
	for {
		entry, ok := queue.WaitEligible(o.runCtx, o.gate.tryAcquire)
		if !ok {
			log.Debug().Str("capability", string(c)).Int("worker", n).Msg("Worker stopped")
			return
		}
		recordQueueDepth(c, queue.Len())
		o.runJob(o.runCtx, entry.id, c, entry.tenantID)
	}
}

// runJob executes one dispatched job. The caller must hold a tenant slot;
// runJob releases it.
func (o *Orchestrator) runJob(ctx context.Context, jobID string, c models.Capability, tenantID string) {
	defer o.gate.release(tenantID)

	job, err := o.jobs.GetJob(context.Background(), jobID)
	if err != nil {
		log.Error().Err(err).Str("jobId", jobID).Msg("Dispatched job could not be read")
		return
	}

	isRetry := false
	switch job.Status {
	case models.JobStatusQueued:
	case models.JobStatusRunning:
		if !job.Metadata.GetBool("retry_pending") {
			// Running without a retry marker means another path owns it.
			return
		}
		isRetry = true
	default:
		// Cancelled while waiting in the queue.
		return
	}

	sink := newProgressSink(o, job)

	executor, ok := o.registry.Lookup(c)
	if !ok {
		o.finishFailed(job, execOutcome{sink: sink}, fmt.Sprintf("no executor registered for capability %s", c))
		return
	}

	// attempts counts executions, stamped before each one starts.
	started := time.Now().UTC()
	meta := job.Metadata.Clone()
	if meta == nil {
		meta = models.JSONMap{}
	}
	meta["attempts"] = meta.GetInt("attempts") + 1

	if isRetry {
		if job.Metadata.GetBool("cancel_requested") {
			o.finishCancelled(job, execOutcome{sink: sink}, "")
			return
		}
		delete(meta, "retry_pending")
		job.Metadata = meta
		if err := o.jobs.UpdateJobPartial(context.Background(), jobID, store.JobUpdate{Metadata: meta}); err != nil {
			log.Warn().Err(err).Str("jobId", jobID).Msg("Failed to clear retry marker")
		}
	} else {
		running := models.JobStatusRunning
		if err := o.jobs.UpdateJobPartial(context.Background(), jobID, store.JobUpdate{Status: &running, StartedAt: &started, Metadata: meta}); err != nil {
			// Lost a cancellation race; nothing to run.
			log.Debug().Err(err).Str("jobId", jobID).Msg("Job not runnable at dispatch")
			return
		}
		job.Metadata = meta
		job.Status = running
		job.StartedAt = &started
		o.publish(Event{
			JobID:    jobID,
			TenantID: tenantID,
			Type:     EventJobStarted,
			Data:     models.JSONMap{"capability": string(c)},
		})
		log.Info().
			Str("jobId", jobID).
			Str("tenantId", tenantID).
			Str("capability", string(c)).
			Msg("Job started")
	}

	recordJobRunning(c, 1)
	outcome := o.execute(ctx, executor, job, sink)
	recordJobRunning(c, -1)

	o.settle(job, outcome)
}

// execOutcome captures how one execution attempt ended.
type execOutcome struct {
	result    *capability.Result
	err       error
	abandoned bool
	cancelled bool
	timedOut  bool
	shutdown  bool
	sink      *progressSink
	elapsed   time.Duration
}

// execute invokes the executor on its own goroutine so a stuck one can be
// abandoned after the escalation window instead of wedging the worker.
func (o *Orchestrator) execute(ctx context.Context, executor capability.ExecutorFn, job *models.Job, sink *progressSink) execOutcome {
	timeout := o.registry.Timeout(job.Capability)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := &runningJob{cancel: cancel, tenantID: job.TenantID}
	if job.Metadata.GetBool("cancel_requested") {
		run.cancelRequested.Store(true)
	}
	o.mu.Lock()
	o.running[job.ID] = run
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, job.ID)
		o.mu.Unlock()
	}()

	req := capability.Request{
		JobID:    job.ID,
		TenantID: job.TenantID,
		Target:   job.Target,
		Config:   o.executorConfig(job),
		Progress: sink,
		Cancel:   capability.SignalFromContext(execCtx),
	}

	started := time.Now()
	done := make(chan struct{})
	var result *capability.Result
	var execErr error
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				execErr = errors.Internalf("executor panic: %v", r)
				sink.append("error", fmt.Sprintf("executor panicked: %v\n%s", r, debug.Stack()))
			}
		}()
		result, execErr = executor(execCtx, req)
	}()

	abandoned := false
	select {
	case <-done:
	case <-execCtx.Done():
		select {
		case <-done:
		case <-time.After(abandonTimeout):
			abandoned = true
		}
	}

	out := execOutcome{
		sink:      sink,
		elapsed:   time.Since(started),
		abandoned: abandoned,
		cancelled: run.cancelRequested.Load(),
		shutdown:  ctx.Err() != nil,
	}
	out.timedOut = execCtx.Err() == context.DeadlineExceeded && !out.shutdown
	if !abandoned {
		out.result = result
		out.err = execErr
	}
	return out
}

// executorConfig clones the job config and forwards capability-level
// settings into it. Keys the caller already set win.
func (o *Orchestrator) executorConfig(job *models.Job) models.JSONMap {
	cfg := job.Config.Clone()
	if job.Capability != models.CapabilityDarkwebIntelligence {
		return cfg
	}
	if cfg == nil {
		cfg = models.JSONMap{}
	}
	if _, ok := cfg["discovery_timeout_ms"]; !ok {
		cfg["discovery_timeout_ms"] = o.cfg.DarkwebDiscoveryTimeout.Milliseconds()
	}
	if _, ok := cfg["crawl_timeout_ms"]; !ok {
		cfg["crawl_timeout_ms"] = o.cfg.DarkwebCrawlTimeout.Milliseconds()
	}
	return cfg
}

// settle classifies the outcome and drives the terminal transition.
func (o *Orchestrator) settle(job *models.Job, out execOutcome) {
	switch {
	case out.cancelled:
		msg := ""
		if out.abandoned {
			msg = "cancellation not honoured; abandoned"
			out.sink.append("warn", msg)
		}
		o.finishCancelled(job, out, msg)

	case out.shutdown:
		o.finishFailed(job, out, "interrupted by shutdown")

	case out.abandoned:
		o.finishFailed(job, out, fmt.Sprintf("execution exceeded %s and the executor did not stop; abandoned", o.registry.Timeout(job.Capability)))

	case out.timedOut:
		o.finishFailed(job, out, fmt.Sprintf("execution timed out after %s", o.registry.Timeout(job.Capability)))

	case out.err != nil && errors.IsRetryable(out.err):
		o.retryOrFail(job, out)

	case out.err != nil:
		o.finishFailed(job, out, out.err.Error())

	default:
		o.finishSucceeded(job, out)
	}
}

// retryOrFail requeues a transient failure with backoff, or fails the job
// once the attempt budget is spent. attempts counts executions, so
// maxRetries=3 allows three attempts in total.
func (o *Orchestrator) retryOrFail(job *models.Job, out execOutcome) {
	attempts := job.Metadata.GetInt("attempts")
	if attempts < 1 {
		attempts = 1
	}
	meta := job.Metadata.Clone()
	if meta == nil {
		meta = models.JSONMap{}
	}
	meta["attempts"] = attempts
	job.Metadata = meta

	if attempts >= o.cfg.MaxRetries {
		out.sink.append("error", fmt.Sprintf("transient failure on final attempt %d/%d: %v", attempts, o.cfg.MaxRetries, out.err))
		o.finishFailed(job, out, fmt.Sprintf("transient failure after %d attempts: %v", attempts, out.err))
		return
	}

	delay := o.retryDelay(attempts)
	meta["retry_pending"] = true
	out.sink.append("warn", fmt.Sprintf("transient failure (attempt %d/%d), retrying in %s: %v",
		attempts, o.cfg.MaxRetries, delay.Round(100*time.Millisecond), out.err))

	progress := out.sink.current()
	if err := o.jobs.UpdateJobPartial(context.Background(), job.ID, store.JobUpdate{
		Progress:      &progress,
		Metadata:      meta,
		ExecutionLogs: out.sink.entries(),
	}); err != nil {
		log.Error().Err(err).Str("jobId", job.ID).Msg("Failed to persist retry state")
		o.finishFailed(job, out, fmt.Sprintf("transient failure after %d attempts: %v", attempts, out.err))
		return
	}

	recordRetry(job.Capability)
	log.Warn().
		Str("jobId", job.ID).
		Int("attempt", attempts).
		Dur("backoff", delay).
		Err(out.err).
		Msg("Job attempt failed; retry scheduled")

	o.mu.Lock()
	o.retryTimers[job.ID] = time.AfterFunc(delay, func() {
		o.mu.Lock()
		delete(o.retryTimers, job.ID)
		o.mu.Unlock()
		o.requeueRetry(job.ID)
	})
	o.mu.Unlock()
}

// requeueRetry puts a backed-off job back on its capability queue, unless it
// was cancelled while waiting.
func (o *Orchestrator) requeueRetry(jobID string) {
	job, err := o.jobs.GetJob(context.Background(), jobID)
	if err != nil {
		log.Error().Err(err).Str("jobId", jobID).Msg("Retry requeue could not read job")
		return
	}
	if job.Status != models.JobStatusRunning || !job.Metadata.GetBool("retry_pending") {
		return
	}
	if job.Metadata.GetBool("cancel_requested") {
		o.finishCancelled(job, execOutcome{sink: newProgressSink(o, job)}, "")
		return
	}
	o.queues[job.Capability].Enqueue(job, o.seq.Add(1))
	recordQueueDepth(job.Capability, o.queues[job.Capability].Len())
}

// retryDelay computes the jittered exponential backoff for the attempt that
// just failed (1-based).
func (o *Orchestrator) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := o.cfg.RetryBackoffBase
	if base <= 0 {
		base = retryBase
	}
	delay := base << (attempt - 1)
	if delay > retryCap || delay <= 0 {
		delay = retryCap
	}
	factor := 1 - retryJitter + 2*retryJitter*rand.Float64()
	jittered := time.Duration(float64(delay) * factor)
	if jittered > retryCap {
		jittered = retryCap
	}
	return jittered
}

// finishSucceeded runs post-processing, then commits the terminal status
// last so observers never see succeeded without its findings.
func (o *Orchestrator) finishSucceeded(job *models.Job, out execOutcome) {
	ctx := context.Background()
	result := out.result
	if result == nil {
		result = &capability.Result{}
	}

	findingCount, err := o.postProcess(ctx, job, result, out.sink)
	if err != nil {
		log.Error().Err(err).Str("jobId", job.ID).Msg("Post-processing failed")
		o.finishFailed(job, out, fmt.Sprintf("post-processing failed: %v", err))
		return
	}

	meta := job.Metadata.Clone()
	if meta == nil {
		meta = models.JSONMap{}
	}
	for k, v := range result.Metadata {
		meta[k] = v
	}
	if len(result.ScanResults) > 0 {
		meta["scan_results"] = map[string]any(result.ScanResults.Clone())
	}
	job.Metadata = meta

	now := time.Now().UTC()
	succeeded := models.JobStatusSucceeded
	progress := 100
	empty := ""
	update := store.JobUpdate{
		Status:        &succeeded,
		Progress:      &progress,
		Error:         &empty,
		CompletedAt:   &now,
		Metadata:      meta,
		ExecutionLogs: out.sink.entries(),
	}
	events := []Event{
		{Type: EventJobSucceeded, Data: models.JSONMap{"findings": findingCount}},
		{Type: EventJobFindings, Data: models.JSONMap{"count": findingCount}},
	}
	if o.finalize(job, update, succeeded, out.elapsed, events) {
		log.Info().
			Str("jobId", job.ID).
			Str("tenantId", job.TenantID).
			Int("findings", findingCount).
			Dur("elapsed", out.elapsed).
			Msg("Job succeeded")
	}
}

func (o *Orchestrator) finishFailed(job *models.Job, out execOutcome, msg string) {
	now := time.Now().UTC()
	failed := models.JobStatusFailed
	update := store.JobUpdate{
		Status:        &failed,
		Error:         &msg,
		CompletedAt:   &now,
		ExecutionLogs: out.sink.entries(),
	}
	if job.Metadata != nil {
		update.Metadata = job.Metadata
	}
	events := []Event{{Type: EventJobFailed, Data: models.JSONMap{"error": msg}}}
	if o.finalize(job, update, failed, out.elapsed, events) {
		log.Error().
			Str("jobId", job.ID).
			Str("tenantId", job.TenantID).
			Str("error", msg).
			Msg("Job failed")
	}
}

func (o *Orchestrator) finishCancelled(job *models.Job, out execOutcome, msg string) {
	now := time.Now().UTC()
	cancelled := models.JobStatusCancelled
	meta := job.Metadata.Clone()
	if meta == nil {
		meta = models.JSONMap{}
	}
	meta["cancel_requested"] = true
	delete(meta, "retry_pending")
	job.Metadata = meta

	update := store.JobUpdate{
		Status:        &cancelled,
		CompletedAt:   &now,
		Metadata:      meta,
		ExecutionLogs: out.sink.entries(),
	}
	if msg != "" {
		update.Error = &msg
	}
	events := []Event{{Type: EventJobCancelled}}
	if o.finalize(job, update, cancelled, out.elapsed, events) {
		log.Info().
			Str("jobId", job.ID).
			Str("tenantId", job.TenantID).
			Msg("Job cancelled")
	}
}

// finalize commits a terminal update, publishes the terminal events and
// closes the job's subscriptions. A conflict means another path finalized
// first; nothing is published in that case.
func (o *Orchestrator) finalize(job *models.Job, update store.JobUpdate, status models.JobStatus, elapsed time.Duration, events []Event) bool {
	if err := o.jobs.UpdateJobPartial(context.Background(), job.ID, update); err != nil {
		if errors.KindOf(err) == errors.KindConflict {
			log.Warn().Str("jobId", job.ID).Str("to", string(status)).Msg("Terminal transition refused; job already finalized")
		} else {
			log.Error().Err(err).Str("jobId", job.ID).Msg("Failed to finalize job")
		}
		return false
	}
	recordJobDone(job.Capability, status, elapsed)
	for _, ev := range events {
		ev.JobID = job.ID
		ev.TenantID = job.TenantID
		o.publish(ev)
	}
	o.subs.closeJob(job.ID)
	return true
}

// postProcess applies the success pipeline: findings, indicators, posture.
// Every write is idempotent so a crashed run can be re-applied safely.
func (o *Orchestrator) postProcess(ctx context.Context, job *models.Job, result *capability.Result, sink *progressSink) (int, error) {
	now := time.Now().UTC()

	for _, raw := range result.Findings {
		evidence := raw.Evidence.Clone()
		if evidence == nil {
			evidence = models.JSONMap{}
		}
		evidence["job_id"] = job.ID

		f := &models.Finding{
			ID:              uuid.New().String(),
			TenantID:        job.TenantID,
			Capability:      job.Capability,
			Severity:        normalizeSeverity(raw.Severity),
			Status:          models.FindingActive,
			Title:           raw.Title,
			Description:     raw.Description,
			Evidence:        evidence,
			AffectedAssets:  raw.AffectedAssets,
			Recommendations: raw.Recommendations,
			RiskScore:       riskScoreOf(raw),
			Target:          job.Target,
			DiscoveredAt:    now,
		}
		if _, inserted, err := o.findings.UpsertFinding(ctx, f); err != nil {
			return 0, err
		} else if !inserted {
			log.Debug().Str("jobId", job.ID).Str("title", raw.Title).Msg("Finding already known")
		}
	}

	counts, err := o.findings.CountActiveBySeverity(ctx, job.TenantID, job.Capability)
	if err != nil {
		return 0, err
	}
	currentScore := scorer.Score(counts)

	var prevScore *float64
	if prev, err := o.findings.LatestPostureScore(ctx, job.TenantID, job.Capability); err != nil {
		return 0, err
	} else if prev != nil {
		prevScore = &prev.Score
	}

	indicators := scorer.Evaluate(scorer.Outcome{
		TenantID:      job.TenantID,
		Capability:    job.Capability,
		Target:        job.Target,
		JobID:         job.ID,
		FindingCount:  len(result.Findings),
		ScanResults:   result.ScanResults,
		CurrentScore:  currentScore,
		PreviousScore: prevScore,
		Now:           now,
	})
	for _, extra := range result.PositiveIndicators {
		ind := extra
		if ind.ID == "" {
			ind.ID = uuid.New().String()
		}
		ind.TenantID = job.TenantID
		if ind.CreatedAt.IsZero() {
			ind.CreatedAt = now
		}
		indicators = append(indicators, &ind)
	}
	for _, ind := range indicators {
		if err := o.findings.InsertPositiveIndicator(ctx, ind); err != nil {
			return 0, err
		}
	}

	if err := o.findings.RecordPostureScore(ctx, models.PostureScore{
		TenantID:   job.TenantID,
		Capability: job.Capability,
		Score:      currentScore,
		RecordedAt: now,
	}); err != nil {
		return 0, err
	}

	return len(result.Findings), nil
}

// normalizeSeverity keeps known severities and downgrades junk to medium.
func normalizeSeverity(s models.FindingSeverity) models.FindingSeverity {
	switch s {
	case models.SeverityInfo, models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical:
		return s
	}
	return models.SeverityMedium
}

// riskScoreOf uses the executor's risk score when set, otherwise derives one
// from the severity.
func riskScoreOf(raw capability.RawFinding) float64 {
	if raw.RiskScore > 0 {
		if raw.RiskScore > 100 {
			return 100
		}
		return raw.RiskScore
	}
	switch normalizeSeverity(raw.Severity) {
	case models.SeverityCritical:
		return 90
	case models.SeverityHigh:
		return 70
	case models.SeverityMedium:
		return 50
	case models.SeverityLow:
		return 30
	default:
		return 10
	}
}

// progressSink applies the progress contract: clamp to [0,100], coerce
// non-monotonic reports upward, append execution log lines, persist and
// publish. It carries forward the progress of earlier attempts.
type progressSink struct {
	o        *Orchestrator
	jobID    string
	tenantID string

	mu       sync.Mutex
	progress int
	logs     []models.ExecutionLogEntry
}

func newProgressSink(o *Orchestrator, job *models.Job) *progressSink {
	return &progressSink{
		o:        o,
		jobID:    job.ID,
		tenantID: job.TenantID,
		progress: job.Progress,
		logs:     append([]models.ExecutionLogEntry(nil), job.ExecutionLogs...),
	}
}

func (s *progressSink) Report(percent int, message string) {
	s.mu.Lock()
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}
	if percent < s.progress {
		percent = s.progress
	}
	s.progress = percent
	if message != "" {
		s.logs = append(s.logs, models.ExecutionLogEntry{TS: time.Now().UTC(), Level: "info", Message: message})
	}
	logs := append([]models.ExecutionLogEntry(nil), s.logs...)
	s.mu.Unlock()

	if err := s.o.jobs.UpdateJobPartial(context.Background(), s.jobID, store.JobUpdate{
		Progress:      &percent,
		ExecutionLogs: logs,
	}); err != nil {
		log.Debug().Err(err).Str("jobId", s.jobID).Msg("Progress persist failed")
	}

	s.o.publish(Event{
		JobID:    s.jobID,
		TenantID: s.tenantID,
		Type:     EventJobProgress,
		Data:     models.JSONMap{"progress": percent, "message": message},
	})
}

// append records an execution log line without publishing progress.
func (s *progressSink) append(level, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, models.ExecutionLogEntry{TS: time.Now().UTC(), Level: level, Message: message})
}

func (s *progressSink) entries() []models.ExecutionLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ExecutionLogEntry(nil), s.logs...)
}

func (s *progressSink) current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cipher-x-sudo/cybernexus/internal/capability"
	"github.com/cipher-x-sudo/cybernexus/internal/config"
	"github.com/cipher-x-sudo/cybernexus/internal/errors"
	"github.com/cipher-x-sudo/cybernexus/internal/models"
	"github.com/cipher-x-sudo/cybernexus/internal/store"
)

// abandonTimeout is how long a worker waits for an executor to honour its
// cancelled context before giving up on it. A var so tests can shrink the
// escalation window.
var abandonTimeout = 5 * time.Second

// runningJob tracks one in-flight execution.
type runningJob struct {
	cancel          context.CancelFunc
	tenantID        string
	cancelRequested atomic.Bool
}

// Orchestrator is the job lifecycle authority. All status transitions flow
// through it; the API layer reads job state from the store directly but
// mutates only via these operations.
type Orchestrator struct {
	cfg      *config.Config
	jobs     *store.JobStore
	findings *store.FindingStore
	registry *capability.Registry
	hub      Broadcaster

	queues map[models.Capability]*capQueue
	gate   *tenantGate
	seq    atomic.Uint64
	subs   *subscriptions

	mu          sync.Mutex
	running     map[string]*runningJob
	retryTimers map[string]*time.Timer

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New wires an orchestrator. Call Start to spawn the worker pools.
func New(cfg *config.Config, jobs *store.JobStore, findings *store.FindingStore, registry *capability.Registry, hub Broadcaster) *Orchestrator {
	if hub == nil {
		hub = NopBroadcaster{}
	}
	o := &Orchestrator{
		cfg:         cfg,
		jobs:        jobs,
		findings:    findings,
		registry:    registry,
		hub:         hub,
		queues:      make(map[models.Capability]*capQueue, len(models.AllCapabilities())),
		gate:        newTenantGate(cfg.TenantInFlightCap),
		subs:        newSubscriptions(),
		running:     make(map[string]*runningJob),
		retryTimers: make(map[string]*time.Timer),
	}
	for _, c := range models.AllCapabilities() {
		o.queues[c] = newCapQueue()
	}
	return o
}

// Start recovers persisted queue state and spawns the per-capability worker
// pools. Worker counts are read from the registry once, at startup.
func (o *Orchestrator) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		o.runCtx, o.cancelRun = context.WithCancel(ctx)

		o.recoverInterrupted(o.runCtx)

		total := 0
		for _, c := range models.AllCapabilities() {
			workers := o.registry.Workers(c)
			for i := 0; i < workers; i++ {
				o.wg.Add(1)
				go o.worker(c, i)
			}
			total += workers
		}
		log.Info().
			Int("workers", total).
			Int("tenantInFlightCap", o.cfg.TenantInFlightCap).
			Msg("Orchestrator started")
	})
}

// Stop cancels all running executors and waits for the workers to drain.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		if o.cancelRun != nil {
			o.cancelRun()
		}
		o.mu.Lock()
		for id, timer := range o.retryTimers {
			timer.Stop()
			delete(o.retryTimers, id)
		}
		o.mu.Unlock()
		o.wg.Wait()
		log.Info().Msg("Orchestrator stopped")
	})
}

// recoverInterrupted reconciles job rows left behind by a previous process:
// running jobs cannot be resumed and are failed; queued and pending jobs are
// put back on their capability queues.
func (o *Orchestrator) recoverInterrupted(ctx context.Context) {
	failed := 0
	for {
		stuck, err := o.jobs.ListJobs(ctx, store.JobFilter{Status: models.JobStatusRunning, Limit: 1000})
		if err != nil {
			log.Error().Err(err).Msg("Failed to list interrupted jobs")
			break
		}
		if len(stuck) == 0 {
			break
		}
		for _, job := range stuck {
			status := models.JobStatusFailed
			msg := "interrupted by restart"
			now := time.Now().UTC()
			if err := o.jobs.UpdateJobPartial(ctx, job.ID, store.JobUpdate{
				Status:      &status,
				Error:       &msg,
				CompletedAt: &now,
			}); err != nil {
				log.Error().Err(err).Str("jobId", job.ID).Msg("Failed to fail interrupted job")
				continue
			}
			failed++
		}
		if len(stuck) < 1000 {
			break
		}
	}

	requeued := 0
	for _, status := range []models.JobStatus{models.JobStatusQueued, models.JobStatusPending} {
		offset := 0
		for {
			waiting, err := o.jobs.ListJobs(ctx, store.JobFilter{Status: status, Limit: 1000, Offset: offset})
			if err != nil {
				log.Error().Err(err).Msg("Failed to list waiting jobs")
				break
			}
			for _, job := range waiting {
				if status == models.JobStatusPending {
					queued := models.JobStatusQueued
					if err := o.jobs.UpdateJobPartial(ctx, job.ID, store.JobUpdate{Status: &queued}); err != nil {
						log.Error().Err(err).Str("jobId", job.ID).Msg("Failed to admit recovered job")
						continue
					}
				}
				o.queues[job.Capability].Enqueue(job, o.seq.Add(1))
				requeued++
			}
			if len(waiting) < 1000 {
				break
			}
			offset += len(waiting)
		}
	}

	if failed > 0 || requeued > 0 {
		log.Info().
			Int("failed", failed).
			Int("requeued", requeued).
			Msg("Recovered persisted job state")
	}
}

// RegisterExecutor binds an executor for a capability.
func (o *Orchestrator) RegisterExecutor(c models.Capability, fn capability.ExecutorFn) {
	o.registry.Register(c, fn)
}

// CreateJob validates, persists and enqueues a new job. The job is returned
// in queued state. Capabilities without a registered executor fail fast with
// a configuration error; a queue past its hard limit refuses admission with
// an overloaded error.
func (o *Orchestrator) CreateJob(ctx context.Context, actor models.Actor, c models.Capability, target string, cfg models.JSONMap, priority models.JobPriority) (*models.Job, error) {
	if actor.TenantID == "" {
		return nil, errors.Validationf("tenant id is required")
	}
	parsed, err := models.ParseCapability(string(c))
	if err != nil {
		return nil, errors.E(errors.KindValidation, "orchestrator.create", err).WithTenant(actor.TenantID)
	}
	c = parsed
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, errors.Validationf("target is required").WithTenant(actor.TenantID)
	}
	if len(target) > models.MaxTargetLength {
		return nil, errors.Validationf("target exceeds %d characters", models.MaxTargetLength).WithTenant(actor.TenantID)
	}
	if priority < models.PriorityBackground || priority > models.PriorityCritical {
		return nil, errors.Validationf("priority %d out of range", priority).WithTenant(actor.TenantID)
	}
	if _, ok := o.registry.Lookup(c); !ok {
		return nil, errors.Configurationf("no executor registered for capability %s", c).WithTenant(actor.TenantID)
	}

	queue := o.queues[c]
	depth := queue.Len()
	if depth >= o.cfg.QueueHardLimit {
		return nil, errors.Overloadedf("queue for %s is full (%d jobs)", c, depth).WithTenant(actor.TenantID)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:         uuid.New().String(),
		TenantID:   actor.TenantID,
		Capability: c,
		Target:     target,
		Status:     models.JobStatusPending,
		Priority:   priority,
		Config:     cfg.Clone(),
		Metadata:   models.JSONMap{},
		CreatedAt:  now,
	}
	if actor.UserID != "" {
		job.Metadata["created_by"] = actor.UserID
	}
	if depth >= o.cfg.QueueSoftLimit {
		job.Metadata["queue_warning"] = true
		log.Warn().
			Str("capability", string(c)).
			Int("depth", depth).
			Int("softLimit", o.cfg.QueueSoftLimit).
			Msg("Capability queue past soft limit")
	}

	if err := o.jobs.UpsertJob(ctx, job); err != nil {
		return nil, err
	}

	queued := models.JobStatusQueued
	if err := o.jobs.UpdateJobPartial(ctx, job.ID, store.JobUpdate{Status: &queued}); err != nil {
		return nil, err
	}
	job.Status = queued

	queue.Enqueue(job, o.seq.Add(1))
	recordQueueDepth(c, queue.Len())

	o.publish(Event{
		JobID:    job.ID,
		TenantID: job.TenantID,
		Type:     EventJobQueued,
		Data: models.JSONMap{
			"capability": string(c),
			"target":     target,
			"priority":   priority.String(),
		},
	})
	log.Info().
		Str("jobId", job.ID).
		Str("tenantId", job.TenantID).
		Str("capability", string(c)).
		Str("priority", priority.String()).
		Msg("Job created")

	return job.Clone(), nil
}

// CancelJob requests cancellation. Pending and queued jobs cancel
// immediately; running jobs get their context cancelled and finish at the
// executor's next checkpoint. Terminal jobs are untouched and report false.
func (o *Orchestrator) CancelJob(ctx context.Context, id string, actor models.Actor) (bool, error) {
	job, err := o.jobs.GetJobForActor(ctx, id, actor)
	if err != nil {
		return false, err
	}

	if job.Status == models.JobStatusPending || job.Status == models.JobStatusQueued {
		o.queues[job.Capability].Remove(id)
		cancelled := models.JobStatusCancelled
		now := time.Now().UTC()
		err := o.jobs.UpdateJobPartial(ctx, id, store.JobUpdate{Status: &cancelled, CompletedAt: &now})
		if err == nil {
			recordQueueDepth(job.Capability, o.queues[job.Capability].Len())
			recordJobDone(job.Capability, models.JobStatusCancelled, now.Sub(job.CreatedAt))
			o.publish(Event{JobID: id, TenantID: job.TenantID, Type: EventJobCancelled})
			o.subs.closeJob(id)
			log.Info().Str("jobId", id).Msg("Cancelled queued job")
			return true, nil
		}
		if errors.KindOf(err) != errors.KindConflict {
			return false, err
		}
		// Lost the race against a dispatcher; re-read and fall through.
		job, err = o.jobs.GetJobForActor(ctx, id, actor)
		if err != nil {
			return false, err
		}
	}

	if job.Status == models.JobStatusRunning {
		o.mu.Lock()
		run := o.running[id]
		o.mu.Unlock()

		meta := job.Metadata.Clone()
		if meta == nil {
			meta = models.JSONMap{}
		}
		meta["cancel_requested"] = true

		if run != nil {
			run.cancelRequested.Store(true)
			run.cancel()
			if err := o.jobs.UpdateJobPartial(ctx, id, store.JobUpdate{Metadata: meta}); err != nil {
				log.Warn().Err(err).Str("jobId", id).Msg("Failed to stamp cancel intent")
			}
			log.Info().Str("jobId", id).Msg("Cancellation signalled to running job")
			return true, nil
		}

		// No live execution: the job is waiting out a retry backoff. Stop
		// the timer, drop any requeued entry and finish the cancellation.
		o.mu.Lock()
		if timer := o.retryTimers[id]; timer != nil {
			timer.Stop()
			delete(o.retryTimers, id)
		}
		o.mu.Unlock()
		o.queues[job.Capability].Remove(id)

		cancelled := models.JobStatusCancelled
		now := time.Now().UTC()
		err := o.jobs.UpdateJobPartial(ctx, id, store.JobUpdate{Status: &cancelled, CompletedAt: &now, Metadata: meta})
		if err != nil {
			if errors.KindOf(err) == errors.KindConflict {
				return false, nil
			}
			return false, err
		}
		recordJobDone(job.Capability, models.JobStatusCancelled, now.Sub(job.CreatedAt))
		o.publish(Event{JobID: id, TenantID: job.TenantID, Type: EventJobCancelled})
		o.subs.closeJob(id)
		log.Info().Str("jobId", id).Msg("Cancelled job awaiting retry")
		return true, nil
	}

	return false, nil
}

// ProgressSnapshot is the getProgress view of a job.
type ProgressSnapshot struct {
	JobID    string                    `json:"jobId"`
	Status   models.JobStatus          `json:"status"`
	Progress int                       `json:"progress"`
	LastLog  *models.ExecutionLogEntry `json:"lastLog,omitempty"`
}

// GetProgress returns a point-in-time progress snapshot.
func (o *Orchestrator) GetProgress(ctx context.Context, id string, actor models.Actor) (*ProgressSnapshot, error) {
	job, err := o.jobs.GetJobForActor(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	snap := &ProgressSnapshot{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
	}
	if n := len(job.ExecutionLogs); n > 0 {
		last := job.ExecutionLogs[n-1]
		snap.LastLog = &last
	}
	return snap, nil
}

// Subscribe returns a channel of lifecycle events for one job, closed after
// the terminal event. The returned stop function releases the subscription
// early. Jobs already terminal yield a closed channel.
func (o *Orchestrator) Subscribe(ctx context.Context, id string, actor models.Actor) (<-chan Event, func(), error) {
	ch := o.subs.subscribe(id)

	job, err := o.jobs.GetJobForActor(ctx, id, actor)
	if err != nil {
		o.subs.unsubscribe(id, ch)
		return nil, nil, err
	}
	if job.Status.IsTerminal() {
		o.subs.unsubscribe(id, ch)
		return ch, func() {}, nil
	}

	var once sync.Once
	stop := func() {
		once.Do(func() { o.subs.unsubscribe(id, ch) })
	}
	return ch, stop, nil
}

// ExecuteJobNow runs a waiting job synchronously, bypassing queue order and
// the tenant admission gate. Intended for manual triggers and tests.
func (o *Orchestrator) ExecuteJobNow(ctx context.Context, id string) error {
	job, err := o.jobs.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() || job.Status == models.JobStatusRunning {
		return errors.Conflictf("job %s is %s", id, job.Status)
	}
	if job.Status == models.JobStatusPending {
		queued := models.JobStatusQueued
		if err := o.jobs.UpdateJobPartial(ctx, id, store.JobUpdate{Status: &queued}); err != nil {
			return err
		}
	}
	o.queues[job.Capability].Remove(id)

	o.gate.forceAcquire(job.TenantID)
	o.runJob(ctx, id, job.Capability, job.TenantID)
	return nil
}

// QueueDepth reports how many jobs are waiting for a capability.
func (o *Orchestrator) QueueDepth(c models.Capability) int {
	if q := o.queues[c]; q != nil {
		return q.Len()
	}
	return 0
}

// InFlight reports a tenant's current running-job count.
func (o *Orchestrator) InFlight(tenantID string) int {
	return o.gate.count(tenantID)
}

// publish stamps the event time and fans out to subscribers and the hub.
func (o *Orchestrator) publish(ev Event) {
	ev.At = time.Now().UTC()
	o.subs.publish(ev)

	payload := models.JSONMap{"jobId": ev.JobID, "tenantId": ev.TenantID}
	for k, v := range ev.Data {
		payload[k] = v
	}
	o.hub.BroadcastJobEvent(ev.TenantID, ev.Type, payload)
}

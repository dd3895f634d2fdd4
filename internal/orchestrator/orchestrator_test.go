package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cipher-x-sudo/cybernexus/internal/capability"
	"github.com/cipher-x-sudo/cybernexus/internal/config"
	"github.com/cipher-x-sudo/cybernexus/internal/errors"
	"github.com/cipher-x-sudo/cybernexus/internal/models"
	"github.com/cipher-x-sudo/cybernexus/internal/store"
)

type recordedEvent struct {
	TenantID string
	Type     string
	Data     map[string]any
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) BroadcastJobEvent(tenantID, eventType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payload, _ := data.(models.JSONMap)
	r.events = append(r.events, recordedEvent{TenantID: tenantID, Type: eventType, Data: payload})
}

func (r *eventRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func (r *eventRecorder) ofType(eventType string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	orch     *Orchestrator
	jobs     *store.JobStore
	findings *store.FindingStore
	registry *capability.Registry
	recorder *eventRecorder
	cfg      *config.Config
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "orch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		TenantInFlightCap: 8,
		MaxRetries:        3,
		QueueSoftLimit:    100,
		QueueHardLimit:    1000,
		ExecutionTimeout:  time.Minute,
		RetryBackoffBase:  10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(cfg)
	}

	registry := capability.NewRegistry()
	for _, c := range models.AllCapabilities() {
		registry.SetWorkers(c, 1)
	}

	recorder := &eventRecorder{}
	env := &testEnv{
		orch:     New(cfg, store.NewJobStore(db), store.NewFindingStore(db), registry, recorder),
		jobs:     store.NewJobStore(db),
		findings: store.NewFindingStore(db),
		registry: registry,
		recorder: recorder,
		cfg:      cfg,
	}
	return env
}

func (env *testEnv) start(t *testing.T) {
	t.Helper()
	env.orch.Start(context.Background())
	t.Cleanup(env.orch.Stop)
}

func (env *testEnv) waitTerminal(t *testing.T, jobID string, within time.Duration) *models.Job {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		job, err := env.jobs.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status.IsTerminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job, err := env.jobs.GetJob(context.Background(), jobID); err == nil {
		t.Fatalf("job %s never reached a terminal state, still %s", jobID, job.Status)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return nil
}

func (env *testEnv) mustCreate(t *testing.T, a models.Actor, c models.Capability, target string, cfg models.JSONMap, prio models.JobPriority) *models.Job {
	t.Helper()
	job, err := env.orch.CreateJob(context.Background(), a, c, target, cfg, prio)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func (env *testEnv) waitStatus(t *testing.T, jobID string, status models.JobStatus, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		job, err := env.jobs.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, status)
}

func actor(tenant string) models.Actor {
	return models.Actor{TenantID: tenant, UserID: "tester", Role: models.RoleUser}
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.Register(models.CapabilityEmailAudit, func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return &capability.Result{}, nil
	})
	ctx := context.Background()

	_, err := env.orch.CreateJob(ctx, actor("t1"), "no_such_capability", "example.com", nil, models.PriorityNormal)
	if errors.KindOf(err) != errors.KindValidation {
		t.Errorf("unknown capability: kind = %v, want validation", errors.KindOf(err))
	}

	_, err = env.orch.CreateJob(ctx, actor("t1"), models.CapabilityEmailAudit, "   ", nil, models.PriorityNormal)
	if errors.KindOf(err) != errors.KindValidation {
		t.Errorf("empty target: kind = %v, want validation", errors.KindOf(err))
	}

	_, err = env.orch.CreateJob(ctx, actor("t1"), models.CapabilityInvestigation, "example.com", nil, models.PriorityNormal)
	if errors.KindOf(err) != errors.KindConfiguration {
		t.Errorf("missing executor: kind = %v, want configuration", errors.KindOf(err))
	}

	_, err = env.orch.CreateJob(ctx, models.Actor{}, models.CapabilityEmailAudit, "example.com", nil, models.PriorityNormal)
	if errors.KindOf(err) != errors.KindValidation {
		t.Errorf("missing tenant: kind = %v, want validation", errors.KindOf(err))
	}

	job, err := env.orch.CreateJob(ctx, actor("t1"), models.CapabilityEmailAudit, "example.com", models.JSONMap{"depth": 2}, models.PriorityHigh)
	if err != nil {
		t.Fatalf("valid create failed: %v", err)
	}
	if job.Status != models.JobStatusQueued {
		t.Errorf("new job status = %s, want queued", job.Status)
	}
	if env.recorder.count(EventJobQueued) != 1 {
		t.Errorf("expected one job.queued event, got %d", env.recorder.count(EventJobQueued))
	}
}

func TestQueueBackpressure(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.QueueSoftLimit = 1
		cfg.QueueHardLimit = 2
	})
	env.registry.Register(models.CapabilityEmailAudit, func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return &capability.Result{}, nil
	})
	ctx := context.Background()

	first, err := env.orch.CreateJob(ctx, actor("t1"), models.CapabilityEmailAudit, "a.example.com", nil, models.PriorityNormal)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if first.Metadata.GetBool("queue_warning") {
		t.Error("first job should not carry a queue warning")
	}

	second, err := env.orch.CreateJob(ctx, actor("t1"), models.CapabilityEmailAudit, "b.example.com", nil, models.PriorityNormal)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !second.Metadata.GetBool("queue_warning") {
		t.Error("second job should carry a queue warning past the soft limit")
	}

	_, err = env.orch.CreateJob(ctx, actor("t1"), models.CapabilityEmailAudit, "c.example.com", nil, models.PriorityNormal)
	if errors.KindOf(err) != errors.KindOverloaded {
		t.Errorf("hard limit: kind = %v, want overloaded", errors.KindOf(err))
	}
}

// Scenario: four jobs at different priorities dispatch as critical, high,
// normal, low with a single worker.
func TestPriorityDispatchOrder(t *testing.T) {
	env := newTestEnv(t, nil)

	var mu sync.Mutex
	var order []string
	env.registry.Register(models.CapabilityEmailAudit, func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		mu.Lock()
		order = append(order, req.JobID)
		mu.Unlock()
		return &capability.Result{}, nil
	})

	j1 := env.mustCreate(t, actor("t1"), models.CapabilityEmailAudit, "one.example.com", nil, models.PriorityNormal)
	j2 := env.mustCreate(t, actor("t1"), models.CapabilityEmailAudit, "two.example.com", nil, models.PriorityCritical)
	j3 := env.mustCreate(t, actor("t1"), models.CapabilityEmailAudit, "three.example.com", nil, models.PriorityLow)
	j4 := env.mustCreate(t, actor("t1"), models.CapabilityEmailAudit, "four.example.com", nil, models.PriorityHigh)

	env.start(t)

	for _, j := range []*models.Job{j1, j2, j3, j4} {
		env.waitTerminal(t, j.ID, 5*time.Second)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{j2.ID, j4.ID, j1.ID, j3.ID}
	if len(order) != len(want) {
		t.Fatalf("executed %d jobs, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("dispatch[%d] = %s, want %s (full order %v)", i, order[i], want[i], order)
		}
	}
}

// Scenario: per-tenant in-flight cap holds one tenant at its limit while
// other tenants keep running, and frees the waiting job on completion.
func TestTenantInFlightCap(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.TenantInFlightCap = 2
	})
	env.registry.SetWorkers(models.CapabilityInfrastructureTesting, 4)

	releaseT1 := make(chan struct{})
	releaseT2 := make(chan struct{})
	env.registry.Register(models.CapabilityInfrastructureTesting, func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		release := releaseT1
		if req.TenantID == "t2" {
			release = releaseT2
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &capability.Result{}, nil
	})

	ctx := context.Background()
	var t1Jobs []*models.Job
	for i := 0; i < 5; i++ {
		job, err := env.orch.CreateJob(ctx, actor("t1"), models.CapabilityInfrastructureTesting, "t1.example.com", nil, models.PriorityNormal)
		if err != nil {
			t.Fatalf("create t1 job: %v", err)
		}
		t1Jobs = append(t1Jobs, job)
	}
	for i := 0; i < 2; i++ {
		if _, err := env.orch.CreateJob(ctx, actor("t2"), models.CapabilityInfrastructureTesting, "t2.example.com", nil, models.PriorityNormal); err != nil {
			t.Fatalf("create t2 job: %v", err)
		}
	}

	env.start(t)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if env.orch.InFlight("t1") == 2 && env.orch.InFlight("t2") == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := env.orch.InFlight("t1"); got != 2 {
		t.Fatalf("t1 in-flight = %d, want 2", got)
	}
	if got := env.orch.InFlight("t2"); got != 2 {
		t.Fatalf("t2 in-flight = %d, want 2", got)
	}
	if depth := env.orch.QueueDepth(models.CapabilityInfrastructureTesting); depth != 3 {
		t.Fatalf("queue depth = %d, want 3 waiting t1 jobs", depth)
	}

	// Give the cap a moment to prove it holds steady.
	time.Sleep(200 * time.Millisecond)
	if got := env.orch.InFlight("t1"); got != 2 {
		t.Fatalf("t1 exceeded its cap: %d", got)
	}

	// Completing one t1 job lets the next t1 job through.
	releaseT1 <- struct{}{}
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if env.orch.QueueDepth(models.CapabilityInfrastructureTesting) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if depth := env.orch.QueueDepth(models.CapabilityInfrastructureTesting); depth != 2 {
		t.Fatalf("waiting job not admitted after slot freed: depth=%d", depth)
	}

	close(releaseT1)
	close(releaseT2)
	for _, j := range t1Jobs {
		env.waitTerminal(t, j.ID, 5*time.Second)
	}
}

// Scenario: two transient failures then success. Retries stay internal: one
// job.started, one job.succeeded, attempts recorded in metadata.
func TestTransientRetrySucceeds(t *testing.T) {
	env := newTestEnv(t, nil)

	var attempts atomic.Int32
	env.registry.Register(models.CapabilityDarkwebIntelligence, func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.Transientf("upstream relay timed out")
		}
		return &capability.Result{
			Findings: []capability.RawFinding{{
				Severity:    models.SeverityHigh,
				Title:       "Credentials offered for sale",
				Description: "Marketplace listing matches corporate domain",
				Evidence:    models.JSONMap{"listing": "market-442"},
			}},
		}, nil
	})

	env.start(t)

	job, err := env.orch.CreateJob(context.Background(), actor("t1"), models.CapabilityDarkwebIntelligence, "example.onion", nil, models.PriorityNormal)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	final := env.waitTerminal(t, job.ID, 10*time.Second)
	if final.Status != models.JobStatusSucceeded {
		t.Fatalf("status = %s, want succeeded (error=%q)", final.Status, final.Error)
	}
	if got := final.Metadata.GetInt("attempts"); got != 3 {
		t.Errorf("metadata.attempts = %d, want 3", got)
	}
	if final.Progress != 100 {
		t.Errorf("progress = %d, want 100", final.Progress)
	}
	if final.CompletedAt == nil {
		t.Error("completedAt not set")
	}

	found, err := env.findings.ListByJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("list findings: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("findings = %d, want 1", len(found))
	}

	if got := env.recorder.count(EventJobStarted); got != 1 {
		t.Errorf("job.started events = %d, want 1 (retries are internal)", got)
	}
	if got := env.recorder.count(EventJobSucceeded); got != 1 {
		t.Errorf("job.succeeded events = %d, want 1", got)
	}
}

func TestTransientRetriesExhausted(t *testing.T) {
	env := newTestEnv(t, nil)

	var attempts atomic.Int32
	env.registry.Register(models.CapabilityExposureDiscovery, func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		attempts.Add(1)
		return nil, errors.Transientf("resolver unreachable")
	})

	env.start(t)

	job, err := env.orch.CreateJob(context.Background(), actor("t1"), models.CapabilityExposureDiscovery, "example.com", nil, models.PriorityNormal)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	final := env.waitTerminal(t, job.ID, 10*time.Second)
	if final.Status != models.JobStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("executions = %d, want 3", got)
	}
	if final.Error == "" {
		t.Error("terminal failure carries no error message")
	}
	if got := final.Metadata.GetInt("attempts"); got != 3 {
		t.Errorf("metadata.attempts = %d, want 3", got)
	}
}

func TestFatalErrorDoesNotRetry(t *testing.T) {
	env := newTestEnv(t, nil)

	var attempts atomic.Int32
	env.registry.Register(models.CapabilityEmailAudit, func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		attempts.Add(1)
		return nil, errors.Validationf("target is not a mail domain")
	})

	env.start(t)

	job := env.mustCreate(t, actor("t1"), models.CapabilityEmailAudit, "example.com", nil, models.PriorityNormal)
	final := env.waitTerminal(t, job.ID, 5*time.Second)

	if final.Status != models.JobStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("fatal error retried: %d executions", got)
	}
}

// Scenario: a cooperative executor observes the cancel signal at its next
// checkpoint and the job lands in cancelled promptly.
func TestCooperativeCancel(t *testing.T) {
	env := newTestEnv(t, nil)

	startedExec := make(chan struct{})
	env.registry.Register(models.CapabilityInvestigation, func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		close(startedExec)
		for {
			if req.Cancel.IsCancelled() {
				return nil, req.Cancel.Err()
			}
			time.Sleep(20 * time.Millisecond)
		}
	})

	env.start(t)

	job, err := env.orch.CreateJob(context.Background(), actor("t1"), models.CapabilityInvestigation, "subject-7", nil, models.PriorityNormal)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	<-startedExec
	env.waitStatus(t, job.ID, models.JobStatusRunning, 2*time.Second)

	ok, err := env.orch.CancelJob(context.Background(), job.ID, actor("t1"))
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	final := env.waitTerminal(t, job.ID, 2*time.Second)
	if final.Status != models.JobStatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	if !final.Metadata.GetBool("cancel_requested") {
		t.Error("cancel_requested not stamped on metadata")
	}
	if final.CompletedAt == nil {
		t.Error("completedAt not set on cancellation")
	}

	// No findings appear for cancelled work.
	found, _ := env.findings.ListByJob(context.Background(), job.ID)
	if len(found) != 0 {
		t.Errorf("cancelled job persisted %d findings", len(found))
	}
}

// Scenario: an executor that ignores its cancel signal is abandoned after
// the escalation window and the job records that.
func TestCancelIgnoredEscalatesToAbandonment(t *testing.T) {
	oldTimeout := abandonTimeout
	abandonTimeout = 150 * time.Millisecond
	t.Cleanup(func() { abandonTimeout = oldTimeout })

	env := newTestEnv(t, nil)

	startedExec := make(chan struct{})
	neverDone := make(chan struct{})
	env.registry.Register(models.CapabilityNetworkSecurity, func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		close(startedExec)
		<-neverDone
		return &capability.Result{}, nil
	})
	t.Cleanup(func() { close(neverDone) })

	env.start(t)

	job := env.mustCreate(t, actor("t1"), models.CapabilityNetworkSecurity, "10.0.0.0/24", nil, models.PriorityNormal)
	<-startedExec
	env.waitStatus(t, job.ID, models.JobStatusRunning, 2*time.Second)

	ok, err := env.orch.CancelJob(context.Background(), job.ID, actor("t1"))
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	final := env.waitTerminal(t, job.ID, 3*time.Second)
	if final.Status != models.JobStatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	if final.Error != "cancellation not honoured; abandoned" {
		t.Errorf("error = %q, want abandonment note", final.Error)
	}
}

func TestCancelQueuedJobIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.Register(models.CapabilityEmailAudit, func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return &capability.Result{}, nil
	})
	ctx := context.Background()

	// No workers started: the job stays queued.
	job, err := env.orch.CreateJob(ctx, actor("t1"), models.CapabilityEmailAudit, "example.com", nil, models.PriorityNormal)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := env.orch.CancelJob(ctx, job.ID, actor("t1"))
	if err != nil || !ok {
		t.Fatalf("first cancel: ok=%v err=%v", ok, err)
	}

	got, _ := env.jobs.GetJob(ctx, job.ID)
	if got.Status != models.JobStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("completedAt not set")
	}

	ok, err = env.orch.CancelJob(ctx, job.ID, actor("t1"))
	if err != nil {
		t.Fatalf("second cancel errored: %v", err)
	}
	if ok {
		t.Error("second cancel reported true; want false no-op")
	}
}

func TestCancelCrossTenantDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.Register(models.CapabilityEmailAudit, func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return &capability.Result{}, nil
	})
	ctx := context.Background()

	job := env.mustCreate(t, actor("t1"), models.CapabilityEmailAudit, "example.com", nil, models.PriorityNormal)

	_, err := env.orch.CancelJob(ctx, job.ID, actor("t2"))
	if errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("cross-tenant cancel kind = %v, want not_found", errors.KindOf(err))
	}
}

func TestProgressClampAndMonotonicity(t *testing.T) {
	env := newTestEnv(t, nil)

	env.registry.Register(models.CapabilityEmailAudit, func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		req.Progress.Report(50, "halfway")
		req.Progress.Report(10, "bogus regression")
		req.Progress.Report(150, "bogus overshoot")
		return &capability.Result{}, nil
	})

	env.start(t)

	job := env.mustCreate(t, actor("t1"), models.CapabilityEmailAudit, "example.com", nil, models.PriorityNormal)
	final := env.waitTerminal(t, job.ID, 5*time.Second)

	if final.Status != models.JobStatusSucceeded {
		t.Fatalf("status = %s", final.Status)
	}
	var seen []int
	for _, ev := range env.recorder.ofType(EventJobProgress) {
		if p, ok := ev.Data["progress"].(int); ok {
			seen = append(seen, p)
		}
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Errorf("progress regressed: %v", seen)
		}
	}
	for _, p := range seen {
		if p < 0 || p > 100 {
			t.Errorf("progress out of range: %v", seen)
		}
	}
}

func TestSubscribeStreamsUntilTerminal(t *testing.T) {
	env := newTestEnv(t, nil)

	env.registry.Register(models.CapabilityEmailAudit, func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		req.Progress.Report(40, "checking SPF")
		return &capability.Result{}, nil
	})

	ctx := context.Background()
	job, err := env.orch.CreateJob(ctx, actor("t1"), models.CapabilityEmailAudit, "example.com", nil, models.PriorityNormal)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ch, stop, err := env.orch.Subscribe(ctx, job.ID, actor("t1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	env.start(t)

	var types []string
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Stream ended with the terminal event.
				var sawStarted, sawSucceeded bool
				for _, typ := range types {
					if typ == EventJobStarted {
						sawStarted = true
					}
					if typ == EventJobSucceeded {
						sawSucceeded = true
					}
				}
				if !sawStarted || !sawSucceeded {
					t.Fatalf("incomplete stream: %v", types)
				}
				return
			}
			types = append(types, ev.Type)
		case <-deadline:
			t.Fatalf("subscription never closed; saw %v", types)
		}
	}
}

func TestSubscribeTerminalJobYieldsClosedChannel(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.Register(models.CapabilityEmailAudit, func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return &capability.Result{}, nil
	})
	ctx := context.Background()

	job := env.mustCreate(t, actor("t1"), models.CapabilityEmailAudit, "example.com", nil, models.PriorityNormal)
	if ok, err := env.orch.CancelJob(ctx, job.ID, actor("t1")); !ok || err != nil {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	ch, stop, err := env.orch.Subscribe(ctx, job.ID, actor("t1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel for terminal job")
		}
	case <-time.After(time.Second):
		t.Error("channel for terminal job not closed")
	}
}

func TestExecuteJobNowBypassesQueue(t *testing.T) {
	env := newTestEnv(t, nil)

	var ran atomic.Bool
	env.registry.Register(models.CapabilityEmailAudit, func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		ran.Store(true)
		return &capability.Result{}, nil
	})

	ctx := context.Background()
	job := env.mustCreate(t, actor("t1"), models.CapabilityEmailAudit, "example.com", nil, models.PriorityNormal)

	// Workers are not running; direct execution must finish the job anyway.
	if err := env.orch.ExecuteJobNow(ctx, job.ID); err != nil {
		t.Fatalf("execute now: %v", err)
	}
	if !ran.Load() {
		t.Fatal("executor never invoked")
	}

	got, _ := env.jobs.GetJob(ctx, job.ID)
	if got.Status != models.JobStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}

	if err := env.orch.ExecuteJobNow(ctx, job.ID); errors.KindOf(err) != errors.KindConflict {
		t.Errorf("re-execution of terminal job: kind = %v, want conflict", errors.KindOf(err))
	}
}

func TestGetProgressSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.Register(models.CapabilityEmailAudit, func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		req.Progress.Report(75, "checking DMARC alignment")
		return &capability.Result{}, nil
	})

	ctx := context.Background()
	job := env.mustCreate(t, actor("t1"), models.CapabilityEmailAudit, "example.com", nil, models.PriorityNormal)
	if err := env.orch.ExecuteJobNow(ctx, job.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	snap, err := env.orch.GetProgress(ctx, job.ID, actor("t1"))
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if snap.Status != models.JobStatusSucceeded || snap.Progress != 100 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.LastLog == nil || snap.LastLog.Message != "checking DMARC alignment" {
		t.Errorf("lastLog = %+v", snap.LastLog)
	}
}

func TestRecoverInterruptedJobs(t *testing.T) {
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "recover.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	jobs := store.NewJobStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	stuck := &models.Job{
		ID: "stuck-1", TenantID: "t1", Capability: models.CapabilityEmailAudit,
		Target: "example.com", Status: models.JobStatusRunning,
		Priority: models.PriorityNormal, CreatedAt: now, StartedAt: &now,
	}
	waiting := &models.Job{
		ID: "waiting-1", TenantID: "t1", Capability: models.CapabilityEmailAudit,
		Target: "example.com", Status: models.JobStatusQueued,
		Priority: models.PriorityNormal, CreatedAt: now,
	}
	if err := jobs.UpsertJob(ctx, stuck); err != nil {
		t.Fatalf("seed stuck: %v", err)
	}
	if err := jobs.UpsertJob(ctx, waiting); err != nil {
		t.Fatalf("seed waiting: %v", err)
	}

	cfg := &config.Config{
		TenantInFlightCap: 8, MaxRetries: 3,
		QueueSoftLimit: 100, QueueHardLimit: 1000,
		ExecutionTimeout: time.Minute, RetryBackoffBase: 10 * time.Millisecond,
	}
	registry := capability.NewRegistry()
	for _, c := range models.AllCapabilities() {
		registry.SetWorkers(c, 1)
	}
	var ran atomic.Bool
	registry.Register(models.CapabilityEmailAudit, func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		if req.JobID == "waiting-1" {
			ran.Store(true)
		}
		return &capability.Result{}, nil
	})

	orch := New(cfg, jobs, store.NewFindingStore(db), registry, NopBroadcaster{})
	orch.Start(ctx)
	t.Cleanup(orch.Stop)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !ran.Load() {
		time.Sleep(10 * time.Millisecond)
	}
	if !ran.Load() {
		t.Fatal("recovered queued job never dispatched")
	}

	failedJob, _ := jobs.GetJob(ctx, "stuck-1")
	if failedJob.Status != models.JobStatusFailed {
		t.Errorf("stuck job status = %s, want failed", failedJob.Status)
	}
	if failedJob.Error != "interrupted by restart" {
		t.Errorf("stuck job error = %q", failedJob.Error)
	}
}

func TestSucceededJobVisibleWithFindingsAtomically(t *testing.T) {
	env := newTestEnv(t, nil)

	env.registry.Register(models.CapabilityExposureDiscovery, func(ctx context.Context, req capability.Request) (*capability.Result, error) {
		return &capability.Result{
			Findings: []capability.RawFinding{
				{Severity: models.SeverityMedium, Title: "Exposed admin panel", Description: "Reachable without auth"},
				{Severity: models.SeverityLow, Title: "Verbose server header", Description: "Version disclosure"},
			},
		}, nil
	})

	env.start(t)

	job := env.mustCreate(t, actor("t1"), models.CapabilityExposureDiscovery, "example.com", nil, models.PriorityNormal)

	// Whenever the job reads as succeeded, its findings must already be there.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := env.jobs.GetJob(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == models.JobStatusSucceeded {
			found, err := env.findings.ListByJob(context.Background(), job.ID)
			if err != nil {
				t.Fatalf("findings: %v", err)
			}
			if len(found) != 2 {
				t.Fatalf("job succeeded with %d findings visible, want 2", len(found))
			}
			for _, f := range found {
				if f.Evidence.GetString("job_id") != job.ID {
					t.Errorf("finding evidence.job_id = %q, want %s", f.Evidence.GetString("job_id"), job.ID)
				}
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never succeeded")
}

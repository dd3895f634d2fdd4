// Package scheduler turns scheduled searches into jobs. A single 30-second
// timer loop walks the armed bindings, coalesces fires missed while the
// process was down, and fans each fire out into one job per capability.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/cipher-x-sudo/cybernexus/internal/config"
	"github.com/cipher-x-sudo/cybernexus/internal/errors"
	"github.com/cipher-x-sudo/cybernexus/internal/models"
	"github.com/cipher-x-sudo/cybernexus/internal/store"
)

const (
	tickInterval = 30 * time.Second

	// maxCoalesce bounds the due-fire walk for schedules that went stale for
	// a very long time; past this the missed count saturates.
	maxCoalesce = 1000
)

// JobCreator is the orchestrator surface the scheduler needs.
type JobCreator interface {
	CreateJob(ctx context.Context, actor models.Actor, c models.Capability, target string, cfg models.JSONMap, priority models.JobPriority) (*models.Job, error)
}

// binding is one armed search with its parsed schedule and location cached.
type binding struct {
	search   *models.ScheduledSearch
	schedule cron.Schedule
	loc      *time.Location
}

// Scheduler owns the timer loop and the binding table. All mutations of
// scheduled searches go through it so the in-memory bindings stay in step
// with the store.
type Scheduler struct {
	store *store.ScheduleStore
	jobs  JobCreator
	grace time.Duration

	mu       sync.Mutex
	bindings map[string]*binding
	active   map[string]struct{}
	ticker   *time.Ticker
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a scheduler over the schedule store and job creator.
func New(cfg *config.Config, scheduleStore *store.ScheduleStore, jobs JobCreator) *Scheduler {
	grace := config.DefaultMisfireGrace
	if cfg != nil && cfg.MisfireGrace > 0 {
		grace = cfg.MisfireGrace
	}
	return &Scheduler{
		store:    scheduleStore,
		jobs:     jobs,
		grace:    grace,
		bindings: make(map[string]*binding),
		active:   make(map[string]struct{}),
	}
}

// Start arms every enabled search and begins the timer loop. Safe to call
// more than once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ticker = time.NewTicker(tickInterval)
	ticker := s.ticker
	s.mu.Unlock()

	if err := s.Reload(loopCtx); err != nil {
		log.Error().Err(err).Msg("Failed to arm scheduled searches")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tickOnce(loopCtx, time.Now().UTC())
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				s.tickOnce(loopCtx, now.UTC())
			}
		}
	}()
	log.Info().Dur("tick", tickInterval).Dur("misfireGrace", s.grace).Msg("Scheduler started")
}

// Stop halts the loop and waits for an in-progress tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

// Reload re-arms the binding table from every enabled search in the store.
// Searches with unparseable schedules are logged and left unarmed.
func (s *Scheduler) Reload(ctx context.Context) error {
	searches, err := s.store.ListEnabled(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]*binding, len(searches))
	for _, search := range searches {
		sched, loc, err := parseSchedule(search.CronExpression, search.Timezone)
		if err != nil {
			log.Warn().
				Err(err).
				Str("searchId", search.ID).
				Str("name", search.Name).
				Msg("Scheduled search has an invalid schedule; not armed")
			continue
		}
		fresh[search.ID] = &binding{search: search, schedule: sched, loc: loc}
	}

	s.mu.Lock()
	s.bindings = fresh
	s.mu.Unlock()
	log.Info().Int("armed", len(fresh)).Msg("Scheduled searches armed")
	return nil
}

// Add validates, persists and arms a new search. NextRunAt is computed in
// the schedule's timezone and stored in UTC.
func (s *Scheduler) Add(ctx context.Context, search *models.ScheduledSearch) error {
	if search.Timezone == "" {
		search.Timezone = "UTC"
	}
	sched, loc, err := parseSchedule(search.CronExpression, search.Timezone)
	if err != nil {
		return err
	}
	next := sched.Next(time.Now().In(loc)).UTC()
	search.NextRunAt = &next

	if err := s.store.CreateScheduledSearch(ctx, search); err != nil {
		return err
	}
	if search.Enabled {
		s.arm(search, sched, loc)
	}
	return nil
}

// Update persists changed fields and re-arms the binding. Disabling a search
// disarms it without touching its history.
func (s *Scheduler) Update(ctx context.Context, search *models.ScheduledSearch) error {
	if search.Timezone == "" {
		search.Timezone = "UTC"
	}
	sched, loc, err := parseSchedule(search.CronExpression, search.Timezone)
	if err != nil {
		return err
	}
	next := sched.Next(time.Now().In(loc)).UTC()
	search.NextRunAt = &next

	if err := s.store.UpdateScheduledSearch(ctx, search); err != nil {
		return err
	}
	if search.Enabled {
		s.arm(search, sched, loc)
	} else {
		s.disarm(search.ID)
	}
	return nil
}

// Remove deletes a search and disarms it. Disarming an unknown ID is a no-op.
func (s *Scheduler) Remove(ctx context.Context, tenantID, id string) error {
	s.disarm(id)
	return s.store.DeleteScheduledSearch(ctx, tenantID, id)
}

// SetEnabled flips a search on or off, arming or disarming accordingly.
func (s *Scheduler) SetEnabled(ctx context.Context, tenantID, id string, enabled bool) error {
	if err := s.store.SetEnabled(ctx, tenantID, id, enabled); err != nil {
		return err
	}
	if !enabled {
		s.disarm(id)
		return nil
	}
	search, err := s.store.GetScheduledSearch(ctx, tenantID, id)
	if err != nil {
		return err
	}
	sched, loc, err := parseSchedule(search.CronExpression, search.Timezone)
	if err != nil {
		return err
	}
	if search.NextRunAt == nil {
		next := sched.Next(time.Now().In(loc)).UTC()
		search.NextRunAt = &next
		if err := s.store.SetNextRun(ctx, id, next); err != nil {
			return err
		}
	}
	s.arm(search, sched, loc)
	return nil
}

// TriggerNow materialises a search immediately without touching its cron
// state: nextRunAt, lastRunAt and runCount stay as they were.
func (s *Scheduler) TriggerNow(ctx context.Context, tenantID, id string) error {
	search, err := s.store.GetScheduledSearch(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !s.claim(id) {
		return errors.Conflictf("scheduled search %s is already materialising", id).WithTenant(tenantID)
	}
	defer s.release(id)
	s.materialise(ctx, search)
	return nil
}

func (s *Scheduler) arm(search *models.ScheduledSearch, sched cron.Schedule, loc *time.Location) {
	s.mu.Lock()
	s.bindings[search.ID] = &binding{search: search.Clone(), schedule: sched, loc: loc}
	s.mu.Unlock()
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	delete(s.bindings, id)
	s.mu.Unlock()
}

// tickOnce evaluates every armed binding against now.
func (s *Scheduler) tickOnce(ctx context.Context, now time.Time) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.bindings))
	for id := range s.bindings {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.evaluate(ctx, id, now)
	}
}

// fireResult reports what evaluate decided, for tests and logging.
type fireResult struct {
	fired  bool
	missed int
}

// evaluate checks one binding for dueness, applying the coalescing misfire
// policy: fires accumulated while down collapse into one materialisation
// when the latest of them is still inside the grace window, and are skipped
// entirely past it.
func (s *Scheduler) evaluate(ctx context.Context, id string, now time.Time) fireResult {
	s.mu.Lock()
	b, ok := s.bindings[id]
	if !ok || !b.search.Enabled {
		s.mu.Unlock()
		return fireResult{}
	}

	if b.search.NextRunAt == nil {
		next := b.schedule.Next(now.In(b.loc)).UTC()
		b.search.NextRunAt = &next
		s.mu.Unlock()
		if err := s.store.SetNextRun(ctx, id, next); err != nil {
			log.Error().Err(err).Str("searchId", id).Msg("Failed to persist next run")
		}
		return fireResult{}
	}

	next := b.search.NextRunAt.UTC()
	if now.Before(next) {
		s.mu.Unlock()
		return fireResult{}
	}

	// Walk the due fires between nextRun and now.
	due := 0
	nowLoc := now.In(b.loc)
	t := next.In(b.loc)
	latest := t
	for !t.After(nowLoc) && due < maxCoalesce {
		due++
		latest = t
		t = b.schedule.Next(t)
	}
	newNext := t.UTC()
	search := b.search.Clone()
	s.mu.Unlock()

	if now.Sub(latest.UTC()) > s.grace {
		log.Warn().
			Str("searchId", id).
			Str("name", search.Name).
			Int("missed", due).
			Time("nextRun", newNext).
			Msg("Fire window missed beyond grace; skipping")
		s.storeNextRun(ctx, id, newNext)
		return fireResult{missed: due}
	}

	if !s.claim(id) {
		// Previous materialisation still in flight; retry next tick.
		log.Debug().Str("searchId", id).Msg("Materialisation already running; deferred")
		return fireResult{}
	}
	defer s.release(id)

	if due > 1 {
		log.Warn().
			Str("searchId", id).
			Str("name", search.Name).
			Int("missed", due-1).
			Msg("Coalescing missed fires into one materialisation")
	}

	s.materialise(ctx, search)

	if err := s.store.MarkFired(ctx, id, now, newNext); err != nil {
		log.Error().Err(err).Str("searchId", id).Msg("Failed to record fire")
	}
	s.mu.Lock()
	if b, ok := s.bindings[id]; ok {
		fired := now
		b.search.LastRunAt = &fired
		b.search.NextRunAt = &newNext
		b.search.RunCount++
	}
	s.mu.Unlock()

	return fireResult{fired: true, missed: due - 1}
}

// materialise creates one background job per capability. Failures are
// per-capability: one refused job does not stop the others.
func (s *Scheduler) materialise(ctx context.Context, search *models.ScheduledSearch) {
	actor := models.Actor{TenantID: search.TenantID, UserID: "scheduler", Role: models.RoleUser}

	var g errgroup.Group
	for _, c := range search.Capabilities {
		c := c
		g.Go(func() error {
			cfg := capabilityConfig(search, c)
			cfg["scheduled_search_id"] = search.ID
			cfg["scheduled_search_name"] = search.Name
			cfg["capability"] = string(c)

			if _, err := s.jobs.CreateJob(ctx, actor, c, search.Target, cfg, models.PriorityBackground); err != nil {
				log.Error().
					Err(err).
					Str("searchId", search.ID).
					Str("capability", string(c)).
					Msg("Scheduled job creation failed")
			}
			return nil
		})
	}
	g.Wait()

	log.Info().
		Str("searchId", search.ID).
		Str("name", search.Name).
		Str("tenantId", search.TenantID).
		Int("capabilities", len(search.Capabilities)).
		Msg("Scheduled search materialised")
}

func (s *Scheduler) storeNextRun(ctx context.Context, id string, next time.Time) {
	if err := s.store.SetNextRun(ctx, id, next); err != nil {
		log.Error().Err(err).Str("searchId", id).Msg("Failed to persist next run")
		return
	}
	s.mu.Lock()
	if b, ok := s.bindings[id]; ok {
		b.search.NextRunAt = &next
	}
	s.mu.Unlock()
}

func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[id]; busy {
		return false
	}
	s.active[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// capabilityConfig slices the per-capability portion out of a search config.
// A key named after the capability holding an object is that capability's
// slice; otherwise the shared config applies, minus other capabilities'
// slices.
func capabilityConfig(search *models.ScheduledSearch, c models.Capability) models.JSONMap {
	if sub := search.Config.GetMap(string(c)); sub != nil {
		return sub.Clone()
	}
	cfg := search.Config.Clone()
	if cfg == nil {
		cfg = models.JSONMap{}
	}
	for _, other := range models.AllCapabilities() {
		delete(cfg, string(other))
	}
	return cfg
}

func parseSchedule(expr, tz string) (cron.Schedule, *time.Location, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, nil, errors.Validationf("invalid cron expression %q: %v", expr, err)
	}
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, nil, errors.Validationf("invalid timezone %q: %v", tz, err)
	}
	return sched, loc, nil
}

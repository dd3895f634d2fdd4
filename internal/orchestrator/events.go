package orchestrator

import (
	"sync"
	"time"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

// WebSocket event names for job lifecycle notifications.
const (
	EventJobQueued    = "job.queued"
	EventJobStarted   = "job.started"
	EventJobProgress  = "job.progress"
	EventJobFindings  = "job.findings"
	EventJobSucceeded = "job.succeeded"
	EventJobFailed    = "job.failed"
	EventJobCancelled = "job.cancelled"
)

// Event is one lifecycle notification for a job.
type Event struct {
	JobID    string         `json:"jobId"`
	TenantID string         `json:"tenantId"`
	Type     string         `json:"type"`
	Data     models.JSONMap `json:"data,omitempty"`
	At       time.Time      `json:"at"`
}

// Broadcaster pushes job events to connected clients. The WebSocket hub
// implements it; tests substitute a recorder.
type Broadcaster interface {
	BroadcastJobEvent(tenantID, eventType string, data any)
}

// NopBroadcaster discards events.
type NopBroadcaster struct{}

func (NopBroadcaster) BroadcastJobEvent(string, string, any) {}

const subscriberBuffer = 64

// subscriptions is the per-job channel registry backing Subscribe. Sends
// never block: a subscriber that falls more than subscriberBuffer events
// behind loses intermediate progress but still observes the channel close
// on the terminal event.
type subscriptions struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

func newSubscriptions() *subscriptions {
	return &subscriptions{subs: make(map[string][]chan Event)}
}

func (s *subscriptions) subscribe(jobID string) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	s.mu.Lock()
	s.subs[jobID] = append(s.subs[jobID], ch)
	s.mu.Unlock()
	return ch
}

func (s *subscriptions) unsubscribe(jobID string, ch <-chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels := s.subs[jobID]
	for i, c := range channels {
		if c == ch {
			s.subs[jobID] = append(channels[:i], channels[i+1:]...)
			close(c)
			break
		}
	}
	if len(s.subs[jobID]) == 0 {
		delete(s.subs, jobID)
	}
}

func (s *subscriptions) publish(ev Event) {
	s.mu.Lock()
	channels := append([]chan Event(nil), s.subs[ev.JobID]...)
	s.mu.Unlock()
	for _, ch := range channels {
		select {
		case ch <- ev:
		default:
		}
	}
}

// closeJob delivers nothing further; all subscriber channels are closed and
// the job's registry entry removed.
func (s *subscriptions) closeJob(jobID string) {
	s.mu.Lock()
	channels := s.subs[jobID]
	delete(s.subs, jobID)
	s.mu.Unlock()
	for _, ch := range channels {
		close(ch)
	}
}

// tenantGate enforces the per-tenant in-flight cap.
type tenantGate struct {
	mu       sync.Mutex
	inFlight map[string]int
	cap      int
}

func newTenantGate(capacity int) *tenantGate {
	if capacity < 1 {
		capacity = 1
	}
	return &tenantGate{
		inFlight: make(map[string]int),
		cap:      capacity,
	}
}

// tryAcquire takes a slot for the tenant, reporting false when the tenant is
// at its cap.
func (g *tenantGate) tryAcquire(tenantID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight[tenantID] >= g.cap {
		return false
	}
	g.inFlight[tenantID]++
	return true
}

// forceAcquire takes a slot regardless of the cap. Manual execution paths
// use it so release accounting stays balanced.
func (g *tenantGate) forceAcquire(tenantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight[tenantID]++
}

func (g *tenantGate) release(tenantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := g.inFlight[tenantID]; n <= 1 {
		delete(g.inFlight, tenantID)
	} else {
		g.inFlight[tenantID] = n - 1
	}
}

func (g *tenantGate) count(tenantID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight[tenantID]
}

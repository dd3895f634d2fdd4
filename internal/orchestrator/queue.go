// Package orchestrator owns the job lifecycle: admission, priority dispatch
// over per-capability worker pools, cooperative cancellation, retry with
// backoff, and post-processing of executor results.
package orchestrator

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

// queuedJob is one dispatchable entry. Jobs are re-read from the store at
// dispatch time, so the queue only carries ordering state.
type queuedJob struct {
	id        string
	tenantID  string
	priority  models.JobPriority
	createdAt time.Time
	seq       uint64
	index     int
}

type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].createdAt.Equal(h[j].createdAt) {
		return h[i].createdAt.Before(h[j].createdAt)
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	entry := x.(*queuedJob)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	if n == 0 {
		return nil
	}
	entry := old[n-1]
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// capQueue is the thread-safe priority queue for one capability. Ordering is
// priority descending, then createdAt ascending, then enqueue sequence.
type capQueue struct {
	mu      sync.Mutex
	entries map[string]*queuedJob
	heap    jobHeap
}

func newCapQueue() *capQueue {
	q := &capQueue{
		entries: make(map[string]*queuedJob),
		heap:    make(jobHeap, 0),
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue inserts a job. Re-enqueueing an ID already present updates its
// ordering in place.
func (q *capQueue) Enqueue(job *models.Job, seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if entry, ok := q.entries[job.ID]; ok {
		entry.priority = job.Priority
		entry.createdAt = job.CreatedAt
		entry.seq = seq
		heap.Fix(&q.heap, entry.index)
		return
	}

	entry := &queuedJob{
		id:        job.ID,
		tenantID:  job.TenantID,
		priority:  job.Priority,
		createdAt: job.CreatedAt,
		seq:       seq,
	}
	heap.Push(&q.heap, entry)
	q.entries[job.ID] = entry
}

// Remove deletes a job by ID, returning whether it was present. Used by
// cancellation of queued jobs.
func (q *capQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[jobID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, entry.index)
	delete(q.entries, jobID)
	return true
}

// Len returns the number of queued jobs.
func (q *capQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// popEligible removes and returns the best job whose tenant the admit gate
// accepts. Ineligible jobs are examined in priority order and put back, so a
// tenant at its in-flight cap is skipped without losing its queue position.
func (q *capQueue) popEligible(admit func(tenantID string) bool) (*queuedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []*queuedJob
	var picked *queuedJob
	for q.heap.Len() > 0 {
		entry := heap.Pop(&q.heap).(*queuedJob)
		if admit(entry.tenantID) {
			picked = entry
			delete(q.entries, entry.id)
			break
		}
		skipped = append(skipped, entry)
	}
	for _, entry := range skipped {
		heap.Push(&q.heap, entry)
	}
	return picked, picked != nil
}

// WaitEligible blocks until an admissible job is available or ctx is done.
// The admit gate must acquire the tenant slot itself; a popped job is
// already holding one.
func (q *capQueue) WaitEligible(ctx context.Context, admit func(tenantID string) bool) (*queuedJob, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false
		default:
		}

		if entry, ok := q.popEligible(admit); ok {
			return entry, true
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

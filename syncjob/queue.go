package syncjob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CapSens/etlify/state"
)

// Job is one unit of sync work: three logical string arguments plus the
// queue routing and scheduling metadata around them.
type Job struct {
	ResourceType string
	ResourceID   uint
	CRMName      string
	Queue        string
	RunAt        time.Time
}

// Resource returns the record reference the job targets.
func (j Job) Resource() state.Ref {
	return state.Ref{Type: j.ResourceType, ID: j.ResourceID}
}

// Backend is the queue the enqueuer hands accepted jobs to.
type Backend interface {
	Enqueue(ctx context.Context, job Job) error
}

// LockKey is the enqueue deduplication cache key for (resource, crm).
func LockKey(resource state.Ref, crmName string) string {
	return fmt.Sprintf("etlify:enqueue_lock:v2:%s:%d:%s", resource.Type, resource.ID, crmName)
}

// MemoryBackend collects jobs in memory, for tests; production
// deployments use DBQueue.
type MemoryBackend struct {
	mu   sync.Mutex
	jobs []Job
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Enqueue(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	return nil
}

// Jobs returns a snapshot of everything enqueued so far.
func (m *MemoryBackend) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, len(m.jobs))
	copy(out, m.jobs)
	return out
}

// Drain returns and clears the queued jobs.
func (m *MemoryBackend) Drain() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.jobs
	m.jobs = nil
	return out
}

package syncjob

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/CapSens/etlify/cache"
	"github.com/CapSens/etlify/state"
)

// DefaultLockTTL is the minimum useful enqueue lock lifetime.
const DefaultLockTTL = 15 * time.Minute

// Enqueuer gates queue writes behind a TTL write-if-absent cache key so
// bursts of sync triggers for the same (record, CRM) collapse into one
// job. The lock is advisory: losing it only costs deduplication, never
// correctness, which the synchronizer's row lock provides.
type Enqueuer struct {
	cache   cache.Store
	backend Backend
	ttl     time.Duration
	log     *zap.SugaredLogger

	// QueueFor resolves the queue name for a job. Nil routes everything
	// to DefaultQueue.
	QueueFor     func(resource state.Ref, crmName string) string
	DefaultQueue string

	// Observe, when set, is called with "enqueued" or "deduplicated".
	Observe func(outcome string)
}

func NewEnqueuer(cacheStore cache.Store, backend Backend, ttl time.Duration, defaultQueue string, log *zap.SugaredLogger) *Enqueuer {
	if ttl < DefaultLockTTL {
		ttl = DefaultLockTTL
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Enqueuer{
		cache:        cacheStore,
		backend:      backend,
		ttl:          ttl,
		DefaultQueue: defaultQueue,
		log:          log,
	}
}

// Enqueue schedules a sync for (resource, crmName). A held lock drops
// the enqueue silently.
func (e *Enqueuer) Enqueue(ctx context.Context, resource state.Ref, crmName string) error {
	key := LockKey(resource, crmName)
	acquired, err := e.cache.SetIfAbsent(ctx, key, e.ttl)
	if err != nil {
		return err
	}
	if !acquired {
		e.log.Debugw("enqueue deduplicated", "resource", resource.Type, "id", resource.ID, "crm", crmName)
		if e.Observe != nil {
			e.Observe("deduplicated")
		}
		return nil
	}

	queue := e.DefaultQueue
	if e.QueueFor != nil {
		if name := e.QueueFor(resource, crmName); name != "" {
			queue = name
		}
	}

	job := Job{
		ResourceType: resource.Type,
		ResourceID:   resource.ID,
		CRMName:      crmName,
		Queue:        queue,
		RunAt:        time.Now(),
	}
	if err := e.backend.Enqueue(ctx, job); err != nil {
		// Give the key back so the enqueue can be retried immediately.
		_ = e.cache.Delete(ctx, key)
		return err
	}
	if e.Observe != nil {
		e.Observe("enqueued")
	}
	return nil
}

// LockTTL exposes the configured TTL, for retry re-arming.
func (e *Enqueuer) LockTTL() time.Duration {
	return e.ttl
}

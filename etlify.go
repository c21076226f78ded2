// Package etlify synchronizes records from a relational application
// store into external CRM back-ends: content-digest idempotence, one
// concurrent sync per (record, CRM), dependency ordering, bounded
// retries, and SQL-level discovery of drifted records.
package etlify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/CapSens/etlify/batch"
	"github.com/CapSens/etlify/binding"
	"github.com/CapSens/etlify/cache"
	"github.com/CapSens/etlify/crm"
	"github.com/CapSens/etlify/digest"
	"github.com/CapSens/etlify/metrics"
	"github.com/CapSens/etlify/stalefinder"
	"github.com/CapSens/etlify/state"
	"github.com/CapSens/etlify/syncjob"
	"github.com/CapSens/etlify/synchronizer"
)

// Config wires an Engine. DB, CRMs, Bindings, Cache and Queue are
// required; everything else has defaults.
type Config struct {
	DB       *gorm.DB
	CRMs     *crm.Registry
	Bindings *binding.Registry
	Cache    cache.Store
	Queue    syncjob.Backend

	// DigestStrategy defaults to digest.SHA256.
	DigestStrategy digest.Strategy
	// QueueName is the process-wide default queue. Default "etlify".
	QueueName string
	// MaxSyncErrors caps attempts counted in SyncState before the stale
	// finder stops surfacing a record. Default 3; per-CRM options
	// override when set.
	MaxSyncErrors int
	// LockTTL is the enqueue deduplication window. Minimum 15 minutes.
	LockTTL time.Duration
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

// Engine is the explicit context every operation runs against. There is
// no process-wide hidden state: construct one per database and pass it
// around.
type Engine struct {
	cfg      Config
	enqueuer *syncjob.Enqueuer
	syncer   *synchronizer.Synchronizer
	deleter  *synchronizer.Deleter
	finder   *stalefinder.Finder
	runner   *batch.Runner
}

// New validates the configuration and assembles the engine.
func New(cfg Config) (*Engine, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("etlify: a database handle is required")
	}
	if cfg.CRMs == nil {
		return nil, fmt.Errorf("etlify: a crm registry is required")
	}
	if cfg.Bindings == nil {
		return nil, fmt.Errorf("etlify: a binding registry is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("etlify: a cache store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("etlify: a queue backend is required")
	}
	if cfg.DigestStrategy == nil {
		cfg.DigestStrategy = digest.SHA256
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "etlify"
	}
	if cfg.MaxSyncErrors <= 0 {
		cfg.MaxSyncErrors = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	e := &Engine{cfg: cfg}

	e.enqueuer = syncjob.NewEnqueuer(cfg.Cache, cfg.Queue, cfg.LockTTL, cfg.QueueName, cfg.Logger)
	e.enqueuer.QueueFor = e.queueFor
	e.syncer = synchronizer.New(cfg.DB, cfg.CRMs, cfg.Bindings, e.enqueuer, cfg.DigestStrategy, cfg.Logger)
	e.deleter = synchronizer.NewDeleter(cfg.DB, cfg.CRMs, cfg.Bindings)
	e.finder = stalefinder.New(cfg.DB, cfg.Logger)
	e.runner = batch.NewRunner(cfg.DB, cfg.Bindings, e.finder, e.enqueuer, e.syncer, e.MaxErrorsFor, cfg.Logger)

	if cfg.Metrics != nil {
		e.syncer.Observe = func(crmName string, result synchronizer.Result) {
			cfg.Metrics.SyncAttempts.WithLabelValues(crmName, string(result)).Inc()
		}
		e.enqueuer.Observe = func(outcome string) {
			cfg.Metrics.Enqueues.WithLabelValues(outcome).Inc()
		}
	}
	return e, nil
}

// Sync schedules an asynchronous sync of record to crmName. Duplicate
// requests inside the lock TTL collapse into one job.
func (e *Engine) Sync(ctx context.Context, record any, crmName string) error {
	ref, err := e.refOf(record)
	if err != nil {
		return err
	}
	return e.enqueuer.Enqueue(ctx, ref, crm.Canonical(crmName))
}

// SyncNow runs the synchronizer inline in the caller's thread and
// returns the attempt outcome. Errors surface directly.
func (e *Engine) SyncNow(ctx context.Context, record any, crmName string) (synchronizer.Result, error) {
	return e.syncer.Sync(ctx, record, crmName)
}

// Delete removes the record's remote counterpart.
func (e *Engine) Delete(ctx context.Context, record any, crmName string) (synchronizer.DeleteResult, error) {
	return e.deleter.Delete(ctx, record, crmName)
}

// BatchSync walks the stale finder output and dispatches work.
func (e *Engine) BatchSync(ctx context.Context, opts batch.Options) (batch.Stats, error) {
	stats, err := e.runner.Run(ctx, opts)
	if e.cfg.Metrics != nil {
		for model, count := range stats.PerModel {
			e.cfg.Metrics.BatchRecords.WithLabelValues(model).Add(float64(count))
		}
	}
	return stats, err
}

// StaleIDs returns the ids currently considered stale for (model, crm).
func (e *Engine) StaleIDs(ctx context.Context, model any, crmName string) ([]uint, error) {
	crmName = crm.Canonical(crmName)
	b, ok := e.cfg.Bindings.Lookup(binding.ResourceType(model), crmName)
	if !ok {
		return nil, fmt.Errorf("%w: no binding for %s on crm %q", synchronizer.ErrNotConfigured, binding.ResourceType(model), crmName)
	}
	rel, err := e.finder.Relation(model, crmName, b, e.MaxErrorsFor(crmName))
	if err != nil {
		return nil, err
	}
	return stalefinder.IDs(ctx, rel)
}

// JobHandler adapts the engine for the worker: three string-ish
// arguments in, retry-or-not error semantics out. A vanished record is
// a successful no-op.
func (e *Engine) JobHandler() syncjob.Handler {
	return func(ctx context.Context, resourceType string, resourceID uint, crmName string) error {
		record, ok := e.cfg.Bindings.NewRecord(resourceType)
		if !ok {
			return fmt.Errorf("%w: model %q is not registered", syncjob.ErrNotRetryable, resourceType)
		}
		if err := e.cfg.DB.WithContext(ctx).First(record, resourceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("failed to load %s#%d: %w", resourceType, resourceID, err)
		}

		_, err := e.syncer.Sync(ctx, record, crmName)
		if errors.Is(err, synchronizer.ErrNotConfigured) {
			return fmt.Errorf("%w: %v", syncjob.ErrNotRetryable, err)
		}
		return err
	}
}

// MaxErrorsFor resolves the error cap for one CRM: the per-CRM option
// when set, the global default otherwise.
func (e *Engine) MaxErrorsFor(crmName string) int {
	entry, err := e.cfg.CRMs.Fetch(crmName)
	if err == nil && entry.Options.MaxSyncErrors != nil {
		return *entry.Options.MaxSyncErrors
	}
	return e.cfg.MaxSyncErrors
}

// Enqueuer exposes the lock-gated enqueue path, mainly for wiring the
// resolver in custom setups.
func (e *Engine) Enqueuer() *syncjob.Enqueuer {
	return e.enqueuer
}

// queueFor routes a job: binding queue first, then the CRM option, then
// the engine default.
func (e *Engine) queueFor(resource state.Ref, crmName string) string {
	if b, ok := e.cfg.Bindings.Lookup(resource.Type, crmName); ok && b.Queue != "" {
		return b.Queue
	}
	if entry, err := e.cfg.CRMs.Fetch(crmName); err == nil && entry.Options.Queue != "" {
		return entry.Options.Queue
	}
	return e.cfg.QueueName
}

func (e *Engine) refOf(record any) (state.Ref, error) {
	id, err := binding.ResourceID(e.cfg.DB, record)
	if err != nil {
		return state.Ref{}, err
	}
	return state.Ref{Type: binding.ResourceType(record), ID: id}, nil
}

package batch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/CapSens/etlify/binding"
	"github.com/CapSens/etlify/resolver"
	"github.com/CapSens/etlify/stalefinder"
	"github.com/CapSens/etlify/state"
	"github.com/CapSens/etlify/synchronizer"
)

// Options filter and shape one batch run.
type Options struct {
	// Models restricts the run to these prototypes. Nil means every
	// registered model.
	Models []any
	// CRMName restricts the run to one CRM. Empty means all bound CRMs.
	CRMName string
	// BatchSize defaults to 500 when unset. It does not change dispatch:
	// each (model, CRM) relation is read through one streaming query and
	// its ids are dispatched one at a time.
	BatchSize int
	// Inline runs the synchronizer in the caller's thread instead of
	// enqueuing one job per id.
	Inline bool
}

// Stats summarizes a batch run. PerModel counts aggregate across CRMs.
type Stats struct {
	Total    int            `json:"total"`
	PerModel map[string]int `json:"per_model"`
	Errors   int            `json:"errors"`
}

// Runner walks the stale finder output per (model, CRM) and dispatches
// work, enqueued by default or inline on request.
type Runner struct {
	db        *gorm.DB
	bindings  *binding.Registry
	finder    *stalefinder.Finder
	enqueuer  resolver.Enqueuer
	syncer    *synchronizer.Synchronizer
	maxErrors func(crmName string) int
	log       *zap.SugaredLogger
}

func NewRunner(
	db *gorm.DB,
	bindings *binding.Registry,
	finder *stalefinder.Finder,
	enqueuer resolver.Enqueuer,
	syncer *synchronizer.Synchronizer,
	maxErrors func(crmName string) int,
	log *zap.SugaredLogger,
) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Runner{
		db:        db,
		bindings:  bindings,
		finder:    finder,
		enqueuer:  enqueuer,
		syncer:    syncer,
		maxErrors: maxErrors,
		log:       log,
	}
}

// Run executes one batch pass. Inline errors are counted, never fatal;
// only infrastructure failures (relation build, id streaming) abort.
func (r *Runner) Run(ctx context.Context, opts Options) (Stats, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}

	stats := Stats{PerModel: make(map[string]int)}

	names, err := r.modelNames(opts.Models)
	if err != nil {
		return stats, err
	}

	for _, name := range names {
		prototype, ok := r.bindings.NewRecord(name)
		if !ok {
			continue
		}
		for crmName, b := range r.bindings.BindingsFor(name) {
			if opts.CRMName != "" && crmName != opts.CRMName {
				continue
			}
			count, errCount, err := r.runModel(ctx, prototype, name, crmName, b, opts)
			if err != nil {
				return stats, err
			}
			stats.Total += count
			if count > 0 {
				stats.PerModel[name] += count
			}
			stats.Errors += errCount
		}
	}
	return stats, nil
}

// runModel streams stale ids for one (model, CRM) and dispatches them.
func (r *Runner) runModel(ctx context.Context, prototype any, name, crmName string, b *binding.Binding, opts Options) (int, int, error) {
	rel, err := r.finder.Relation(prototype, crmName, b, r.maxErrors(crmName))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to build stale relation for %s/%s: %w", name, crmName, err)
	}

	rows, err := rel.WithContext(ctx).Rows()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to stream stale ids for %s/%s: %w", name, crmName, err)
	}
	defer rows.Close()

	var count, errCount int
	for rows.Next() {
		var id uint
		if err := rows.Scan(&id); err != nil {
			return count, errCount, fmt.Errorf("failed to scan stale id: %w", err)
		}
		if err := r.dispatch(ctx, name, id, crmName, opts.Inline); err != nil {
			r.log.Warnw("batch dispatch failed", "model", name, "id", id, "crm", crmName, "error", err)
			errCount++
			continue
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, errCount, fmt.Errorf("failed while streaming stale ids: %w", err)
	}
	return count, errCount, nil
}

func (r *Runner) dispatch(ctx context.Context, name string, id uint, crmName string, inline bool) error {
	ref := state.Ref{Type: name, ID: id}
	// Default mode hands one job per id to the queue.
	if !inline {
		return r.enqueuer.Enqueue(ctx, ref, crmName)
	}
	if r.syncer == nil {
		return fmt.Errorf("inline batch sync requires a synchronizer")
	}

	record, ok := r.bindings.NewRecord(name)
	if !ok {
		return fmt.Errorf("model %q is not registered", name)
	}
	if err := r.db.WithContext(ctx).First(record, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load %s#%d: %w", name, id, err)
	}
	_, err := r.syncer.Sync(ctx, record, crmName)
	return err
}

func (r *Runner) modelNames(models []any) ([]string, error) {
	if len(models) == 0 {
		return r.bindings.ResourceTypes(), nil
	}
	names := make([]string, 0, len(models))
	for _, model := range models {
		name := binding.ResourceType(model)
		if name == "" {
			return nil, fmt.Errorf("cannot derive model name from %T", model)
		}
		names = append(names, name)
	}
	return names, nil
}

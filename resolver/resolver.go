package resolver

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/CapSens/etlify/binding"
	"github.com/CapSens/etlify/state"
)

// Enqueuer schedules a sync attempt for a record. The job layer supplies
// the real implementation; tests use fakes.
type Enqueuer interface {
	Enqueue(ctx context.Context, resource state.Ref, crmName string) error
}

// Resolver maintains the pending-parent graph: it decides which parents
// block a record, records the wait, and wakes children once a parent
// lands remotely.
type Resolver struct {
	db       *gorm.DB
	syncs    *state.Store
	pending  *state.PendingStore
	enqueuer Enqueuer
	log      *zap.SugaredLogger
}

func New(db *gorm.DB, syncs *state.Store, pending *state.PendingStore, enqueuer Enqueuer, log *zap.SugaredLogger) *Resolver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Resolver{db: db, syncs: syncs, pending: pending, enqueuer: enqueuer, log: log}
}

// Check walks the binding's crm dependencies and returns the parent
// records that are not yet present remotely.
func (r *Resolver) Check(ctx context.Context, record any, crmName string, b *binding.Binding) ([]any, error) {
	var missing []any
	for _, assoc := range b.CRMDependencies {
		parents, err := binding.AssociatedRecords(r.db, record, assoc)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve crm dependency %q: %w", assoc, err)
		}
		for _, parent := range parents {
			ok, err := r.ParentSatisfied(ctx, parent, crmName)
			if err != nil {
				return nil, err
			}
			if !ok {
				missing = append(missing, parent)
			}
		}
	}
	return missing, nil
}

// ParentSatisfied reports whether a parent already exists remotely:
// either its sync row carries a crm_id, or the record itself exposes a
// legacy "<crm>_id" column with a value.
func (r *Resolver) ParentSatisfied(ctx context.Context, parent any, crmName string) (bool, error) {
	ref, err := r.refOf(parent)
	if err != nil {
		return false, err
	}

	sync, err := r.syncs.Find(ctx, ref, crmName)
	if err != nil {
		return false, err
	}
	if sync.RemoteID() != "" {
		return true, nil
	}

	if _, ok := binding.StringField(r.db, parent, crmName+"_id"); ok {
		return true, nil
	}
	return false, nil
}

// RegisterPending records one wait edge per missing parent. Duplicate
// registrations are no-ops.
func (r *Resolver) RegisterPending(ctx context.Context, record any, crmName string, parents []any) error {
	child, err := r.refOf(record)
	if err != nil {
		return err
	}

	refs := make([]state.Ref, 0, len(parents))
	for _, parent := range parents {
		ref, err := r.refOf(parent)
		if err != nil {
			return err
		}
		refs = append(refs, ref)
	}
	return r.pending.Register(ctx, child, refs, crmName)
}

// ResolveDependents wakes the children waiting on parent: the matching
// edges are deleted, and each child left with zero remaining edges for
// this CRM gets exactly one enqueue.
func (r *Resolver) ResolveDependents(ctx context.Context, parent state.Ref, crmName string) error {
	rows, err := r.pending.ByParent(ctx, parent, crmName)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	children := make([]state.Ref, 0, len(rows))
	seen := make(map[state.Ref]bool, len(rows))
	for _, row := range rows {
		child := row.Child()
		if !seen[child] {
			seen[child] = true
			children = append(children, child)
		}
		if err := r.pending.Delete(ctx, child, parent, crmName); err != nil {
			return err
		}
	}

	for _, child := range children {
		remaining, err := r.pending.CountForChild(ctx, child, crmName)
		if err != nil {
			return err
		}
		if remaining > 0 {
			continue
		}
		r.log.Debugw("waking dependent", "child", child.Type, "id", child.ID, "crm", crmName)
		if err := r.enqueuer.Enqueue(ctx, child, crmName); err != nil {
			return fmt.Errorf("failed to enqueue dependent %s#%d: %w", child.Type, child.ID, err)
		}
	}
	return nil
}

// CleanupForChild drops every wait edge held by a child, called once the
// child itself syncs so no stale rows survive.
func (r *Resolver) CleanupForChild(ctx context.Context, child state.Ref, crmName string) error {
	return r.pending.DeleteForChild(ctx, child, crmName)
}

func (r *Resolver) refOf(record any) (state.Ref, error) {
	id, err := binding.ResourceID(r.db, record)
	if err != nil {
		return state.Ref{}, err
	}
	return state.Ref{Type: binding.ResourceType(record), ID: id}, nil
}

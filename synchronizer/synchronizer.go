package synchronizer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/CapSens/etlify/binding"
	"github.com/CapSens/etlify/crm"
	"github.com/CapSens/etlify/digest"
	"github.com/CapSens/etlify/resolver"
	"github.com/CapSens/etlify/state"
)

// Result is the terminal outcome of one sync attempt.
type Result string

const (
	ResultSkipped     Result = "skipped"      // guard denied
	ResultDeferred    Result = "deferred"     // crm dependencies missing
	ResultBuffered    Result = "buffered"     // sync dependencies missing
	ResultNotModified Result = "not_modified" // digest unchanged
	ResultSynced      Result = "synced"       // remote write happened
	ResultErrored     Result = "errored"      // attempt failed
)

// ErrNotConfigured marks misconfiguration (missing binding or CRM). It
// surfaces synchronously and is never retried by the job layer.
var ErrNotConfigured = errors.New("etlify: not configured")

// Synchronizer runs the per-(record, CRM) pipeline: guard, dependency
// checks, row lock, digest comparison, adapter call, state update, and
// the post-sync fan-out that wakes dependents.
type Synchronizer struct {
	db       *gorm.DB
	crms     *crm.Registry
	bindings *binding.Registry
	enqueuer resolver.Enqueuer
	digest   digest.Strategy
	log      *zap.SugaredLogger

	// Observe, when set, is called once per finished attempt.
	Observe func(crmName string, result Result)
}

func New(db *gorm.DB, crms *crm.Registry, bindings *binding.Registry, enqueuer resolver.Enqueuer, strategy digest.Strategy, log *zap.SugaredLogger) *Synchronizer {
	if strategy == nil {
		strategy = digest.SHA256
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Synchronizer{
		db:       db,
		crms:     crms,
		bindings: bindings,
		enqueuer: enqueuer,
		digest:   strategy,
		log:      log,
	}
}

// Sync runs one attempt for (record, crmName). The returned error is
// non-nil only for ResultErrored and for misconfiguration; the local
// outcomes never raise.
func (s *Synchronizer) Sync(ctx context.Context, record any, crmName string) (Result, error) {
	result, err := s.sync(ctx, record, crmName)
	if s.Observe != nil && result != "" {
		s.Observe(crm.Canonical(crmName), result)
	}
	return result, err
}

func (s *Synchronizer) sync(ctx context.Context, record any, crmName string) (Result, error) {
	crmName = crm.Canonical(crmName)
	resourceType := binding.ResourceType(record)

	b, ok := s.bindings.Lookup(resourceType, crmName)
	if !ok {
		return "", fmt.Errorf("%w: no binding for %s on crm %q", ErrNotConfigured, resourceType, crmName)
	}
	entry, err := s.crms.Fetch(crmName)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}

	ref, err := s.refOf(record)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}

	syncs := state.NewStore(s.db)
	pending := state.NewPendingStore(s.db)
	res := resolver.New(s.db, syncs, pending, s.enqueuer, s.log)

	// Guard: a denied record is a healthy record. Error bookkeeping is
	// reset so it does not linger from earlier failed attempts.
	if b.SyncIf != nil && !b.SyncIf(record) {
		sync, err := syncs.FindOrCreate(ctx, ref, crmName)
		if err != nil {
			return ResultErrored, err
		}
		if err := syncs.ResetErrors(ctx, sync); err != nil {
			return ResultErrored, err
		}
		return ResultSkipped, nil
	}

	// CRM dependencies: parents that are not yet remote defer the child
	// and get a sync of their own.
	missing, err := res.Check(ctx, record, crmName, b)
	if err != nil {
		return s.fail(ctx, syncs, ref, crmName, err)
	}
	if len(missing) > 0 {
		if err := res.RegisterPending(ctx, record, crmName, missing); err != nil {
			return s.fail(ctx, syncs, ref, crmName, err)
		}
		if err := s.enqueueRecords(ctx, missing, crmName); err != nil {
			return s.fail(ctx, syncs, ref, crmName, err)
		}
		return ResultDeferred, nil
	}

	result, err := s.lockedAttempt(ctx, record, ref, crmName, b, entry)
	if err != nil {
		return s.fail(ctx, syncs, ref, crmName, err)
	}
	return result, nil
}

// lockedAttempt runs everything past the row lock inside one
// transaction. Acquisition may suspend behind a concurrent attempt for
// the same record.
func (s *Synchronizer) lockedAttempt(ctx context.Context, record any, ref state.Ref, crmName string, b *binding.Binding, entry crm.Entry) (Result, error) {
	var result Result

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockRecord(ctx, tx, record, ref); err != nil {
			return err
		}

		syncs := state.NewStore(tx)
		pending := state.NewPendingStore(tx)
		res := resolver.New(tx, syncs, pending, s.enqueuer, s.log)

		// Sync dependencies, with cycle detection: a parent already
		// waiting on this record must not buffer us back.
		buffered, err := s.checkSyncDependencies(ctx, tx, res, pending, record, ref, crmName, b)
		if err != nil {
			return err
		}
		if buffered {
			result = ResultBuffered
			return nil
		}

		// Payload is built once, digest computed once.
		payload, err := b.Serializer.CRMPayload(record)
		if err != nil {
			return fmt.Errorf("failed to build payload: %w", err)
		}
		dig, err := s.digest(payload)
		if err != nil {
			return fmt.Errorf("failed to compute digest: %w", err)
		}

		sync, err := syncs.FindOrCreate(ctx, ref, crmName)
		if err != nil {
			return err
		}

		if sync.LastDigest != nil && *sync.LastDigest == dig {
			if err := syncs.Touch(ctx, sync); err != nil {
				return err
			}
			if err := s.postSync(ctx, res, ref, crmName); err != nil {
				return err
			}
			result = ResultNotModified
			return nil
		}

		crmID, err := entry.Adapter.Upsert(ctx, payload, b.IDProperty, b.CRMObjectType)
		if err != nil {
			return err
		}
		if err := syncs.MarkSynced(ctx, sync, crmID, dig); err != nil {
			return err
		}
		if err := s.postSync(ctx, res, ref, crmName); err != nil {
			return err
		}
		result = ResultSynced
		return nil
	})
	if err != nil {
		return ResultErrored, err
	}
	return result, nil
}

// checkSyncDependencies returns true when the attempt must buffer.
func (s *Synchronizer) checkSyncDependencies(ctx context.Context, tx *gorm.DB, res *resolver.Resolver, pending *state.PendingStore, record any, ref state.Ref, crmName string, b *binding.Binding) (bool, error) {
	var missing []any
	for _, assoc := range b.SyncDependencies {
		parents, err := binding.AssociatedRecords(tx, record, assoc)
		if err != nil {
			return false, fmt.Errorf("failed to resolve sync dependency %q: %w", assoc, err)
		}
		for _, parent := range parents {
			ok, err := res.ParentSatisfied(ctx, parent, crmName)
			if err != nil {
				return false, err
			}
			if ok {
				continue
			}

			parentRef, err := s.refOfWith(tx, parent)
			if err != nil {
				return false, err
			}
			cyclic, err := pending.Exists(ctx, parentRef, ref, crmName)
			if err != nil {
				return false, err
			}
			if cyclic {
				// The parent is waiting on us; buffering here would
				// deadlock the pair. Proceed without it.
				continue
			}
			missing = append(missing, parent)
		}
	}
	if len(missing) == 0 {
		return false, nil
	}

	if err := res.RegisterPending(ctx, record, crmName, missing); err != nil {
		return false, err
	}
	if err := s.enqueueRecords(ctx, missing, crmName); err != nil {
		return false, err
	}
	return true, nil
}

// postSync runs on synced and not_modified alike: drop the wait edges
// this record held as a child, then wake whoever waited on it.
func (s *Synchronizer) postSync(ctx context.Context, res *resolver.Resolver, ref state.Ref, crmName string) error {
	if err := res.CleanupForChild(ctx, ref, crmName); err != nil {
		return err
	}
	return res.ResolveDependents(ctx, ref, crmName)
}

// lockRecord re-reads the record under SELECT ... FOR UPDATE so
// concurrent attempts for the same row serialize. SQLite has no row
// locks; its single-writer lock covers the transaction instead.
func (s *Synchronizer) lockRecord(ctx context.Context, tx *gorm.DB, record any, ref state.Ref) error {
	q := tx.WithContext(ctx)
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.First(record, ref.ID).Error; err != nil {
		return fmt.Errorf("failed to lock %s#%d: %w", ref.Type, ref.ID, err)
	}
	return nil
}

// fail persists the attempt failure and wraps it for the caller. Inline
// callers see the error; job callers lean on the retry policy.
func (s *Synchronizer) fail(ctx context.Context, syncs *state.Store, ref state.Ref, crmName string, cause error) (Result, error) {
	if err := syncs.RecordError(ctx, ref, crmName, cause.Error()); err != nil {
		s.log.Errorw("failed to persist sync error", "resource", ref.Type, "id", ref.ID, "crm", crmName, "error", err)
	}
	return ResultErrored, fmt.Errorf("sync of %s#%d to %s failed: %w", ref.Type, ref.ID, crmName, cause)
}

func (s *Synchronizer) enqueueRecords(ctx context.Context, records []any, crmName string) error {
	for _, record := range records {
		ref, err := s.refOf(record)
		if err != nil {
			return err
		}
		if err := s.enqueuer.Enqueue(ctx, ref, crmName); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) refOf(record any) (state.Ref, error) {
	return s.refOfWith(s.db, record)
}

func (s *Synchronizer) refOfWith(db *gorm.DB, record any) (state.Ref, error) {
	id, err := binding.ResourceID(db, record)
	if err != nil {
		return state.Ref{}, err
	}
	return state.Ref{Type: binding.ResourceType(record), ID: id}, nil
}

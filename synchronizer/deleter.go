package synchronizer

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/CapSens/etlify/binding"
	"github.com/CapSens/etlify/crm"
	"github.com/CapSens/etlify/state"
)

// DeleteResult reports what a remote delete did.
type DeleteResult string

const (
	DeleteNoop    DeleteResult = "noop"    // no sync row or no remote id
	DeleteDeleted DeleteResult = "deleted" // remote confirmed the delete
	DeleteMissing DeleteResult = "missing" // remote had already lost it
)

// SyncError wraps adapter failures surfaced by the deleter.
type SyncError struct {
	Resource state.Ref
	CRMName  string
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("etlify: %s#%d on %s: %v", e.Resource.Type, e.Resource.ID, e.CRMName, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Deleter removes the remote counterpart of a record and clears the
// local mirror bookkeeping so a later sync recreates it from scratch.
type Deleter struct {
	db       *gorm.DB
	crms     *crm.Registry
	bindings *binding.Registry
}

func NewDeleter(db *gorm.DB, crms *crm.Registry, bindings *binding.Registry) *Deleter {
	return &Deleter{db: db, crms: crms, bindings: bindings}
}

// Delete looks up the sync row for (record, crmName) and issues the
// remote delete when a remote id is assigned.
func (d *Deleter) Delete(ctx context.Context, record any, crmName string) (DeleteResult, error) {
	crmName = crm.Canonical(crmName)
	resourceType := binding.ResourceType(record)

	b, ok := d.bindings.Lookup(resourceType, crmName)
	if !ok {
		return "", fmt.Errorf("%w: no binding for %s on crm %q", ErrNotConfigured, resourceType, crmName)
	}
	entry, err := d.crms.Fetch(crmName)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}

	id, err := binding.ResourceID(d.db, record)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}
	ref := state.Ref{Type: resourceType, ID: id}

	syncs := state.NewStore(d.db)
	sync, err := syncs.Find(ctx, ref, crmName)
	if err != nil {
		return "", err
	}
	if sync.RemoteID() == "" {
		return DeleteNoop, nil
	}

	found, err := entry.Adapter.Delete(ctx, sync.RemoteID(), b.CRMObjectType)
	if err != nil {
		return "", &SyncError{Resource: ref, CRMName: crmName, Err: err}
	}

	now := time.Now()
	result := d.db.WithContext(ctx).Model(&state.Synchronisation{}).
		Where("id = ?", sync.ID).
		Updates(map[string]any{
			"crm_id":         nil,
			"last_digest":    nil,
			"last_synced_at": nil,
			"updated_at":     now,
		})
	if result.Error != nil {
		return "", fmt.Errorf("failed to clear sync state after delete: %w", result.Error)
	}

	if !found {
		return DeleteMissing, nil
	}
	return DeleteDeleted, nil
}

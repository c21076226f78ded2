package binding

import (
	"gorm.io/gorm"
)

// Binding is the immutable per-(model, CRM) configuration: how a record
// serializes, when it syncs, and which associations gate or influence it.
type Binding struct {
	// Serializer builds the payload map sent to the adapter.
	Serializer Serializer

	// CRMObjectType is the remote object type ("contacts", "Companies", ...).
	CRMObjectType string

	// IDProperty names the payload property used for remote lookups
	// (for example "email"). Empty disables lookup-before-create.
	IDProperty string

	// Dependencies lists association names whose updated_at timestamps
	// propagate into staleness computation.
	Dependencies []string

	// CRMDependencies lists associations whose records must already have a
	// remote id before this record syncs. A missing parent defers the sync.
	CRMDependencies []string

	// SyncDependencies lists associations enforced at upsert time, after
	// the row lock: a parent without a remote id buffers the sync unless
	// the dependency is cyclic.
	SyncDependencies []string

	// StaleScope restricts which records the stale finder considers. It
	// receives a relation over the model's table and must return a
	// relation over the same table.
	StaleScope func(*gorm.DB) *gorm.DB

	// SyncIf is the per-record guard. Nil means always sync.
	SyncIf func(record any) bool

	// Queue overrides the job queue name for this binding.
	Queue string
}

// validate is run at registration so misconfiguration surfaces
// synchronously instead of mid-sync.
func (b *Binding) validate() error {
	if b.Serializer == nil {
		return errMissingSerializer
	}
	if b.CRMObjectType == "" {
		return errMissingObjectType
	}
	return nil
}

package state

import "time"

// Ref identifies a local record by logical type and primary key.
type Ref struct {
	Type string
	ID   uint
}

// Synchronisation is the persisted mirror status of one (record, CRM)
// pair: remote id, last successful payload digest, timestamps, errors.
type Synchronisation struct {
	ID           uint       `gorm:"column:id;primaryKey"`
	CRMName      string     `gorm:"column:crm_name;index:idx_crm_sync_resource,unique,priority:3"`
	CRMID        *string    `gorm:"column:crm_id"`
	LastDigest   *string    `gorm:"column:last_digest"`
	LastSyncedAt *time.Time `gorm:"column:last_synced_at"`
	LastError    *string    `gorm:"column:last_error"`
	ErrorCount   int        `gorm:"column:error_count;not null;default:0"`
	ResourceType string     `gorm:"column:resource_type;index:idx_crm_sync_resource,unique,priority:1"`
	ResourceID   uint       `gorm:"column:resource_id;index:idx_crm_sync_resource,unique,priority:2"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

func (Synchronisation) TableName() string {
	return "crm_synchronisations"
}

// RemoteID returns the assigned crm id, empty when none.
func (s *Synchronisation) RemoteID() string {
	if s == nil || s.CRMID == nil {
		return ""
	}
	return *s.CRMID
}

// PendingSync is one "child waits for parent in CRM" edge. Rows are
// created when a sync defers and deleted when the parent lands remotely
// or the child itself syncs.
type PendingSync struct {
	ID             uint      `gorm:"column:id;primaryKey"`
	DependentType  string    `gorm:"column:dependent_type;index:idx_pending_sync_edge,unique,priority:1"`
	DependentID    uint      `gorm:"column:dependent_id;index:idx_pending_sync_edge,unique,priority:2"`
	DependencyType string    `gorm:"column:dependency_type;index:idx_pending_sync_edge,unique,priority:3"`
	DependencyID   uint      `gorm:"column:dependency_id;index:idx_pending_sync_edge,unique,priority:4"`
	CRMName        string    `gorm:"column:crm_name;index:idx_pending_sync_edge,unique,priority:5"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (PendingSync) TableName() string {
	return "etlify_pending_syncs"
}

// Child returns the waiting side of the edge.
func (p *PendingSync) Child() Ref {
	return Ref{Type: p.DependentType, ID: p.DependentID}
}

// Parent returns the awaited side of the edge.
func (p *PendingSync) Parent() Ref {
	return Ref{Type: p.DependencyType, ID: p.DependencyID}
}

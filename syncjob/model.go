package syncjob

import (
	"time"

	"github.com/CapSens/etlify/state"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"    // waiting for its run_at
	StatusProcessing JobStatus = "processing" // claimed by a worker
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed" // attempts exhausted or not retryable
)

// SyncJob is the persisted queue row behind DBQueue.
type SyncJob struct {
	ID           string     `gorm:"column:id;primaryKey"`
	Queue        string     `gorm:"column:queue;index"`
	ResourceType string     `gorm:"column:resource_type"`
	ResourceID   uint       `gorm:"column:resource_id"`
	CRMName      string     `gorm:"column:crm_name"`
	Status       JobStatus  `gorm:"column:status;index"`
	Attempts     int        `gorm:"column:attempts"`
	RunAt        time.Time  `gorm:"column:run_at;index"`
	LastError    *string    `gorm:"column:last_error"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
	ProcessedAt  *time.Time `gorm:"column:processed_at"`
}

// Resource returns the record reference the job targets.
func (j SyncJob) Resource() state.Ref {
	return state.Ref{Type: j.ResourceType, ID: j.ResourceID}
}

func (SyncJob) TableName() string {
	return "etlify_sync_jobs"
}

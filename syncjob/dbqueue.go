package syncjob

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DBQueue is the persistent queue backend: one row per accepted job in
// etlify_sync_jobs, drained by polling workers.
type DBQueue struct {
	db *gorm.DB
}

func NewDBQueue(db *gorm.DB) *DBQueue {
	return &DBQueue{db: db}
}

func (q *DBQueue) Enqueue(ctx context.Context, job Job) error {
	runAt := job.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	row := SyncJob{
		ID:           uuid.NewString(),
		Queue:        job.Queue,
		ResourceType: job.ResourceType,
		ResourceID:   job.ResourceID,
		CRMName:      job.CRMName,
		Status:       StatusPending,
		RunAt:        runAt,
	}
	if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to enqueue sync job: %w", err)
	}
	return nil
}

// Due returns pending jobs whose run_at has passed, oldest first.
func (q *DBQueue) Due(ctx context.Context, queue string, limit int) ([]SyncJob, error) {
	var jobs []SyncJob
	result := q.db.WithContext(ctx).
		Where("queue = ? AND status = ? AND run_at <= ?", queue, StatusPending, time.Now()).
		Order("run_at ASC, created_at ASC").
		Limit(limit).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query due jobs: %w", result.Error)
	}
	return jobs, nil
}

// Stuck returns processing jobs whose claim is older than the visibility
// timeout, so crashed workers do not strand work.
func (q *DBQueue) Stuck(ctx context.Context, queue string, olderThan time.Duration, limit int) ([]SyncJob, error) {
	var jobs []SyncJob
	result := q.db.WithContext(ctx).
		Where("queue = ? AND status = ? AND updated_at < ?", queue, StatusProcessing, time.Now().Add(-olderThan)).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query stuck jobs: %w", result.Error)
	}
	return jobs, nil
}

// Claim flips a job to processing. The optimistic status predicate makes
// the claim safe across concurrent workers on any dialect.
func (q *DBQueue) Claim(ctx context.Context, job *SyncJob) (bool, error) {
	result := q.db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ? AND status = ?", job.ID, job.Status).
		Updates(map[string]any{"status": StatusProcessing, "updated_at": time.Now()})
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", job.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	job.Status = StatusProcessing
	return true, nil
}

// Complete marks a job done.
func (q *DBQueue) Complete(ctx context.Context, jobID string) error {
	now := time.Now()
	result := q.db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ?", jobID).
		Updates(map[string]any{"status": StatusCompleted, "processed_at": now, "updated_at": now})
	if result.Error != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, result.Error)
	}
	return nil
}

// Retry reschedules a failed attempt at runAt with the error recorded.
func (q *DBQueue) Retry(ctx context.Context, jobID string, runAt time.Time, lastError string) error {
	result := q.db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":     StatusPending,
			"attempts":   gorm.Expr("attempts + 1"),
			"run_at":     runAt,
			"last_error": lastError,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to reschedule job %s: %w", jobID, result.Error)
	}
	return nil
}

// Fail marks a job terminally failed.
func (q *DBQueue) Fail(ctx context.Context, jobID string, lastError string) error {
	now := time.Now()
	result := q.db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":       StatusFailed,
			"attempts":     gorm.Expr("attempts + 1"),
			"last_error":   lastError,
			"processed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark job %s failed: %w", jobID, result.Error)
	}
	return nil
}

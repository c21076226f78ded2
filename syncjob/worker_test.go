package syncjob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/CapSens/etlify/cache"
	"github.com/CapSens/etlify/state"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&SyncJob{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type handlerSpy struct {
	calls []string
	errs  []error
}

func (h *handlerSpy) handle(_ context.Context, resourceType string, resourceID uint, crmName string) error {
	h.calls = append(h.calls, fmt.Sprintf("%s#%d@%s", resourceType, resourceID, crmName))
	if len(h.errs) == 0 {
		return nil
	}
	err := h.errs[0]
	h.errs = h.errs[1:]
	return err
}

func setup(t *testing.T, handler Handler) (*DBQueue, *Enqueuer, *Worker, cache.Store) {
	t.Helper()
	db := testDB(t)
	queue := NewDBQueue(db)
	store := cache.NewMemory()
	enq := NewEnqueuer(store, queue, 0, "etlify", nil)
	worker := NewWorker(queue, store, WorkerConfig{Queue: "etlify", MaxAttempts: 3, RetryDelay: time.Minute}, handler, nil)
	return queue, enq, worker, store
}

func jobRow(t *testing.T, queue *DBQueue, id string) SyncJob {
	t.Helper()
	var row SyncJob
	if err := queue.db.First(&row, "id = ?", id).Error; err != nil {
		t.Fatalf("failed to load job: %v", err)
	}
	return row
}

func firstJob(t *testing.T, queue *DBQueue) SyncJob {
	t.Helper()
	var row SyncJob
	if err := queue.db.Order("created_at ASC").First(&row).Error; err != nil {
		t.Fatalf("failed to load job: %v", err)
	}
	return row
}

func TestWorker_SuccessCompletesAndReleasesLock(t *testing.T) {
	spy := &handlerSpy{}
	_, enq, worker, _ := setup(t, spy.handle)
	ctx := context.Background()
	ref := state.Ref{Type: "User", ID: 1}

	_ = enq.Enqueue(ctx, ref, "hubspot")
	if err := worker.ProcessBatch(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(spy.calls) != 1 || spy.calls[0] != "User#1@hubspot" {
		t.Errorf("expected handler invoked once with job args, got %v", spy.calls)
	}

	// The lock is gone: an immediate re-enqueue is accepted
	if err := enq.Enqueue(ctx, ref, "hubspot"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	queue := worker.queue
	var pendingCount int64
	queue.db.Model(&SyncJob{}).Where("status = ?", StatusPending).Count(&pendingCount)
	if pendingCount != 1 {
		t.Errorf("expected a fresh pending job after completion, got %d", pendingCount)
	}
}

func TestWorker_FailureSchedulesRetryAndRearmsLock(t *testing.T) {
	spy := &handlerSpy{errs: []error{errors.New("boom")}}
	queue, enq, worker, _ := setup(t, spy.handle)
	ctx := context.Background()
	ref := state.Ref{Type: "User", ID: 1}

	_ = enq.Enqueue(ctx, ref, "hubspot")
	if err := worker.ProcessBatch(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	row := firstJob(t, queue)
	if row.Status != StatusPending {
		t.Errorf("expected job back to pending for retry, got %s", row.Status)
	}
	if row.Attempts != 1 {
		t.Errorf("expected one attempt recorded, got %d", row.Attempts)
	}
	if !row.RunAt.After(time.Now().Add(30 * time.Second)) {
		t.Errorf("expected run_at pushed out by the retry delay, got %v", row.RunAt)
	}
	if row.LastError == nil || *row.LastError != "boom" {
		t.Errorf("expected last_error recorded, got %v", row.LastError)
	}

	// The re-armed lock drops a fresh enqueue for the same pair
	_ = enq.Enqueue(ctx, ref, "hubspot")
	var count int64
	queue.db.Model(&SyncJob{}).Count(&count)
	if count != 1 {
		t.Errorf("expected the retry to hold the lock, got %d jobs", count)
	}

	// A different CRM is unaffected
	_ = enq.Enqueue(ctx, ref, "airtable")
	queue.db.Model(&SyncJob{}).Count(&count)
	if count != 2 {
		t.Errorf("expected enqueue for another crm accepted, got %d jobs", count)
	}
}

func TestWorker_RetryDoesNotRunBeforeDelay(t *testing.T) {
	spy := &handlerSpy{errs: []error{errors.New("boom")}}
	queue, enq, worker, _ := setup(t, spy.handle)
	ctx := context.Background()

	_ = enq.Enqueue(ctx, state.Ref{Type: "User", ID: 1}, "hubspot")
	_ = worker.ProcessBatch(ctx)

	// Another pass right away finds nothing due
	_ = worker.ProcessBatch(ctx)
	if len(spy.calls) != 1 {
		t.Fatalf("expected a single attempt before the delay, got %d", len(spy.calls))
	}

	// Once the delay passes, the retry runs and succeeds
	row := firstJob(t, queue)
	queue.db.Model(&SyncJob{}).Where("id = ?", row.ID).UpdateColumn("run_at", time.Now().Add(-time.Second))
	_ = worker.ProcessBatch(ctx)
	if len(spy.calls) != 2 {
		t.Fatalf("expected the retry to run, got %d attempts", len(spy.calls))
	}
	if jobRow(t, queue, row.ID).Status != StatusCompleted {
		t.Errorf("expected completion after retry, got %s", jobRow(t, queue, row.ID).Status)
	}
}

func TestWorker_AttemptsExhaustedFailsJob(t *testing.T) {
	spy := &handlerSpy{errs: []error{errors.New("1"), errors.New("2"), errors.New("3")}}
	queue, enq, worker, store := setup(t, spy.handle)
	ctx := context.Background()

	_ = enq.Enqueue(ctx, state.Ref{Type: "User", ID: 1}, "hubspot")

	for i := 0; i < 3; i++ {
		row := firstJob(t, queue)
		queue.db.Model(&SyncJob{}).Where("id = ?", row.ID).UpdateColumn("run_at", time.Now().Add(-time.Second))
		_ = worker.ProcessBatch(ctx)
	}

	row := firstJob(t, queue)
	if row.Status != StatusFailed {
		t.Errorf("expected failed after three attempts, got %s", row.Status)
	}
	if row.Attempts != 3 {
		t.Errorf("expected three attempts, got %d", row.Attempts)
	}
	if len(spy.calls) != 3 {
		t.Errorf("expected exactly three handler calls, got %d", len(spy.calls))
	}

	// Terminal failure releases the lock for good
	acquired, _ := store.SetIfAbsent(ctx, LockKey(state.Ref{Type: "User", ID: 1}, "hubspot"), time.Minute)
	if !acquired {
		t.Error("expected lock released after exhaustion")
	}
}

func TestWorker_NotRetryableFailsImmediately(t *testing.T) {
	spy := &handlerSpy{errs: []error{fmt.Errorf("%w: no binding", ErrNotRetryable)}}
	queue, enq, worker, _ := setup(t, spy.handle)
	ctx := context.Background()

	_ = enq.Enqueue(ctx, state.Ref{Type: "Ghost", ID: 9}, "hubspot")
	_ = worker.ProcessBatch(ctx)

	row := firstJob(t, queue)
	if row.Status != StatusFailed {
		t.Errorf("expected immediate failure, got %s", row.Status)
	}
	if len(spy.calls) != 1 {
		t.Errorf("expected a single attempt, got %d", len(spy.calls))
	}
}

func TestDBQueue_ClaimIsExclusive(t *testing.T) {
	db := testDB(t)
	queue := NewDBQueue(db)
	ctx := context.Background()

	_ = queue.Enqueue(ctx, Job{ResourceType: "User", ResourceID: 1, CRMName: "hubspot", Queue: "etlify"})
	jobs, _ := queue.Due(ctx, "etlify", 10)
	if len(jobs) != 1 {
		t.Fatalf("expected one due job, got %d", len(jobs))
	}

	first := jobs[0]
	second := jobs[0]
	claimed, err := queue.Claim(ctx, &first)
	if err != nil || !claimed {
		t.Fatalf("expected first claim to win, got %v / %v", claimed, err)
	}
	claimed, err = queue.Claim(ctx, &second)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if claimed {
		t.Error("expected second claim to lose")
	}
}

func TestDBQueue_StuckJobsAreReclaimed(t *testing.T) {
	db := testDB(t)
	queue := NewDBQueue(db)
	ctx := context.Background()

	_ = queue.Enqueue(ctx, Job{ResourceType: "User", ResourceID: 1, CRMName: "hubspot", Queue: "etlify"})
	jobs, _ := queue.Due(ctx, "etlify", 1)
	_, _ = queue.Claim(ctx, &jobs[0])

	// Fresh claims are not stuck
	stuck, _ := queue.Stuck(ctx, "etlify", 30*time.Minute, 10)
	if len(stuck) != 0 {
		t.Errorf("expected no stuck jobs yet, got %d", len(stuck))
	}

	db.Model(&SyncJob{}).Where("id = ?", jobs[0].ID).UpdateColumn("updated_at", time.Now().Add(-time.Hour))
	stuck, _ = queue.Stuck(ctx, "etlify", 30*time.Minute, 10)
	if len(stuck) != 1 {
		t.Errorf("expected the stale claim reclaimed, got %d", len(stuck))
	}
}

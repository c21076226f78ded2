package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists Synchronisation rows.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Find returns the sync row for (resource, crm), or nil when none exists.
func (s *Store) Find(ctx context.Context, resource Ref, crmName string) (*Synchronisation, error) {
	var sync Synchronisation
	result := s.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ? AND crm_name = ?", resource.Type, resource.ID, crmName).
		First(&sync)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load sync state: %w", result.Error)
	}
	return &sync, nil
}

// FindOrCreate returns the sync row for (resource, crm), creating it
// lazily on the first attempt.
func (s *Store) FindOrCreate(ctx context.Context, resource Ref, crmName string) (*Synchronisation, error) {
	sync := Synchronisation{
		ResourceType: resource.Type,
		ResourceID:   resource.ID,
		CRMName:      crmName,
	}
	result := s.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ? AND crm_name = ?", resource.Type, resource.ID, crmName).
		FirstOrCreate(&sync)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to find or create sync state: %w", result.Error)
	}
	return &sync, nil
}

// MarkSynced records a successful upsert: digest, timestamp, error reset.
// A remote id is only written while the row has none; an already
// assigned crm_id is never overwritten, in particular not by a blank
// adapter result.
func (s *Store) MarkSynced(ctx context.Context, sync *Synchronisation, crmID, digest string) error {
	now := time.Now()
	updates := map[string]any{
		"last_digest":    digest,
		"last_synced_at": now,
		"last_error":     nil,
		"error_count":    0,
		"updated_at":     now,
	}
	if sync.RemoteID() == "" && crmID != "" {
		updates["crm_id"] = crmID
	}

	result := s.db.WithContext(ctx).Model(&Synchronisation{}).
		Where("id = ?", sync.ID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to mark synced: %w", result.Error)
	}

	if sync.RemoteID() == "" && crmID != "" {
		sync.CRMID = &crmID
	}
	sync.LastDigest = &digest
	sync.LastSyncedAt = &now
	sync.LastError = nil
	sync.ErrorCount = 0
	return nil
}

// Touch refreshes last_synced_at without changing digest or remote id,
// for attempts that found nothing to write.
func (s *Store) Touch(ctx context.Context, sync *Synchronisation) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&Synchronisation{}).
		Where("id = ?", sync.ID).
		Updates(map[string]any{"last_synced_at": now, "updated_at": now})
	if result.Error != nil {
		return fmt.Errorf("failed to touch sync state: %w", result.Error)
	}
	sync.LastSyncedAt = &now
	return nil
}

// ResetErrors clears the error bookkeeping and touches the timestamp,
// for guard-denied attempts.
func (s *Store) ResetErrors(ctx context.Context, sync *Synchronisation) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&Synchronisation{}).
		Where("id = ?", sync.ID).
		Updates(map[string]any{
			"last_error":     nil,
			"error_count":    0,
			"last_synced_at": now,
			"updated_at":     now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to reset sync errors: %w", result.Error)
	}
	sync.LastError = nil
	sync.ErrorCount = 0
	sync.LastSyncedAt = &now
	return nil
}

// RecordError persists a failed attempt, creating the row when the
// failure happened before any state existed.
func (s *Store) RecordError(ctx context.Context, resource Ref, crmName, message string) error {
	sync, err := s.FindOrCreate(ctx, resource, crmName)
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).Model(&Synchronisation{}).
		Where("id = ?", sync.ID).
		Updates(map[string]any{
			"last_error":  message,
			"error_count": gorm.Expr("error_count + 1"),
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record sync error: %w", result.Error)
	}
	return nil
}

// PendingStore persists PendingSync edges.
type PendingStore struct {
	db *gorm.DB
}

func NewPendingStore(db *gorm.DB) *PendingStore {
	return &PendingStore{db: db}
}

// Register inserts one edge per parent. Duplicate edges are no-ops.
func (s *PendingStore) Register(ctx context.Context, child Ref, parents []Ref, crmName string) error {
	if len(parents) == 0 {
		return nil
	}

	rows := make([]PendingSync, 0, len(parents))
	for _, parent := range parents {
		rows = append(rows, PendingSync{
			DependentType:  child.Type,
			DependentID:    child.ID,
			DependencyType: parent.Type,
			DependencyID:   parent.ID,
			CRMName:        crmName,
		})
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows)
	if result.Error != nil {
		return fmt.Errorf("failed to register pending syncs: %w", result.Error)
	}
	return nil
}

// ByParent returns the edges waiting on parent for this CRM.
func (s *PendingStore) ByParent(ctx context.Context, parent Ref, crmName string) ([]PendingSync, error) {
	var rows []PendingSync
	result := s.db.WithContext(ctx).
		Where("dependency_type = ? AND dependency_id = ? AND crm_name = ?", parent.Type, parent.ID, crmName).
		Order("id ASC").
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load pending syncs by parent: %w", result.Error)
	}
	return rows, nil
}

// Exists reports whether the (child → parent) edge is present, which is
// how the synchronizer detects dependency cycles.
func (s *PendingStore) Exists(ctx context.Context, child, parent Ref, crmName string) (bool, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&PendingSync{}).
		Where("dependent_type = ? AND dependent_id = ? AND dependency_type = ? AND dependency_id = ? AND crm_name = ?",
			child.Type, child.ID, parent.Type, parent.ID, crmName).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("failed to check pending sync edge: %w", result.Error)
	}
	return count > 0, nil
}

// Delete removes the specific (child → parent) edges for this CRM.
func (s *PendingStore) Delete(ctx context.Context, child, parent Ref, crmName string) error {
	result := s.db.WithContext(ctx).
		Where("dependent_type = ? AND dependent_id = ? AND dependency_type = ? AND dependency_id = ? AND crm_name = ?",
			child.Type, child.ID, parent.Type, parent.ID, crmName).
		Delete(&PendingSync{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete pending sync edge: %w", result.Error)
	}
	return nil
}

// DeleteForChild removes every edge where child is the waiting side.
func (s *PendingStore) DeleteForChild(ctx context.Context, child Ref, crmName string) error {
	result := s.db.WithContext(ctx).
		Where("dependent_type = ? AND dependent_id = ? AND crm_name = ?", child.Type, child.ID, crmName).
		Delete(&PendingSync{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete pending syncs for child: %w", result.Error)
	}
	return nil
}

// CountForChild returns how many parents child is still waiting on.
func (s *PendingStore) CountForChild(ctx context.Context, child Ref, crmName string) (int64, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&PendingSync{}).
		Where("dependent_type = ? AND dependent_id = ? AND crm_name = ?", child.Type, child.ID, crmName).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count pending syncs: %w", result.Error)
	}
	return count, nil
}

package jobs

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("run not found")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Run{}, &RunExtract{}, &SummaryRecord{})
}

func (r *Repository) CreateRun(ctx context.Context, run *Run) error {
	run.CreatedAt = time.Now().UTC()
	run.UpdatedAt = run.CreatedAt
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *Repository) SaveExtract(ctx context.Context, ex *RunExtract) error {
	ex.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Create(ex).Error
}

func (r *Repository) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	result := r.db.WithContext(ctx).First(&run, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &run, result.Error
}

func (r *Repository) ListRuns(ctx context.Context, limit, offset int) ([]Run, error) {
	var runs []Run
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&runs).Error
	return runs, err
}

func (r *Repository) ListExtracts(ctx context.Context, runID string) ([]RunExtract, error) {
	var extracts []RunExtract
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC").
		Find(&extracts).Error
	return extracts, err
}

func (r *Repository) UpdateProgress(ctx context.Context, id, stage string, progress int) error {
	return r.db.WithContext(ctx).Model(&Run{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"stage":      stage,
			"progress":   progress,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *Repository) UpdateStatus(ctx context.Context, id, status, errMsg string) error {
	updates := map[string]interface{}{
		"status":     status,
		"error":      errMsg,
		"updated_at": time.Now().UTC(),
	}
	if status == StatusCompleted || status == StatusFailed {
		updates["completed_at"] = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Model(&Run{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *Repository) UpdateCounts(ctx context.Context, id string, facilities, records int, issues []byte) error {
	return r.db.WithContext(ctx).Model(&Run{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"facilities": facilities,
			"records":    records,
			"issues":     issues,
			"updated_at": time.Now().UTC(),
		}).Error
}

// ReplaceSummary swaps the stored summary rows for a run in one transaction,
// so readers never observe a half-written summary.
func (r *Repository) ReplaceSummary(ctx context.Context, runID string, records []SummaryRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", runID).Delete(&SummaryRecord{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.Create(&records).Error
	})
}

func (r *Repository) ListSummary(ctx context.Context, runID string) ([]SummaryRecord, error) {
	var records []SummaryRecord
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("position ASC").
		Find(&records).Error
	return records, err
}

func (r *Repository) CleanupExpired(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-retention)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var expired []string
		if err := tx.Model(&Run{}).Where("created_at < ?", cutoff).Pluck("id", &expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		if err := tx.Where("run_id IN ?", expired).Delete(&RunExtract{}).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id IN ?", expired).Delete(&SummaryRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", expired).Delete(&Run{}).Error
	})
}

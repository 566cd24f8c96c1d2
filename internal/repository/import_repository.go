package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"product-import-service/internal/models"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrStatusConflict  = errors.New("import job is not in the expected status")
	ErrJobStillRunning = errors.New("import job has not finished")
)

// errorInsertBatchSize bounds a single multi-row insert of import errors
const errorInsertBatchSize = 200

// ImportRepositoryInterface is the job tracking store used by the import service
type ImportRepositoryInterface interface {
	CreateJob(ctx context.Context, job *models.ImportJob) error
	GetJob(ctx context.Context, tenantID string, jobID uuid.UUID) (*models.ImportJob, error)
	GetJobByID(ctx context.Context, jobID uuid.UUID) (*models.ImportJob, error)
	ListJobs(ctx context.Context, tenantID string, page, limit int) ([]models.ImportJob, int64, error)
	ListPendingJobIDs(ctx context.Context, limit int) ([]uuid.UUID, error)
	ListStaleRunningJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.ImportJob, error)
	MarkRunning(ctx context.Context, job *models.ImportJob) error
	UpdateProgress(ctx context.Context, job *models.ImportJob) error
	Finalize(ctx context.Context, job *models.ImportJob, from models.ImportStatus) error
	AppendErrors(ctx context.Context, importErrors []*models.ImportError) error
	ListErrors(ctx context.Context, tenantID string, jobID uuid.UUID, page, limit int) ([]models.ImportError, int64, error)
	DeleteJob(ctx context.Context, tenantID string, jobID uuid.UUID) error
}

var _ ImportRepositoryInterface = (*ImportRepository)(nil)

// ImportRepository persists import jobs and their row errors
type ImportRepository struct {
	db *gorm.DB
}

// NewImportRepository creates a new ImportRepository
func NewImportRepository(db *gorm.DB) *ImportRepository {
	return &ImportRepository{db: db}
}

// CreateJob inserts a new job; the caller assigns ID and initial status.
func (r *ImportRepository) CreateJob(ctx context.Context, job *models.ImportJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	return r.db.WithContext(ctx).Create(job).Error
}

// GetJob retrieves a job by ID scoped to a tenant
func (r *ImportRepository) GetJob(ctx context.Context, tenantID string, jobID uuid.UUID) (*models.ImportJob, error) {
	var job models.ImportJob
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, jobID).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// GetJobByID retrieves a job without tenant scoping; used by the background runner
func (r *ImportRepository) GetJobByID(ctx context.Context, jobID uuid.UUID) (*models.ImportJob, error) {
	var job models.ImportJob
	err := r.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ListJobs returns a tenant's jobs, newest first
func (r *ImportRepository) ListJobs(ctx context.Context, tenantID string, page, limit int) ([]models.ImportJob, int64, error) {
	var jobs []models.ImportJob
	var total int64

	query := r.db.WithContext(ctx).Model(&models.ImportJob{}).Where("tenant_id = ?", tenantID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * limit
	err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&jobs).Error
	return jobs, total, err
}

// ListPendingJobIDs returns jobs that were accepted but never started, oldest first.
// Used to re-enqueue work after a restart.
func (r *ImportRepository) ListPendingJobIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&models.ImportJob{}).
		Where("status = ?", models.ImportStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// ListStaleRunningJobs returns RUNNING jobs whose last progress update is
// older than cutoff, oldest first.
func (r *ImportRepository) ListStaleRunningJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.ImportJob, error) {
	var jobs []models.ImportJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.ImportStatusRunning, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// MarkRunning moves a PENDING job to RUNNING and stamps its start time.
func (r *ImportRepository) MarkRunning(ctx context.Context, job *models.ImportJob) error {
	return r.transition(ctx, job, models.ImportStatusPending, map[string]interface{}{
		"status":          models.ImportStatusRunning,
		"start_time":      job.StartTime,
		"total_row_count": job.TotalRowCount,
		"column_mapping":  job.ColumnMapping,
		"current_phase":   job.CurrentPhase,
	})
}

// UpdateProgress persists the live counters of a RUNNING job.
func (r *ImportRepository) UpdateProgress(ctx context.Context, job *models.ImportJob) error {
	return r.transition(ctx, job, models.ImportStatusRunning, map[string]interface{}{
		"successful_row_count": job.SuccessfulRowCount,
		"failed_row_count":     job.FailedRowCount,
		"total_row_count":      job.TotalRowCount,
		"current_phase":        job.CurrentPhase,
	})
}

// Finalize writes the terminal status, end time and final counters.
// from is the status the job is expected to be in (PENDING or RUNNING).
func (r *ImportRepository) Finalize(ctx context.Context, job *models.ImportJob, from models.ImportStatus) error {
	if !job.Status.IsTerminal() {
		return fmt.Errorf("finalize with non-terminal status %s", job.Status)
	}
	return r.transition(ctx, job, from, map[string]interface{}{
		"status":               job.Status,
		"end_time":             job.EndTime,
		"start_time":           job.StartTime,
		"successful_row_count": job.SuccessfulRowCount,
		"failed_row_count":     job.FailedRowCount,
		"total_row_count":      job.TotalRowCount,
		"current_phase":        job.CurrentPhase,
		"failure_reason":       job.FailureReason,
	})
}

// transition applies updates only while the row is still in the expected
// status, so concurrent writers cannot move a job backwards.
func (r *ImportRepository) transition(ctx context.Context, job *models.ImportJob, from models.ImportStatus, updates map[string]interface{}) error {
	now := time.Now()
	updates["updated_at"] = now

	result := r.db.WithContext(ctx).Model(&models.ImportJob{}).
		Where("id = ? AND tenant_id = ? AND status = ?", job.ID, job.TenantID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: job %s expected %s", ErrStatusConflict, job.ID, from)
	}
	job.UpdatedAt = now
	return nil
}

// AppendErrors inserts row errors in batches. Errors are immutable once written.
func (r *ImportRepository) AppendErrors(ctx context.Context, importErrors []*models.ImportError) error {
	if len(importErrors) == 0 {
		return nil
	}
	now := time.Now()
	for _, e := range importErrors {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
	}
	return r.db.WithContext(ctx).CreateInBatches(importErrors, errorInsertBatchSize).Error
}

// ListErrors returns a job's errors in file order
func (r *ImportRepository) ListErrors(ctx context.Context, tenantID string, jobID uuid.UUID, page, limit int) ([]models.ImportError, int64, error) {
	if _, err := r.GetJob(ctx, tenantID, jobID); err != nil {
		return nil, 0, err
	}

	var importErrors []models.ImportError
	var total int64

	query := r.db.WithContext(ctx).Model(&models.ImportError{}).Where("job_id = ?", jobID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * limit
	err := query.Order("row_number ASC, created_at ASC").Offset(offset).Limit(limit).Find(&importErrors).Error
	return importErrors, total, err
}

// DeleteJob removes a finished job together with all of its errors
func (r *ImportRepository) DeleteJob(ctx context.Context, tenantID string, jobID uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.ImportJob
		if err := tx.Where("tenant_id = ? AND id = ?", tenantID, jobID).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !job.Status.IsTerminal() {
			return ErrJobStillRunning
		}

		if err := tx.Where("job_id = ?", jobID).Delete(&models.ImportError{}).Error; err != nil {
			return fmt.Errorf("delete import errors: %w", err)
		}
		if err := tx.Delete(&models.ImportJob{}, "id = ?", jobID).Error; err != nil {
			return fmt.Errorf("delete import job: %w", err)
		}
		return nil
	})
}

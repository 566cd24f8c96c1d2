package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"product-import-service/internal/models"
)

const testTenant = "tenant-a"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "repo.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Product{}, &models.Inventory{}, &models.ImportJob{}, &models.ImportError{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newPendingJob(t *testing.T, repo *ImportRepository, tenantID string) *models.ImportJob {
	t.Helper()
	job := &models.ImportJob{
		TenantID:       tenantID,
		FileName:       "products.csv",
		FilePath:       "/tmp/products.csv",
		Format:         models.ImportFormatCSV,
		Status:         models.ImportStatusPending,
		HeaderRowIndex: 1,
		ChunkSize:      500,
		CurrentPhase:   "queued",
	}
	require.NoError(t, repo.CreateJob(context.Background(), job))
	return job
}

func TestImportRepository_Lifecycle(t *testing.T) {
	repo := NewImportRepository(newTestDB(t))
	ctx := context.Background()
	job := newPendingJob(t, repo, testTenant)
	assert.NotEqual(t, uuid.Nil, job.ID)

	ids, err := repo.ListPendingJobIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{job.ID}, ids)

	now := time.Now()
	job.StartTime = &now
	job.TotalRowCount = 10
	require.NoError(t, repo.MarkRunning(ctx, job))
	assert.ErrorIs(t, repo.MarkRunning(ctx, job), ErrStatusConflict)

	job.SuccessfulRowCount = 4
	job.FailedRowCount = 1
	job.CurrentPhase = "processing rows 1-5 of 10"
	require.NoError(t, repo.UpdateProgress(ctx, job))

	stored, err := repo.GetJob(ctx, testTenant, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImportStatusRunning, stored.Status)
	assert.Equal(t, 4, stored.SuccessfulRowCount)
	assert.Equal(t, "processing rows 1-5 of 10", stored.CurrentPhase)

	ids, err = repo.ListPendingJobIDs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	job.Status = models.ImportStatusRunning
	assert.Error(t, repo.Finalize(ctx, job, models.ImportStatusRunning), "non-terminal status")

	job.Status = models.ImportStatusCompletedWithErrors
	job.EndTime = &now
	require.NoError(t, repo.Finalize(ctx, job, models.ImportStatusRunning))

	// terminal jobs never move again
	job.Status = models.ImportStatusFailed
	assert.ErrorIs(t, repo.Finalize(ctx, job, models.ImportStatusRunning), ErrStatusConflict)
	assert.ErrorIs(t, repo.UpdateProgress(ctx, job), ErrStatusConflict)

	stored, err = repo.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImportStatusCompletedWithErrors, stored.Status)
	assert.NotNil(t, stored.EndTime)
}

func TestImportRepository_ListStaleRunningJobs(t *testing.T) {
	repo := NewImportRepository(newTestDB(t))
	ctx := context.Background()

	running := func() *models.ImportJob {
		job := newPendingJob(t, repo, testTenant)
		now := time.Now()
		job.StartTime = &now
		require.NoError(t, repo.MarkRunning(ctx, job))
		job.Status = models.ImportStatusRunning
		return job
	}
	stale := running()
	fresh := running()
	newPendingJob(t, repo, testTenant)

	require.NoError(t, repo.db.Model(&models.ImportJob{}).Where("id = ?", stale.ID).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	jobs, err := repo.ListStaleRunningJobs(ctx, time.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, stale.ID, jobs[0].ID)

	// progress moves a job out of the stale set
	require.NoError(t, repo.UpdateProgress(ctx, stale))
	jobs, err = repo.ListStaleRunningJobs(ctx, time.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// a failed job is terminal and never listed
	fresh.Status = models.ImportStatusFailed
	require.NoError(t, repo.Finalize(ctx, fresh, models.ImportStatusRunning))
	jobs, err = repo.ListStaleRunningJobs(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, stale.ID, jobs[0].ID)
}

func TestImportRepository_TenantIsolation(t *testing.T) {
	repo := NewImportRepository(newTestDB(t))
	ctx := context.Background()
	job := newPendingJob(t, repo, testTenant)
	newPendingJob(t, repo, testTenant)
	newPendingJob(t, repo, "tenant-b")

	_, err := repo.GetJob(ctx, "tenant-b", job.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.GetJobByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	jobs, total, err := repo.ListJobs(ctx, testTenant, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, jobs, 1)
}

func TestImportRepository_ErrorsInFileOrder(t *testing.T) {
	repo := NewImportRepository(newTestDB(t))
	ctx := context.Background()
	job := newPendingJob(t, repo, testTenant)

	var batch []*models.ImportError
	for _, row := range []int{9, 3, 5} {
		batch = append(batch, &models.ImportError{
			JobID: job.ID, RowNumber: row, DataRowNumber: row - 1,
			ErrorType: models.ErrorTypeInvalidFormat, Message: "bad",
		})
	}
	require.NoError(t, repo.AppendErrors(ctx, batch))
	require.NoError(t, repo.AppendErrors(ctx, nil))

	importErrors, total, err := repo.ListErrors(ctx, testTenant, job.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, importErrors, 2)
	assert.Equal(t, 3, importErrors[0].RowNumber)
	assert.Equal(t, 5, importErrors[1].RowNumber)

	_, _, err = repo.ListErrors(ctx, "tenant-b", job.ID, 1, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImportRepository_DeleteJob(t *testing.T) {
	repo := NewImportRepository(newTestDB(t))
	ctx := context.Background()
	job := newPendingJob(t, repo, testTenant)

	require.NoError(t, repo.AppendErrors(ctx, []*models.ImportError{{
		JobID: job.ID, RowNumber: 2, DataRowNumber: 1,
		ErrorType: models.ErrorTypeUnknown, Message: "oops",
	}}))

	assert.ErrorIs(t, repo.DeleteJob(ctx, testTenant, job.ID), ErrJobStillRunning)

	job.Status = models.ImportStatusFailed
	require.NoError(t, repo.Finalize(ctx, job, models.ImportStatusPending))

	assert.ErrorIs(t, repo.DeleteJob(ctx, "tenant-b", job.ID), ErrNotFound)
	require.NoError(t, repo.DeleteJob(ctx, testTenant, job.ID))

	_, err := repo.GetJob(ctx, testTenant, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var remaining int64
	require.NoError(t, repo.db.Model(&models.ImportError{}).Where("job_id = ?", job.ID).Count(&remaining).Error)
	assert.Zero(t, remaining)
}

func TestProductsRepository_WriteChunkIsolatesFailures(t *testing.T) {
	db := newTestDB(t)
	repo := NewProductsRepository(db)
	ctx := context.Background()
	jobID := uuid.New()
	reorder := 3

	cmds := []models.ProductCommand{
		{RowNumber: 2, Name: "One", Code: "A", Category: "HOME", SellingPrice: decimal.NewFromInt(1), DeclaredQuantity: 5, ReorderLevel: &reorder},
		{RowNumber: 3, Name: "Clash", Code: "A", Category: "HOME", SellingPrice: decimal.NewFromInt(1)},
		{RowNumber: 4, Name: "Two", Code: "B", Category: "HOME", SellingPrice: decimal.NewFromInt(2)},
	}
	outcomes, err := repo.WriteChunk(ctx, testTenant, jobID, nil, cmds)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.True(t, outcomes[0].Succeeded())
	assert.False(t, outcomes[1].Succeeded())
	assert.ErrorIs(t, outcomes[1].Err, ErrDuplicateCode)
	assert.True(t, outcomes[2].Succeeded())

	count, err := repo.CountByImportJob(ctx, testTenant, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	var inventories int64
	require.NoError(t, db.Model(&models.Inventory{}).Count(&inventories).Error)
	assert.Equal(t, int64(2), inventories)

	inventory, err := repo.GetInventoryByProductID(ctx, testTenant, outcomes[0].ProductID)
	require.NoError(t, err)
	assert.Equal(t, 0, inventory.Quantity)
	require.NotNil(t, inventory.ReorderLevel)
	assert.Equal(t, 3, *inventory.ReorderLevel)

	// same code under another tenant is fine
	outcomes, err = repo.WriteChunk(ctx, "tenant-b", uuid.New(), nil, cmds[:1])
	require.NoError(t, err)
	assert.True(t, outcomes[0].Succeeded())

	outcomes, err = repo.WriteChunk(ctx, testTenant, jobID, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestProductsRepository_CodeLookups(t *testing.T) {
	repo := NewProductsRepository(newTestDB(t))
	ctx := context.Background()

	_, err := repo.WriteChunk(ctx, testTenant, uuid.New(), nil, []models.ProductCommand{
		{Name: "One", Code: "A", Category: "HOME", SellingPrice: decimal.NewFromInt(1)},
		{Name: "Two", Code: "B", Category: "HOME", SellingPrice: decimal.NewFromInt(1)},
	})
	require.NoError(t, err)

	exists, err := repo.CodeExists(ctx, testTenant, "A")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.CodeExists(ctx, "tenant-b", "A")
	require.NoError(t, err)
	assert.False(t, exists)

	existing, err := repo.ExistingCodes(ctx, testTenant, []string{"A", "b", "B", "C"})
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"A": {}, "B": {}}, existing)

	_, err = repo.GetProductByCode(ctx, testTenant, "C")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsDuplicateKey(gorm.ErrDuplicatedKey))
	assert.False(t, IsDuplicateKey(assert.AnError))
	assert.True(t, IsInfrastructureError(context.Canceled))
	assert.True(t, IsInfrastructureError(gorm.ErrInvalidTransaction))
	assert.False(t, IsInfrastructureError(gorm.ErrDuplicatedKey))
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"product-import-service/internal/cache"
	"product-import-service/internal/events"
	"product-import-service/internal/metrics"
	"product-import-service/internal/models"
	"product-import-service/internal/repository"
	"product-import-service/internal/staging"
)

var (
	ErrJobNotFound   = errors.New("import job not found")
	ErrJobNotPending = errors.New("import job is not pending")
	ErrJobRunning    = errors.New("import job is still running")
)

// InterruptedReason is the failure reason of a job whose run ended without
// reaching a terminal status
const InterruptedReason = "interrupted"

// staleJobLimit bounds how many abandoned jobs are failed per sweep
const staleJobLimit = 100

// Defaults applied when neither options nor settings give a value
const (
	DefaultChunkSize = 500
	DefaultHeaderRow = 1
	MaxChunkSize     = 10000
)

// Options are the per-job knobs a caller may override
type Options struct {
	ChunkSize int
	HeaderRow int
	Prefetch  bool
}

// Settings configure an ImportService
type Settings struct {
	Rules           ValidationRules
	Defaults        Options
	ErrorBufferSize int
}

// FileRemover deletes a staged file once its job is finished
type FileRemover interface {
	Remove(path string) error
}

// ImportService creates import jobs and runs them: rows are read, validated
// and written chunk by chunk, row failures are recorded and skipped, and the
// job's counters are persisted at every chunk boundary.
type ImportService struct {
	jobs      repository.ImportRepositoryInterface
	products  repository.ProductWriterInterface
	jobCache  *cache.JobCache
	publisher *events.Publisher
	files     FileRemover
	settings  Settings
	logger    *logrus.Entry
}

// NewImportService creates a new ImportService. jobCache, publisher and
// files may be nil.
func NewImportService(
	jobs repository.ImportRepositoryInterface,
	products repository.ProductWriterInterface,
	jobCache *cache.JobCache,
	publisher *events.Publisher,
	files FileRemover,
	settings Settings,
	logger *logrus.Logger,
) *ImportService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if settings.Defaults.ChunkSize <= 0 {
		settings.Defaults.ChunkSize = DefaultChunkSize
	}
	if settings.Defaults.HeaderRow <= 0 {
		settings.Defaults.HeaderRow = DefaultHeaderRow
	}
	if len(settings.Rules.RequiredColumns) == 0 && len(settings.Rules.AllowedCategories) == 0 {
		settings.Rules = DefaultValidationRules()
	}
	return &ImportService{
		jobs:      jobs,
		products:  products,
		jobCache:  jobCache,
		publisher: publisher,
		files:     files,
		settings:  settings,
		logger:    logger.WithField("component", "import-service"),
	}
}

// CreateJob records a PENDING job for a staged file
func (s *ImportService) CreateJob(ctx context.Context, tenantID, userID string, file staging.StagedFile, opts Options) (*models.ImportJob, error) {
	if file.Format != models.ImportFormatCSV && file.Format != models.ImportFormatXLSX {
		return nil, staging.ErrUnsupportedFormat
	}
	opts = s.resolveOptions(opts)

	job := &models.ImportJob{
		ID:             uuid.New(),
		TenantID:       tenantID,
		CreatedBy:      optionalString(userID),
		FileName:       file.Name,
		FileSize:       file.Size,
		FilePath:       file.Path,
		Format:         file.Format,
		Status:         models.ImportStatusPending,
		HeaderRowIndex: opts.HeaderRow,
		ChunkSize:      opts.ChunkSize,
		CurrentPhase:   "queued",
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create import job: %w", err)
	}

	s.cacheJob(ctx, job)
	s.publish(ctx, events.ImportJobCreated, job)
	s.logger.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"tenant_id": tenantID,
		"file_name": file.Name,
		"file_size": file.Size,
	}).Info("Import job created")
	return job, nil
}

// ImportFile creates a job and runs it to completion on the caller's goroutine
func (s *ImportService) ImportFile(ctx context.Context, tenantID, userID string, file staging.StagedFile, opts Options) (*models.ImportJob, error) {
	job, err := s.CreateJob(ctx, tenantID, userID, file, opts)
	if err != nil {
		return nil, err
	}
	return s.runJob(ctx, job, opts.Prefetch || s.settings.Defaults.Prefetch)
}

// RunJob executes a PENDING job. Row and writer failures are recorded as
// import errors; a structural, storage or cancellation failure ends the job
// as FAILED. The returned error is only set when the job could not be
// driven at all (not found, not pending, tracking store unavailable).
func (s *ImportService) RunJob(ctx context.Context, jobID uuid.UUID) (*models.ImportJob, error) {
	job, err := s.jobs.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return s.runJob(ctx, job, s.settings.Defaults.Prefetch)
}

func (s *ImportService) runJob(ctx context.Context, job *models.ImportJob, prefetch bool) (*models.ImportJob, error) {
	if job.Status != models.ImportStatusPending {
		return nil, fmt.Errorf("%w: job %s is %s", ErrJobNotPending, job.ID, job.Status)
	}
	log := s.logger.WithFields(logrus.Fields{"job_id": job.ID, "tenant_id": job.TenantID})

	src, err := OpenRowSource(job.FilePath, job.Format, job.HeaderRowIndex)
	if err != nil {
		return s.failPending(ctx, log, job, err)
	}

	total, err := s.prepare(ctx, src)
	if err != nil {
		src.Close()
		return s.failPending(ctx, log, job, err)
	}

	if mapping, err := json.Marshal(src.ColumnMapping()); err == nil {
		job.ColumnMapping = datatypes.JSON(mapping)
	}
	now := time.Now()
	job.TotalRowCount = total
	job.StartTime = &now
	job.CurrentPhase = fmt.Sprintf("processing rows 0 of %d", total)
	if err := s.jobs.MarkRunning(ctx, job); err != nil {
		src.Close()
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil, fmt.Errorf("%w: %v", ErrJobNotPending, err)
		}
		return nil, fmt.Errorf("failed to start import job: %w", err)
	}
	job.Status = models.ImportStatusRunning

	metrics.JobStarted()
	s.cacheJob(ctx, job)
	s.publish(ctx, events.ImportJobStarted, job)
	log.WithField("total_rows", total).Info("Import job started")

	run := &jobRun{
		job:       job,
		validator: NewRowValidator(s.settings.Rules, s.products, job.TenantID),
		collector: NewErrorCollector(s.jobs, job.ID, s.settings.ErrorBufferSize),
		log:       log,
	}

	var feed rowFeed = &directFeed{src: src}
	if prefetch {
		feed = newPrefetchFeed(ctx, src, job.ChunkSize)
	}
	runErr := s.processRows(ctx, run, feed)
	feed.close()
	src.Close()

	return s.finish(ctx, run, runErr)
}

// prepare checks the header against the required columns and counts the
// data rows so that progress is reported against a known total.
func (s *ImportService) prepare(ctx context.Context, src RowSource) (int, error) {
	if err := RequireColumns(src, s.settings.Rules.RequiredColumns); err != nil {
		return 0, err
	}
	return CountDataRows(ctx, src)
}

// jobRun is the state of one executing job, owned by a single goroutine
type jobRun struct {
	job       *models.ImportJob
	validator *RowValidator
	collector *ErrorCollector
	log       *logrus.Entry
}

// processRows drives the chunk loop. Cancellation is observed between
// chunks; a chunk that has been read is always written in full.
func (s *ImportService) processRows(ctx context.Context, run *jobRun, feed rowFeed) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rows, readErr := feed.nextChunk(ctx, run.job.ChunkSize)
		if len(rows) > 0 {
			if err := s.processChunk(context.WithoutCancel(ctx), run, rows); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func (s *ImportService) processChunk(ctx context.Context, run *jobRun, rows []*RawRow) error {
	job := run.job
	failedBefore, succeededBefore := job.FailedRowCount, job.SuccessfulRowCount

	if err := run.validator.PrimeExisting(ctx, rows); err != nil {
		run.log.WithError(err).Warn("Failed to prefetch existing codes, checking row by row")
	}

	cmds := make([]models.ProductCommand, 0, len(rows))
	for _, row := range rows {
		cmd, rowErr := run.validator.Validate(ctx, row)
		if rowErr != nil {
			job.FailedRowCount++
			if err := s.recordError(ctx, run, rowErr); err != nil {
				return err
			}
			continue
		}
		cmds = append(cmds, *cmd)
	}

	started := time.Now()
	outcomes, err := s.products.WriteChunk(ctx, job.TenantID, job.ID, job.CreatedBy, cmds)
	metrics.ObserveChunkWrite(time.Since(started))
	if err != nil {
		return fmt.Errorf("write chunk ending at row %d: %w", rows[len(rows)-1].RowNumber, err)
	}

	for i, outcome := range outcomes {
		if outcome.Succeeded() {
			job.SuccessfulRowCount++
			continue
		}
		job.FailedRowCount++
		if err := s.recordError(ctx, run, writerError(&cmds[i], outcome.Err)); err != nil {
			return err
		}
	}

	if err := run.collector.Flush(ctx); err != nil {
		return err
	}

	job.CurrentPhase = fmt.Sprintf("processing rows %d-%d of %d",
		rows[0].DataRowNumber, rows[len(rows)-1].DataRowNumber, job.TotalRowCount)
	if err := s.jobs.UpdateProgress(ctx, job); err != nil {
		return fmt.Errorf("failed to update import progress: %w", err)
	}

	metrics.RowsProcessed(job.SuccessfulRowCount-succeededBefore, job.FailedRowCount-failedBefore)
	s.cacheJob(ctx, job)
	s.publish(ctx, events.ImportJobProgress, job)
	run.log.WithFields(logrus.Fields{
		"phase":      job.CurrentPhase,
		"successful": job.SuccessfulRowCount,
		"failed":     job.FailedRowCount,
	}).Debug("Import chunk committed")
	return nil
}

func (s *ImportService) recordError(ctx context.Context, run *jobRun, importErr *models.ImportError) error {
	metrics.RowErrorRecorded(string(importErr.ErrorType))
	if err := run.collector.Add(ctx, importErr); err != nil {
		return err
	}
	return nil
}

// writerError converts a per-command write failure into a row error
func writerError(cmd *models.ProductCommand, err error) *models.ImportError {
	row := &RawRow{RowNumber: cmd.RowNumber, DataRowNumber: cmd.DataRowNumber}
	if errors.Is(err, repository.ErrDuplicateCode) {
		return newRowError(row, FieldCode, cmd.Code, models.ErrorTypeDuplicateExisting,
			fmt.Sprintf("A product with code %q was created while this file was being imported", cmd.Code))
	}
	return newRowError(row, "", "", models.ErrorTypeUnknown,
		fmt.Sprintf("Could not save product %q: %v", cmd.Code, err))
}

// finish flushes remaining errors and moves the job to its terminal status
func (s *ImportService) finish(ctx context.Context, run *jobRun, runErr error) (*models.ImportJob, error) {
	ctx = context.WithoutCancel(ctx)
	job := run.job

	if flushErr := run.collector.Flush(ctx); flushErr != nil && runErr == nil {
		runErr = flushErr
	}

	now := time.Now()
	job.EndTime = &now
	switch {
	case runErr != nil:
		job.Status = models.ImportStatusFailed
		reason := failureReason(runErr)
		job.FailureReason = &reason
		job.CurrentPhase = "failed"
	case job.FailedRowCount == 0:
		job.Status = models.ImportStatusCompleted
		job.CurrentPhase = "completed"
	default:
		job.Status = models.ImportStatusCompletedWithErrors
		job.CurrentPhase = "completed with errors"
	}

	if err := s.jobs.Finalize(ctx, job, models.ImportStatusRunning); err != nil {
		s.invalidateJob(ctx, job)
		return nil, fmt.Errorf("failed to finalize import job: %w", err)
	}

	metrics.JobFinished(string(job.Status), job.StartTime, true)
	s.removeStagedFile(run.log, job)
	s.cacheJob(ctx, job)
	s.publish(ctx, events.TerminalEventType(job.Status), job)

	fields := logrus.Fields{
		"status":     job.Status,
		"total":      job.TotalRowCount,
		"successful": job.SuccessfulRowCount,
		"failed":     job.FailedRowCount,
		"duration":   now.Sub(*job.StartTime).String(),
	}
	if runErr != nil {
		run.log.WithError(runErr).WithFields(fields).Error("Import job failed")
	} else {
		run.log.WithFields(fields).Info("Import job finished")
	}
	return job, nil
}

// failPending ends a job that never started processing
func (s *ImportService) failPending(ctx context.Context, log *logrus.Entry, job *models.ImportJob, cause error) (*models.ImportJob, error) {
	ctx = context.WithoutCancel(ctx)

	now := time.Now()
	reason := failureReason(cause)
	job.Status = models.ImportStatusFailed
	job.EndTime = &now
	job.FailureReason = &reason
	job.CurrentPhase = "failed"

	if err := s.jobs.Finalize(ctx, job, models.ImportStatusPending); err != nil {
		s.invalidateJob(ctx, job)
		return nil, fmt.Errorf("failed to finalize import job: %w", err)
	}

	metrics.JobFinished(string(job.Status), nil, false)
	s.removeStagedFile(log, job)
	s.cacheJob(ctx, job)
	s.publish(ctx, events.ImportJobFailed, job)
	log.WithError(cause).Warn("Import job failed before processing")
	return job, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	}
	return err.Error()
}

// ListPendingJobIDs returns jobs waiting to be run, oldest first
func (s *ImportService) ListPendingJobIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return s.jobs.ListPendingJobIDs(ctx, limit)
}

// FailInterruptedJob ends a PENDING or RUNNING job whose run was aborted,
// keeping the counters and errors it already recorded. Finished jobs are
// left alone.
func (s *ImportService) FailInterruptedJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobs.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrJobNotFound
		}
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	return s.abandon(ctx, job, job.Status == models.ImportStatusRunning)
}

// FailStaleJobs ends RUNNING jobs that made no progress since cutoff. Their
// worker is gone: the process died, or finalizing failed during an outage.
func (s *ImportService) FailStaleJobs(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := s.jobs.ListStaleRunningJobs(ctx, cutoff, staleJobLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale import jobs: %w", err)
	}

	failed := 0
	for i := range stale {
		// the gauge belongs to the process that started the job
		if err := s.abandon(ctx, &stale[i], false); err != nil {
			if errors.Is(err, repository.ErrStatusConflict) {
				continue
			}
			return failed, err
		}
		failed++
	}
	return failed, nil
}

func (s *ImportService) abandon(ctx context.Context, job *models.ImportJob, wasRunning bool) error {
	ctx = context.WithoutCancel(ctx)
	log := s.logger.WithFields(logrus.Fields{"job_id": job.ID, "tenant_id": job.TenantID})

	from := job.Status
	now := time.Now()
	reason := InterruptedReason
	job.Status = models.ImportStatusFailed
	job.EndTime = &now
	job.FailureReason = &reason
	job.CurrentPhase = "failed"

	if err := s.jobs.Finalize(ctx, job, from); err != nil {
		s.invalidateJob(ctx, job)
		return fmt.Errorf("failed to finalize interrupted import job: %w", err)
	}

	metrics.JobFinished(string(job.Status), job.StartTime, wasRunning)
	s.removeStagedFile(log, job)
	s.cacheJob(ctx, job)
	s.publish(ctx, events.ImportJobFailed, job)
	log.WithFields(logrus.Fields{
		"previous_status": from,
		"successful":      job.SuccessfulRowCount,
		"failed":          job.FailedRowCount,
	}).Warn("Interrupted import job marked as failed")
	return nil
}

// GetJob returns a job with its live counters, preferring the cached snapshot
func (s *ImportService) GetJob(ctx context.Context, tenantID string, jobID uuid.UUID) (*models.ImportJob, error) {
	if cached, err := s.jobCache.Get(ctx, tenantID, jobID); err != nil {
		s.logger.WithError(err).Debug("Job cache read failed")
	} else if cached != nil {
		return cached, nil
	}

	job, err := s.jobs.GetJob(ctx, tenantID, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	s.cacheJob(ctx, job)
	return job, nil
}

// ListJobs returns a page of the tenant's jobs
func (s *ImportService) ListJobs(ctx context.Context, tenantID string, page, limit int) ([]models.ImportJob, int64, error) {
	return s.jobs.ListJobs(ctx, tenantID, page, limit)
}

// ListErrors returns a page of a job's errors in file order
func (s *ImportService) ListErrors(ctx context.Context, tenantID string, jobID uuid.UUID, page, limit int) ([]models.ImportError, int64, error) {
	importErrors, total, err := s.jobs.ListErrors(ctx, tenantID, jobID, page, limit)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, 0, ErrJobNotFound
	}
	return importErrors, total, err
}

// DeleteJob removes a finished job and its errors
func (s *ImportService) DeleteJob(ctx context.Context, tenantID string, jobID uuid.UUID) error {
	job, err := s.jobs.GetJob(ctx, tenantID, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrJobNotFound
		}
		return err
	}

	if err := s.jobs.DeleteJob(ctx, tenantID, jobID); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return ErrJobNotFound
		case errors.Is(err, repository.ErrJobStillRunning):
			return ErrJobRunning
		}
		return err
	}

	s.invalidateJob(ctx, job)
	s.publish(ctx, events.ImportJobDeleted, job)
	return nil
}

func (s *ImportService) resolveOptions(opts Options) Options {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = s.settings.Defaults.ChunkSize
	}
	if opts.ChunkSize > MaxChunkSize {
		opts.ChunkSize = MaxChunkSize
	}
	if opts.HeaderRow <= 0 {
		opts.HeaderRow = s.settings.Defaults.HeaderRow
	}
	return opts
}

func (s *ImportService) cacheJob(ctx context.Context, job *models.ImportJob) {
	if err := s.jobCache.Set(ctx, job); err != nil {
		s.logger.WithError(err).WithField("job_id", job.ID).Debug("Failed to cache import job")
	}
}

func (s *ImportService) invalidateJob(ctx context.Context, job *models.ImportJob) {
	if err := s.jobCache.Invalidate(ctx, job.TenantID, job.ID); err != nil {
		s.logger.WithError(err).WithField("job_id", job.ID).Debug("Failed to invalidate cached import job")
	}
}

func (s *ImportService) publish(ctx context.Context, eventType string, job *models.ImportJob) {
	if err := s.publisher.PublishJobEvent(ctx, eventType, job); err != nil {
		s.logger.WithError(err).WithField("event_type", eventType).Debug("Import event not published")
	}
}

func (s *ImportService) removeStagedFile(log *logrus.Entry, job *models.ImportJob) {
	if s.files == nil || job.FilePath == "" {
		return
	}
	if err := s.files.Remove(job.FilePath); err != nil {
		log.WithError(err).Warn("Failed to remove staged import file")
	}
}

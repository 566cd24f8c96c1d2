package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"product-import-service/internal/metrics"
	"product-import-service/internal/models"
)

// ErrQueueFull is returned when no more jobs can be accepted
var ErrQueueFull = errors.New("import queue is full")

// ErrRunnerStopped is returned when enqueueing after Stop
var ErrRunnerStopped = errors.New("import runner is stopped")

// pendingRecoveryLimit bounds how many PENDING jobs are re-queued per sweep
const pendingRecoveryLimit = 1000

// JobExecutor runs one import job to a terminal status
type JobExecutor interface {
	RunJob(ctx context.Context, jobID uuid.UUID) (*models.ImportJob, error)
}

// JobStore finds jobs that need the runner's attention: jobs accepted
// before a restart that never ran, and jobs whose run died half way.
type JobStore interface {
	ListPendingJobIDs(ctx context.Context, limit int) ([]uuid.UUID, error)
	FailInterruptedJob(ctx context.Context, jobID uuid.UUID) error
	FailStaleJobs(ctx context.Context, cutoff time.Time) (int, error)
}

// RunnerConfig sizes the worker pool
type RunnerConfig struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
	// SweepInterval is how often PENDING jobs that did not fit in the queue
	// are picked up again and abandoned RUNNING jobs are failed
	SweepInterval time.Duration
}

// ImportRunner executes queued import jobs on a fixed pool of workers.
// Each job gets its own goroutine for its whole run, so chunks of one job
// stay sequential while distinct jobs proceed in parallel.
type ImportRunner struct {
	executor JobExecutor
	store    JobStore
	cfg      RunnerConfig
	logger   *logrus.Entry

	queue    chan uuid.UUID
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	stopped  bool
	once     sync.Once
}

// NewImportRunner creates a new runner; call Start to begin processing
func NewImportRunner(executor JobExecutor, store JobStore, cfg RunnerConfig, logger *logrus.Logger) *ImportRunner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ImportRunner{
		executor: executor,
		store:    store,
		cfg:      cfg,
		logger:   logger.WithField("component", "import-runner"),
		queue:    make(chan uuid.UUID, cfg.QueueSize),
		stopCh:   make(chan struct{}),
		inflight: make(map[uuid.UUID]struct{}),
	}
}

// Start launches the workers and re-queues jobs left PENDING by a previous run
func (r *ImportRunner) Start(ctx context.Context) {
	r.once.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		go func() {
			<-r.stopCh
			cancel()
		}()

		for i := 0; i < r.cfg.Workers; i++ {
			r.wg.Add(1)
			go r.worker(ctx, i)
		}
		r.logger.WithField("workers", r.cfg.Workers).Info("Import runner started")

		r.wg.Add(1)
		go r.sweep(ctx)
	})
}

// sweep re-queues PENDING jobs and fails abandoned RUNNING jobs,
// immediately and then on every tick
func (r *ImportRunner) sweep(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	r.failStale(ctx)
	r.recoverPending(ctx)
	for {
		select {
		case <-ticker.C:
			r.failStale(ctx)
			r.recoverPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Enqueue schedules a job without blocking. A job that is already queued
// or running is not queued twice.
func (r *ImportRunner) Enqueue(jobID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRunnerStopped
	}
	if _, ok := r.inflight[jobID]; ok {
		return nil
	}

	select {
	case r.queue <- jobID:
		r.inflight[jobID] = struct{}{}
		metrics.SetQueueDepth(len(r.queue))
		return nil
	default:
		return ErrQueueFull
	}
}

func (r *ImportRunner) done(jobID uuid.UUID) {
	r.mu.Lock()
	delete(r.inflight, jobID)
	r.mu.Unlock()
}

// Stop signals the workers and waits for in-flight jobs to finish their
// current chunk and reach a terminal status.
func (r *ImportRunner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Import runner stopped")
}

func (r *ImportRunner) worker(ctx context.Context, id int) {
	defer r.wg.Done()
	log := r.logger.WithField("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-r.queue:
			metrics.SetQueueDepth(len(r.queue))
			if ctx.Err() != nil {
				// still PENDING; the next start picks it up
				return
			}
			r.execute(ctx, log, jobID)
			r.done(jobID)
		}
	}
}

func (r *ImportRunner) execute(ctx context.Context, log *logrus.Entry, jobID uuid.UUID) {
	jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()

	log = log.WithField("job_id", jobID)
	defer func() {
		if p := recover(); p != nil {
			log.WithField("panic", p).Error("Import job panicked")
			r.failInterrupted(log, jobID)
		}
	}()

	job, err := r.executor.RunJob(jobCtx, jobID)
	if err != nil {
		log.WithError(err).Error("Import job could not be run")
		return
	}
	log.WithFields(logrus.Fields{
		"status":     job.Status,
		"successful": job.SuccessfulRowCount,
		"failed":     job.FailedRowCount,
	}).Info("Import job done")
}

func (r *ImportRunner) failInterrupted(log *logrus.Entry, jobID uuid.UUID) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.store.FailInterruptedJob(ctx, jobID); err != nil {
		log.WithError(err).Error("Failed to mark panicked import job as failed")
	}
}

// failStale fails RUNNING jobs whose progress stopped longer ago than any
// live run could take.
func (r *ImportRunner) failStale(ctx context.Context) {
	if r.store == nil {
		return
	}
	cutoff := time.Now().Add(-(r.cfg.JobTimeout + r.cfg.SweepInterval))
	failed, err := r.store.FailStaleJobs(ctx, cutoff)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to fail stale import jobs")
	}
	if failed > 0 {
		r.logger.WithField("jobs", failed).Warn("Marked abandoned import jobs as failed")
	}
}

func (r *ImportRunner) recoverPending(ctx context.Context) {
	if r.store == nil {
		return
	}
	ids, err := r.store.ListPendingJobIDs(ctx, pendingRecoveryLimit)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to list pending import jobs")
		return
	}
	for _, id := range ids {
		if err := r.Enqueue(id); err != nil {
			r.logger.WithError(err).WithField("job_id", id).Debug("Pending import job not re-queued")
			return
		}
	}
}

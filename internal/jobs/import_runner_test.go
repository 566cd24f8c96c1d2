package jobs

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"product-import-service/internal/models"
)

// MockJobExecutor is a mock implementation of JobExecutor
type MockJobExecutor struct {
	mock.Mock
}

func (m *MockJobExecutor) RunJob(ctx context.Context, jobID uuid.UUID) (*models.ImportJob, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ImportJob), args.Error(1)
}

// MockJobStore is a mock implementation of JobStore
type MockJobStore struct {
	mock.Mock
}

func (m *MockJobStore) ListPendingJobIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

func (m *MockJobStore) FailInterruptedJob(ctx context.Context, jobID uuid.UUID) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

func (m *MockJobStore) FailStaleJobs(ctx context.Context, cutoff time.Time) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func completedJob(id uuid.UUID) *models.ImportJob {
	return &models.ImportJob{ID: id, Status: models.ImportStatusCompleted}
}

func TestImportRunner_RunsQueuedJobs(t *testing.T) {
	executor := new(MockJobExecutor)
	var wg sync.WaitGroup
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		id := id
		wg.Add(1)
		executor.On("RunJob", mock.Anything, id).Run(func(mock.Arguments) { wg.Done() }).
			Return(completedJob(id), nil).Once()
	}

	runner := NewImportRunner(executor, nil, RunnerConfig{Workers: 2, QueueSize: 10}, quietLogger())
	runner.Start(context.Background())
	defer runner.Stop()

	for _, id := range ids {
		require.NoError(t, runner.Enqueue(id))
	}

	waitOrFail(t, &wg)
	executor.AssertExpectations(t)
}

func TestImportRunner_DeduplicatesInflightJobs(t *testing.T) {
	executor := new(MockJobExecutor)
	runner := NewImportRunner(executor, nil, RunnerConfig{Workers: 1, QueueSize: 1}, quietLogger())

	id := uuid.New()
	require.NoError(t, runner.Enqueue(id))
	require.NoError(t, runner.Enqueue(id))
	assert.ErrorIs(t, runner.Enqueue(uuid.New()), ErrQueueFull)

	var wg sync.WaitGroup
	wg.Add(1)
	executor.On("RunJob", mock.Anything, id).Run(func(mock.Arguments) { wg.Done() }).
		Return(completedJob(id), nil).Once()

	runner.Start(context.Background())
	waitOrFail(t, &wg)
	runner.Stop()

	executor.AssertNumberOfCalls(t, "RunJob", 1)
	assert.ErrorIs(t, runner.Enqueue(uuid.New()), ErrRunnerStopped)
}

func TestImportRunner_RecoversPendingJobs(t *testing.T) {
	executor := new(MockJobExecutor)
	pending := new(MockJobStore)
	id := uuid.New()

	var wg sync.WaitGroup
	wg.Add(1)
	pending.On("FailStaleJobs", mock.Anything, mock.Anything).Return(0, nil).Maybe()
	pending.On("ListPendingJobIDs", mock.Anything, pendingRecoveryLimit).Return([]uuid.UUID{id}, nil)
	executor.On("RunJob", mock.Anything, id).Run(func(mock.Arguments) { wg.Done() }).
		Return(completedJob(id), nil).Once()

	runner := NewImportRunner(executor, pending, RunnerConfig{Workers: 1, SweepInterval: time.Hour}, quietLogger())
	runner.Start(context.Background())
	defer runner.Stop()

	waitOrFail(t, &wg)
	executor.AssertExpectations(t)
}

func TestImportRunner_SurvivesFailuresAndPanics(t *testing.T) {
	executor := new(MockJobExecutor)
	var wg sync.WaitGroup
	failing, panicking, healthy := uuid.New(), uuid.New(), uuid.New()
	wg.Add(3)

	executor.On("RunJob", mock.Anything, failing).Run(func(mock.Arguments) { wg.Done() }).
		Return(nil, errors.New("job not pending")).Once()
	executor.On("RunJob", mock.Anything, panicking).Run(func(mock.Arguments) {
		wg.Done()
		panic("boom")
	}).Return(nil, nil).Once()
	executor.On("RunJob", mock.Anything, healthy).Run(func(mock.Arguments) { wg.Done() }).
		Return(completedJob(healthy), nil).Once()

	runner := NewImportRunner(executor, nil, RunnerConfig{Workers: 1}, quietLogger())
	runner.Start(context.Background())
	defer runner.Stop()

	for _, id := range []uuid.UUID{failing, panicking, healthy} {
		require.NoError(t, runner.Enqueue(id))
	}
	waitOrFail(t, &wg)
	executor.AssertExpectations(t)
}

func TestImportRunner_FailsPanickedJob(t *testing.T) {
	executor := new(MockJobExecutor)
	store := new(MockJobStore)
	id := uuid.New()

	failed := make(chan struct{})
	store.On("FailStaleJobs", mock.Anything, mock.Anything).Return(0, nil).Maybe()
	store.On("ListPendingJobIDs", mock.Anything, pendingRecoveryLimit).Return([]uuid.UUID{}, nil).Maybe()
	store.On("FailInterruptedJob", mock.Anything, id).Run(func(mock.Arguments) { close(failed) }).
		Return(nil).Once()
	executor.On("RunJob", mock.Anything, id).Run(func(mock.Arguments) {
		panic("nil map write")
	}).Return(nil, nil).Once()

	runner := NewImportRunner(executor, store, RunnerConfig{Workers: 1, SweepInterval: time.Hour}, quietLogger())
	runner.Start(context.Background())
	defer runner.Stop()

	require.NoError(t, runner.Enqueue(id))
	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("panicked job was not marked as failed")
	}
	store.AssertExpectations(t)
}

func TestImportRunner_SweepFailsStaleJobs(t *testing.T) {
	store := new(MockJobStore)
	cutoffs := make(chan time.Time, 1)
	store.On("FailStaleJobs", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		select {
		case cutoffs <- args.Get(1).(time.Time):
		default:
		}
	}).Return(1, nil)
	store.On("ListPendingJobIDs", mock.Anything, pendingRecoveryLimit).Return([]uuid.UUID{}, nil)

	runner := NewImportRunner(new(MockJobExecutor), store, RunnerConfig{
		Workers:       1,
		JobTimeout:    10 * time.Minute,
		SweepInterval: time.Minute,
	}, quietLogger())
	started := time.Now()
	runner.Start(context.Background())
	defer runner.Stop()

	select {
	case cutoff := <-cutoffs:
		// a live job always updates within its timeout, so only older jobs qualify
		assert.False(t, cutoff.After(time.Now().Add(-11*time.Minute)))
		assert.False(t, cutoff.Before(started.Add(-11*time.Minute)))
	case <-time.After(5 * time.Second):
		t.Fatal("stale jobs were not swept")
	}
}

func TestImportRunner_AppliesJobTimeout(t *testing.T) {
	executor := new(MockJobExecutor)
	id := uuid.New()
	deadlines := make(chan bool, 1)

	executor.On("RunJob", mock.Anything, id).Run(func(args mock.Arguments) {
		_, ok := args.Get(0).(context.Context).Deadline()
		deadlines <- ok
	}).Return(completedJob(id), nil).Once()

	runner := NewImportRunner(executor, nil, RunnerConfig{Workers: 1, JobTimeout: time.Minute}, quietLogger())
	runner.Start(context.Background())
	defer runner.Stop()

	require.NoError(t, runner.Enqueue(id))
	select {
	case ok := <-deadlines:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not executed")
	}
}

func TestNewImportRunner_Defaults(t *testing.T) {
	runner := NewImportRunner(new(MockJobExecutor), nil, RunnerConfig{}, nil)
	assert.Equal(t, 4, runner.cfg.Workers)
	assert.Equal(t, 100, runner.cfg.QueueSize)
	assert.Equal(t, 30*time.Minute, runner.cfg.JobTimeout)
	assert.Equal(t, time.Minute, runner.cfg.SweepInterval)
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for jobs")
	}
}

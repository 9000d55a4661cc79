package sync

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ternarybob/relay/internal/common"
	"github.com/ternarybob/relay/internal/connectors"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
	storage "github.com/ternarybob/relay/internal/storage/mongo"
	"github.com/ternarybob/relay/internal/syncerrors"
)

// lockTTL bounds how long a cross-worker job claim can outlive a dead
// worker before the cleanup sweep frees it.
const lockTTL = 10 * time.Minute

// Runtime consumes job execution events, enforces the per-job singleton
// guard and runs the executor. It implements interfaces.SyncRunner.
type Runtime struct {
	configStore     interfaces.ConfigStore
	jobStore        interfaces.JobStore
	executionStore  interfaces.ExecutionStore
	lockStore       *storage.LockStore
	pool            *storage.ConnectionPool
	executor        *Executor
	schedulerConfig common.SchedulerConfig
	workerID        string
	version         string
	logger          arbor.ILogger

	mu     sync.Mutex
	active map[primitive.ObjectID]bool
}

// NewRuntime creates the job runtime.
func NewRuntime(
	configStore interfaces.ConfigStore,
	jobStore interfaces.JobStore,
	executionStore interfaces.ExecutionStore,
	lockStore *storage.LockStore,
	pool *storage.ConnectionPool,
	executor *Executor,
	schedulerConfig common.SchedulerConfig,
	version string,
	logger arbor.ILogger,
) *Runtime {
	return &Runtime{
		configStore:     configStore,
		jobStore:        jobStore,
		executionStore:  executionStore,
		lockStore:       lockStore,
		pool:            pool,
		executor:        executor,
		schedulerConfig: schedulerConfig,
		workerID:        common.NewWorkerID(),
		version:         version,
		logger:          logger,
		active:          make(map[primitive.ObjectID]bool),
	}
}

var _ interfaces.SyncRunner = (*Runtime)(nil)

// Subscribe wires the runtime onto the event bus.
func (r *Runtime) Subscribe(bus interfaces.EventService) error {
	handler := func(manual bool) interfaces.EventHandler {
		return func(ctx context.Context, event interfaces.Event) error {
			raw, _ := event.Payload["jobId"].(string)
			jobID, err := primitive.ObjectIDFromHex(raw)
			if err != nil {
				return fmt.Errorf("event carried invalid jobId %q: %w", raw, err)
			}
			_, err = r.HandleExecute(ctx, jobID, manual)
			return err
		}
	}
	if err := bus.Subscribe(interfaces.EventJobExecute, handler(false)); err != nil {
		return err
	}
	return bus.Subscribe(interfaces.EventJobManual, handler(true))
}

// HandleExecute runs one sync for the job. At most one execution runs
// per job across the fleet: an in-process map filters same-worker
// duplicates, the lock collection filters cross-worker ones. Duplicates
// return ok=false without error so redelivery stays quiet.
func (r *Runtime) HandleExecute(ctx context.Context, jobID primitive.ObjectID, manual bool) (bool, error) {
	if !r.claimLocal(jobID) {
		r.logger.Debug().Str("job_id", jobID.Hex()).Msg("Job already running on this worker")
		return false, nil
	}
	defer r.releaseLocal(jobID)

	held, err := r.lockStore.Acquire(ctx, jobID, r.workerID, lockTTL)
	if err != nil {
		return false, err
	}
	if !held {
		r.logger.Debug().Str("job_id", jobID.Hex()).Msg("Job locked by another worker")
		return false, nil
	}
	defer func() {
		if err := r.lockStore.Release(context.WithoutCancel(ctx), jobID, r.workerID); err != nil {
			r.logger.Warn().Str("job_id", jobID.Hex()).Err(err).Msg("Failed to release job lock")
		}
	}()

	// Scheduled runs spread out to avoid a thundering herd at cron
	// boundaries; manual runs start immediately.
	if max := r.schedulerConfig.StartupJitterMs; max > 0 && !manual {
		delay := time.Duration(rand.Intn(max)) * time.Millisecond
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
	}

	job, err := r.configStore.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !job.Enabled {
		r.logger.Info().Str("job_id", jobID.Hex()).Msg("Job disabled, skipping")
		return false, nil
	}

	return true, r.runJob(ctx, job)
}

func (r *Runtime) claimLocal(jobID primitive.ObjectID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[jobID] {
		return false
	}
	r.active[jobID] = true
	return true
}

func (r *Runtime) releaseLocal(jobID primitive.ObjectID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, jobID)
}

// runJob opens an execution record, runs every entity, and closes the
// execution. A failed run is final until the next scheduled occurrence.
func (r *Runtime) runJob(ctx context.Context, job *models.SyncJob) (err error) {
	exec := models.NewJobExecution(job, models.ExecutionSystem{
		WorkerID: r.workerID,
		Host:     common.Hostname(),
		PID:      os.Getpid(),
		Version:  r.version,
	})
	if err := r.executionStore.Create(ctx, exec); err != nil {
		return err
	}
	if err := r.jobStore.MarkRunStarted(ctx, job.ID); err != nil {
		return err
	}

	execLog := &executionLogger{store: r.executionStore, execID: exec.ID, logger: r.logger}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sync panicked: %v", rec)
			r.finishFailed(ctx, job, exec, err, string(debug.Stack()))
		}
	}()

	stats, runErr := r.runEntities(ctx, job, execLog)
	if runErr != nil {
		r.finishFailed(ctx, job, exec, runErr, "")
		return runErr
	}

	exec.MarkCompleted(stats)
	if err := r.executionStore.Complete(ctx, exec); err != nil {
		r.logger.Error().Str("execution_id", exec.ID.Hex()).Err(err).Msg("Failed to close execution")
	}
	if err := r.jobStore.MarkRunSucceeded(ctx, job.ID); err != nil {
		r.logger.Error().Str("job_id", job.ID.Hex()).Err(err).Msg("Failed to record job success")
	}

	r.logger.Info().
		Str("job_id", job.ID.Hex()).
		Str("execution_id", exec.ID.Hex()).
		Int64("records", stats.RecordsProcessed).
		Msg("Sync completed")
	return nil
}

func (r *Runtime) finishFailed(ctx context.Context, job *models.SyncJob, exec *models.JobExecution, runErr error, stack string) {
	ctx = context.WithoutCancel(ctx)
	exec.MarkFailed(models.ExecutionError{
		Message: runErr.Error(),
		Stack:   stack,
		Code:    syncerrors.Code(runErr),
	})
	if err := r.executionStore.Fail(ctx, exec); err != nil {
		r.logger.Error().Str("execution_id", exec.ID.Hex()).Err(err).Msg("Failed to close execution")
	}
	if err := r.jobStore.MarkRunFailed(ctx, job.ID, runErr.Error()); err != nil {
		r.logger.Error().Str("job_id", job.ID.Hex()).Err(err).Msg("Failed to record job failure")
	}
	r.logger.Error().
		Str("job_id", job.ID.Hex()).
		Str("execution_id", exec.ID.Hex()).
		Err(runErr).
		Msg("Sync failed")
}

// runEntities resolves connector, destination and entity list, then
// syncs each entity in traversal order.
func (r *Runtime) runEntities(ctx context.Context, job *models.SyncJob, execLog interfaces.ExecutionLogger) (*models.ExecutionStats, error) {
	source, err := r.configStore.GetConnector(ctx, job.ConnectorID)
	if err != nil {
		return nil, err
	}
	connector, err := connectors.New(source, r.logger)
	if err != nil {
		return nil, err
	}
	if result := connector.ValidateConfig(); !result.Valid {
		return nil, &syncerrors.ConfigError{Reason: fmt.Sprintf("connector config invalid: %v", result.Errors)}
	}

	destination, err := r.configStore.GetDestination(ctx, job.DestinationID)
	if err != nil {
		return nil, err
	}
	handle, err := r.pool.Get(ctx, storage.PoolContextDestination, destination.ID.Hex(), func(ctx context.Context, id string) (storage.ConnInfo, error) {
		return storage.ConnInfo{
			ConnectionString: destination.Connection.ConnectionString,
			Database:         destination.Connection.Database,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	writer := storage.NewDestinationWriter(handle, r.logger)

	available, err := connector.AvailableEntities(ctx)
	if err != nil {
		return nil, err
	}
	entities, err := resolveEntities(job.EntityFilter, available)
	if err != nil {
		return nil, err
	}

	stats := &models.ExecutionStats{EntityCounts: make(map[string]int64)}
	for _, entity := range entities {
		execLog.Logf("info", "entity %s: starting %s sync", entity, job.SyncMode)
		result, err := r.executor.SyncEntity(ctx, EntityRequest{
			Connector:   connector,
			Source:      source,
			Writer:      writer,
			Entity:      entity,
			Incremental: job.Incremental(),
			ExecLogger:  execLog,
		})
		stats.RecordsProcessed += result.Records
		stats.EntityCounts[entity] = result.Records
		stats.ChunksRun += result.Chunks
		if err != nil {
			return stats, fmt.Errorf("entity %s: %w", entity, err)
		}
	}
	return stats, nil
}

// resolveEntities applies the job's entity filter to what the connector
// can produce. A filter naming an unknown entity is a config error, not
// a silent skip.
func resolveEntities(filter, available []string) ([]string, error) {
	if len(filter) == 0 {
		return available, nil
	}
	known := make(map[string]bool, len(available))
	for _, entity := range available {
		known[entity] = true
	}
	for _, entity := range filter {
		if !known[entity] {
			return nil, &syncerrors.ConfigError{
				Field:  "entityFilter",
				Reason: fmt.Sprintf("entity %q is not available for this connector", entity),
			}
		}
	}
	return filter, nil
}

// executionLogger lands batch-level progress on the execution's log
// trail; every write refreshes the heartbeat.
type executionLogger struct {
	store  interfaces.ExecutionStore
	execID primitive.ObjectID
	logger arbor.ILogger
}

func (l *executionLogger) Logf(level, format string, args ...interface{}) {
	entry := models.ExecutionLog{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
	}
	if err := l.store.AppendLog(context.Background(), l.execID, entry); err != nil {
		l.logger.Warn().Str("execution_id", l.execID.Hex()).Err(err).Msg("Failed to append execution log")
	}
}

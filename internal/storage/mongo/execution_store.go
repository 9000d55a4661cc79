package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
	"github.com/ternarybob/relay/internal/syncerrors"
)

const (
	collJobExecutions  = "job_executions"
	collExecutionLocks = "job_execution_locks"
)

// ExecutionStoreService persists job executions in the control-plane
// database. Status transitions out of running use compare-set filters so
// a concurrent cleanup sweep cannot clobber a completion.
type ExecutionStoreService struct {
	db     *mongo.Database
	logger arbor.ILogger
}

// NewExecutionStore creates the execution store and ensures its indexes.
// Index failures are logged, never fatal.
func NewExecutionStore(ctx context.Context, db *mongo.Database, logger arbor.ILogger) *ExecutionStoreService {
	s := &ExecutionStoreService{db: db, logger: logger}
	s.ensureIndexes(ctx)
	return s
}

var _ interfaces.ExecutionStore = (*ExecutionStoreService)(nil)

func (s *ExecutionStoreService) ensureIndexes(ctx context.Context) {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "jobId", Value: 1}, {Key: "startedAt", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "lastHeartbeat", Value: 1}}},
	}
	_, err := s.db.Collection(collJobExecutions).Indexes().CreateMany(ctx, indexes)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to ensure job execution indexes")
	}
}

// Create inserts a new execution document.
func (s *ExecutionStoreService) Create(ctx context.Context, exec *models.JobExecution) error {
	_, err := s.db.Collection(collJobExecutions).InsertOne(ctx, exec)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// Get returns one execution by ID.
func (s *ExecutionStoreService) Get(ctx context.Context, id primitive.ObjectID) (*models.JobExecution, error) {
	var exec models.JobExecution
	err := s.db.Collection(collJobExecutions).FindOne(ctx, bson.M{"_id": id}).Decode(&exec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("execution %s: %w", id.Hex(), syncerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get execution %s: %w", id.Hex(), err)
	}
	return &exec, nil
}

// AppendLog pushes a log entry and refreshes lastHeartbeat in the same
// write, so progress doubles as liveness.
func (s *ExecutionStoreService) AppendLog(ctx context.Context, id primitive.ObjectID, entry models.ExecutionLog) error {
	_, err := s.db.Collection(collJobExecutions).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$push": bson.M{"logs": entry},
			"$set":  bson.M{"lastHeartbeat": entry.Timestamp},
		})
	if err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	return nil
}

// Complete transitions running -> completed. No-op when the execution
// already left running.
func (s *ExecutionStoreService) Complete(ctx context.Context, exec *models.JobExecution) error {
	return s.finish(ctx, exec)
}

// Fail transitions running -> failed with full error detail. No-op when
// the execution already left running.
func (s *ExecutionStoreService) Fail(ctx context.Context, exec *models.JobExecution) error {
	return s.finish(ctx, exec)
}

func (s *ExecutionStoreService) finish(ctx context.Context, exec *models.JobExecution) error {
	update := bson.M{
		"status":      exec.Status,
		"success":     exec.Success,
		"completedAt": exec.CompletedAt,
		"duration":    exec.Duration,
	}
	if exec.Error != nil {
		update["error"] = exec.Error
	}
	if exec.Stats != nil {
		update["stats"] = exec.Stats
	}

	result, err := s.db.Collection(collJobExecutions).UpdateOne(ctx,
		bson.M{"_id": exec.ID, "status": models.ExecutionStatusRunning},
		bson.M{"$set": update})
	if err != nil {
		return fmt.Errorf("failed to finish execution %s: %w", exec.ID.Hex(), err)
	}
	if result.MatchedCount == 0 {
		s.logger.Warn().
			Str("execution_id", exec.ID.Hex()).
			Str("status", string(exec.Status)).
			Msg("Execution already left running state, finish skipped")
	}
	return nil
}

// MarkAbandoned flips every running execution whose heartbeat predates
// cutoff to abandoned, stamping a worker-timeout error.
func (s *ExecutionStoreService) MarkAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC()
	result, err := s.db.Collection(collJobExecutions).UpdateMany(ctx,
		bson.M{
			"status":        models.ExecutionStatusRunning,
			"lastHeartbeat": bson.M{"$lt": cutoff},
		},
		bson.M{"$set": bson.M{
			"status":      models.ExecutionStatusAbandoned,
			"success":     false,
			"completedAt": now,
			"error": models.ExecutionError{
				Message: "worker stopped heartbeating",
				Code:    "WORKER_TIMEOUT",
			},
		}})
	if err != nil {
		return 0, fmt.Errorf("failed to mark abandoned executions: %w", err)
	}
	return result.ModifiedCount, nil
}

// CountForJob returns how many executions a job has accumulated.
func (s *ExecutionStoreService) CountForJob(ctx context.Context, jobID primitive.ObjectID) (int64, error) {
	count, err := s.db.Collection(collJobExecutions).CountDocuments(ctx, bson.M{"jobId": jobID})
	if err != nil {
		return 0, fmt.Errorf("failed to count executions for job %s: %w", jobID.Hex(), err)
	}
	return count, nil
}

// executionLock is a cross-worker singleton claim on a job. The unique
// index on jobId makes the insert race-free.
type executionLock struct {
	JobID      primitive.ObjectID `bson:"jobId"`
	WorkerID   string             `bson:"workerId"`
	AcquiredAt time.Time          `bson:"acquiredAt"`
	ExpiresAt  time.Time          `bson:"expiresAt"`
}

// LockStore backs the cross-worker half of the per-job singleton guard.
// The in-process mutex handles same-worker races; this collection covers
// the horizontally scaled case.
type LockStore struct {
	db     *mongo.Database
	logger arbor.ILogger
}

// NewLockStore creates the lock store and its unique jobId index.
func NewLockStore(ctx context.Context, db *mongo.Database, logger arbor.ILogger) *LockStore {
	s := &LockStore{db: db, logger: logger}
	unique := true
	_, err := db.Collection(collExecutionLocks).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "jobId", Value: 1}},
		Options: &options.IndexOptions{Unique: &unique},
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to ensure execution lock index")
	}
	return s
}

// Acquire claims the job for workerID. Returns false when another
// worker holds an unexpired claim.
func (s *LockStore) Acquire(ctx context.Context, jobID primitive.ObjectID, workerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	// Expired claims are fair game: take over in place.
	result, err := s.db.Collection(collExecutionLocks).UpdateOne(ctx,
		bson.M{"jobId": jobID, "expiresAt": bson.M{"$lt": now}},
		bson.M{"$set": executionLock{
			JobID:      jobID,
			WorkerID:   workerID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}})
	if err == nil && result.ModifiedCount > 0 {
		return true, nil
	}

	_, err = s.db.Collection(collExecutionLocks).InsertOne(ctx, executionLock{
		JobID:      jobID,
		WorkerID:   workerID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock for job %s: %w", jobID.Hex(), err)
	}
	return true, nil
}

// Release drops this worker's claim on the job.
func (s *LockStore) Release(ctx context.Context, jobID primitive.ObjectID, workerID string) error {
	_, err := s.db.Collection(collExecutionLocks).DeleteOne(ctx,
		bson.M{"jobId": jobID, "workerId": workerID})
	if err != nil {
		return fmt.Errorf("failed to release lock for job %s: %w", jobID.Hex(), err)
	}
	return nil
}

// DeleteExpired prunes stale claims left behind by dead workers.
func (s *LockStore) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := s.db.Collection(collExecutionLocks).DeleteMany(ctx,
		bson.M{"expiresAt": bson.M{"$lt": time.Now().UTC()}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired locks: %w", err)
	}
	return result.DeletedCount, nil
}

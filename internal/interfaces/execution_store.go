package interfaces

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ternarybob/relay/internal/models"
)

// ExecutionStore persists job execution records. Executions are
// append-only: terminal documents are never rewritten, and status
// transitions use compare-set semantics so a cleanup sweep cannot
// clobber a completion that raced it.
type ExecutionStore interface {
	Create(ctx context.Context, exec *models.JobExecution) error
	Get(ctx context.Context, id primitive.ObjectID) (*models.JobExecution, error)

	// AppendLog adds a log entry and refreshes lastHeartbeat in one write.
	AppendLog(ctx context.Context, id primitive.ObjectID, entry models.ExecutionLog) error

	// Complete and Fail transition running -> terminal; they are no-ops
	// when the execution already left running (compare-set).
	Complete(ctx context.Context, exec *models.JobExecution) error
	Fail(ctx context.Context, exec *models.JobExecution) error

	// MarkAbandoned transitions every running execution whose heartbeat
	// is older than cutoff and returns how many were transitioned.
	MarkAbandoned(ctx context.Context, cutoff time.Time) (int64, error)

	CountForJob(ctx context.Context, jobID primitive.ObjectID) (int64, error)
}

// WebhookEventStore persists inbound webhook deliveries across their
// pending -> processing -> completed|failed lifecycle.
type WebhookEventStore interface {
	Insert(ctx context.Context, event *models.WebhookEvent) error
	Get(ctx context.Context, id primitive.ObjectID) (*models.WebhookEvent, error)

	// MarkProcessing transitions pending|failed -> processing and
	// increments attempts; returns the fresh document.
	MarkProcessing(ctx context.Context, id primitive.ObjectID) (*models.WebhookEvent, error)
	MarkCompleted(ctx context.Context, id primitive.ObjectID, processed bool, duration time.Duration) error
	MarkFailed(ctx context.Context, id primitive.ObjectID, message string) error

	// ResetFailed flips up to limit failed events with attempts below
	// maxAttempts back to pending and returns them for re-emission.
	ResetFailed(ctx context.Context, maxAttempts, limit int) ([]*models.WebhookEvent, error)

	// DeleteCompletedBefore prunes completed events processed before cutoff.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

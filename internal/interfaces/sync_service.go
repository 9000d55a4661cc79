package interfaces

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SyncRunner is the job runtime: it consumes execution events, enforces
// the per-job singleton guard and drives the executor.
type SyncRunner interface {
	// HandleExecute runs one sync for the given job. Duplicate calls for
	// a job that is already running return immediately with ok=false.
	HandleExecute(ctx context.Context, jobID primitive.ObjectID, manual bool) (ok bool, err error)
}

// ExecutionLogger is handed into the executor so batch-level progress
// lands on the execution's log trail (and refreshes its heartbeat).
type ExecutionLogger interface {
	Logf(level, format string, args ...interface{})
}

package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ExecutionStatus is the lifecycle state of one attempted job run.
// Executions are append-only: once terminal they are never rewritten.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusAbandoned ExecutionStatus = "abandoned"
)

// ExecutionError retains full failure detail on a terminal execution.
type ExecutionError struct {
	Message string `bson:"message" json:"message"`
	Stack   string `bson:"stack,omitempty" json:"stack,omitempty"`
	Code    string `bson:"code,omitempty" json:"code,omitempty"`
}

// ExecutionLog is one timestamped, levelled entry in the execution's
// log trail.
type ExecutionLog struct {
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	Level     string    `bson:"level" json:"level"`
	Message   string    `bson:"message" json:"message"`
}

// ExecutionStats aggregates per-run counters.
type ExecutionStats struct {
	RecordsProcessed int64            `bson:"recordsProcessed" json:"records_processed"`
	EntityCounts     map[string]int64 `bson:"entityCounts,omitempty" json:"entity_counts,omitempty"`
	ChunksRun        int              `bson:"chunksRun,omitempty" json:"chunks_run,omitempty"`
}

// ExecutionSystem identifies the worker that ran the execution.
type ExecutionSystem struct {
	WorkerID string `bson:"workerId" json:"worker_id"`
	Host     string `bson:"host" json:"host"`
	PID      int    `bson:"pid" json:"pid"`
	Version  string `bson:"version,omitempty" json:"version,omitempty"`
}

// JobExecution is the persisted record of one attempted sync run.
type JobExecution struct {
	ID            primitive.ObjectID     `bson:"_id" json:"id"`
	JobID         primitive.ObjectID     `bson:"jobId" json:"job_id"`
	WorkspaceID   primitive.ObjectID     `bson:"workspaceId" json:"workspace_id"`
	StartedAt     time.Time              `bson:"startedAt" json:"started_at"`
	LastHeartbeat time.Time              `bson:"lastHeartbeat" json:"last_heartbeat"`
	CompletedAt   *time.Time             `bson:"completedAt,omitempty" json:"completed_at,omitempty"`
	Duration      *time.Duration         `bson:"duration,omitempty" json:"duration,omitempty"`
	Status        ExecutionStatus        `bson:"status" json:"status"`
	Success       bool                   `bson:"success" json:"success"`
	Error         *ExecutionError        `bson:"error,omitempty" json:"error,omitempty"`
	Logs          []ExecutionLog         `bson:"logs,omitempty" json:"logs,omitempty"`
	Context       map[string]interface{} `bson:"context,omitempty" json:"context,omitempty"`
	Stats         *ExecutionStats        `bson:"stats,omitempty" json:"stats,omitempty"`
	System        ExecutionSystem        `bson:"system" json:"system"`
}

// NewJobExecution opens a running execution for the given job.
func NewJobExecution(job *SyncJob, system ExecutionSystem) *JobExecution {
	now := time.Now().UTC()
	return &JobExecution{
		ID:            primitive.NewObjectID(),
		JobID:         job.ID,
		WorkspaceID:   job.WorkspaceID,
		StartedAt:     now,
		LastHeartbeat: now,
		Status:        ExecutionStatusRunning,
		Context: map[string]interface{}{
			"connectorId":   job.ConnectorID.Hex(),
			"destinationId": job.DestinationID.Hex(),
			"syncMode":      string(job.SyncMode),
			"entityFilter":  job.EntityFilter,
		},
		System: system,
	}
}

// IsTerminal reports whether the execution reached a final state.
func (e *JobExecution) IsTerminal() bool {
	switch e.Status {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled, ExecutionStatusAbandoned:
		return true
	}
	return false
}

// MarkCompleted closes the execution successfully.
func (e *JobExecution) MarkCompleted(stats *ExecutionStats) {
	now := time.Now().UTC()
	d := now.Sub(e.StartedAt)
	e.Status = ExecutionStatusCompleted
	e.Success = true
	e.CompletedAt = &now
	e.Duration = &d
	e.Stats = stats
}

// MarkFailed closes the execution with full error detail.
func (e *JobExecution) MarkFailed(execErr ExecutionError) {
	now := time.Now().UTC()
	d := now.Sub(e.StartedAt)
	e.Status = ExecutionStatusFailed
	e.Success = false
	e.CompletedAt = &now
	e.Duration = &d
	e.Error = &execErr
}

// AppendLog adds a log entry and refreshes the heartbeat. Heartbeats
// piggyback on log writes so a silent worker is indistinguishable from a
// dead one.
func (e *JobExecution) AppendLog(level, message string) ExecutionLog {
	entry := ExecutionLog{Timestamp: time.Now().UTC(), Level: level, Message: message}
	e.Logs = append(e.Logs, entry)
	e.LastHeartbeat = entry.Timestamp
	return entry
}

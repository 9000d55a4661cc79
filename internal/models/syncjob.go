package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SyncMode selects full (staging + hot swap) or incremental (direct
// upsert with a since watermark) behaviour.
type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

// Schedule is a standard 5-field cron expression evaluated in an IANA
// timezone.
type Schedule struct {
	Cron     string `bson:"cron" json:"cron" validate:"required"`
	Timezone string `bson:"timezone" json:"timezone"`
}

// SyncJob binds one connector to one destination under a schedule.
type SyncJob struct {
	ID            primitive.ObjectID `bson:"_id" json:"id"`
	WorkspaceID   primitive.ObjectID `bson:"workspaceId" json:"workspace_id" validate:"required"`
	ConnectorID   primitive.ObjectID `bson:"connectorId" json:"connector_id" validate:"required"`
	DestinationID primitive.ObjectID `bson:"destinationId" json:"destination_id" validate:"required"`
	Schedule      Schedule           `bson:"schedule" json:"schedule"`
	SyncMode      SyncMode           `bson:"syncMode" json:"sync_mode" validate:"required,oneof=full incremental"`
	EntityFilter  []string           `bson:"entityFilter,omitempty" json:"entity_filter,omitempty"`
	Enabled       bool               `bson:"enabled" json:"enabled"`
	LastRunAt     *time.Time         `bson:"lastRunAt,omitempty" json:"last_run_at,omitempty"`
	LastSuccessAt *time.Time         `bson:"lastSuccessAt,omitempty" json:"last_success_at,omitempty"`
	LastError     string             `bson:"lastError,omitempty" json:"last_error,omitempty"`
	RunCount      int64              `bson:"runCount" json:"run_count"`
	CreatedAt     time.Time          `bson:"createdAt" json:"created_at"`
	UpdatedAt     time.Time          `bson:"updatedAt" json:"updated_at"`
}

// Incremental reports whether the job requests incremental sync.
func (j *SyncJob) Incremental() bool {
	return j.SyncMode == SyncModeIncremental
}

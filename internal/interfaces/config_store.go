package interfaces

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ternarybob/relay/internal/models"
)

// ConfigStore is the read-only gateway over control-plane records.
// Connector configs and destination connections come back with secret
// fields decrypted; a decryption failure fails the read.
type ConfigStore interface {
	GetJob(ctx context.Context, id primitive.ObjectID) (*models.SyncJob, error)
	ListEnabledJobs(ctx context.Context) ([]*models.SyncJob, error)
	GetConnector(ctx context.Context, id primitive.ObjectID) (*models.Connector, error)
	ListActiveConnectors(ctx context.Context, workspaceID *primitive.ObjectID) ([]*models.Connector, error)
	GetDestination(ctx context.Context, id primitive.ObjectID) (*models.Destination, error)
	ListDestinations(ctx context.Context, workspaceID primitive.ObjectID) ([]*models.Destination, error)
	ListWorkspaces(ctx context.Context) ([]*models.Workspace, error)
}

// JobStore covers the status writes the runtime performs on sync jobs.
// Everything else about jobs is owned by the control plane.
type JobStore interface {
	MarkRunStarted(ctx context.Context, jobID primitive.ObjectID) error
	MarkRunSucceeded(ctx context.Context, jobID primitive.ObjectID) error
	MarkRunFailed(ctx context.Context, jobID primitive.ObjectID, message string) error
}

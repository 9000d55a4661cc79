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

	"github.com/ternarybob/relay/internal/crypto"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
	"github.com/ternarybob/relay/internal/schema"
	"github.com/ternarybob/relay/internal/syncerrors"
)

// Control-plane collection names. The control plane owns the shape of
// these documents; this process only reads them, plus the status writes
// in JobStore.
const (
	collWorkspaces   = "workspaces"
	collConnectors   = "connectors"
	collDestinations = "databases"
	collSyncJobs     = "syncjobs"
)

// ConfigStoreService reads control-plane records and decrypts secret
// fields before handing them out. It implements interfaces.ConfigStore
// and interfaces.JobStore.
type ConfigStoreService struct {
	db        *mongo.Database
	decryptor *crypto.Decryptor
	logger    arbor.ILogger
}

// NewConfigStore creates the gateway over the control-plane database.
func NewConfigStore(db *mongo.Database, decryptor *crypto.Decryptor, logger arbor.ILogger) *ConfigStoreService {
	return &ConfigStoreService{db: db, decryptor: decryptor, logger: logger}
}

var _ interfaces.ConfigStore = (*ConfigStoreService)(nil)
var _ interfaces.JobStore = (*ConfigStoreService)(nil)

// GetJob returns one sync job by ID.
func (s *ConfigStoreService) GetJob(ctx context.Context, id primitive.ObjectID) (*models.SyncJob, error) {
	var job models.SyncJob
	err := s.db.Collection(collSyncJobs).FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("sync job %s: %w", id.Hex(), syncerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get sync job %s: %w", id.Hex(), err)
	}
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("sync job %s: %w: %v", id.Hex(), syncerrors.ErrConfigInvalid, err)
	}
	return &job, nil
}

// ListEnabledJobs returns every enabled sync job across workspaces.
func (s *ConfigStoreService) ListEnabledJobs(ctx context.Context) ([]*models.SyncJob, error) {
	cursor, err := s.db.Collection(collSyncJobs).Find(ctx, bson.M{"enabled": true})
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled jobs: %w", err)
	}
	defer cursor.Close(ctx)

	var jobs []*models.SyncJob
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("failed to decode enabled jobs: %w", err)
	}
	return jobs, nil
}

// GetConnector returns a connector with its secret config fields
// decrypted per the type's declared schema. An unknown type or a failed
// decrypt fails the read: ciphertext never reaches a connector.
func (s *ConfigStoreService) GetConnector(ctx context.Context, id primitive.ObjectID) (*models.Connector, error) {
	var connector models.Connector
	err := s.db.Collection(collConnectors).FindOne(ctx, bson.M{"_id": id}).Decode(&connector)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("connector %s: %w", id.Hex(), syncerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get connector %s: %w", id.Hex(), err)
	}
	if err := connector.Validate(); err != nil {
		return nil, fmt.Errorf("connector %s: %w: %v", id.Hex(), syncerrors.ErrConfigInvalid, err)
	}
	if err := s.decryptConnector(&connector); err != nil {
		return nil, err
	}
	return &connector, nil
}

// ListActiveConnectors returns active connectors, optionally scoped to a
// workspace, with secrets decrypted.
func (s *ConfigStoreService) ListActiveConnectors(ctx context.Context, workspaceID *primitive.ObjectID) ([]*models.Connector, error) {
	filter := bson.M{"isActive": true}
	if workspaceID != nil {
		filter["workspaceId"] = *workspaceID
	}

	cursor, err := s.db.Collection(collConnectors).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list connectors: %w", err)
	}
	defer cursor.Close(ctx)

	var connectors []*models.Connector
	if err := cursor.All(ctx, &connectors); err != nil {
		return nil, fmt.Errorf("failed to decode connectors: %w", err)
	}
	for _, connector := range connectors {
		if err := s.decryptConnector(connector); err != nil {
			return nil, err
		}
	}
	return connectors, nil
}

func (s *ConfigStoreService) decryptConnector(connector *models.Connector) error {
	connectorSchema, ok := schema.Get(connector.Type)
	if !ok {
		return fmt.Errorf("connector %s: %w: %s",
			connector.ID.Hex(), syncerrors.ErrUnknownConnectorType, connector.Type)
	}
	if connector.Config == nil {
		return nil
	}
	if err := schema.DecryptConfig(connectorSchema, connector.Config, s.decryptor.Decrypt); err != nil {
		return fmt.Errorf("connector %s (%s): %w", connector.Name, connector.ID.Hex(), err)
	}
	return nil
}

// GetDestination returns a destination with its connection string and
// database name decrypted.
func (s *ConfigStoreService) GetDestination(ctx context.Context, id primitive.ObjectID) (*models.Destination, error) {
	var dest models.Destination
	err := s.db.Collection(collDestinations).FindOne(ctx, bson.M{"_id": id}).Decode(&dest)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("destination %s: %w", id.Hex(), syncerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get destination %s: %w", id.Hex(), err)
	}
	if err := s.decryptDestination(&dest); err != nil {
		return nil, err
	}
	if err := dest.Validate(); err != nil {
		return nil, fmt.Errorf("destination %s: %w: %v", id.Hex(), syncerrors.ErrConfigInvalid, err)
	}
	return &dest, nil
}

// ListDestinations returns a workspace's destinations with connections
// decrypted.
func (s *ConfigStoreService) ListDestinations(ctx context.Context, workspaceID primitive.ObjectID) ([]*models.Destination, error) {
	cursor, err := s.db.Collection(collDestinations).Find(ctx, bson.M{"workspaceId": workspaceID})
	if err != nil {
		return nil, fmt.Errorf("failed to list destinations: %w", err)
	}
	defer cursor.Close(ctx)

	var dests []*models.Destination
	if err := cursor.All(ctx, &dests); err != nil {
		return nil, fmt.Errorf("failed to decode destinations: %w", err)
	}
	for _, dest := range dests {
		if err := s.decryptDestination(dest); err != nil {
			return nil, err
		}
	}
	return dests, nil
}

func (s *ConfigStoreService) decryptDestination(dest *models.Destination) error {
	connStr, err := s.decryptor.Decrypt(dest.Connection.ConnectionString)
	if err != nil {
		return &syncerrors.DecryptError{Field: "connection.connectionString", Err: err}
	}
	database, err := s.decryptor.Decrypt(dest.Connection.Database)
	if err != nil {
		return &syncerrors.DecryptError{Field: "connection.database", Err: err}
	}
	dest.Connection.ConnectionString = connStr
	dest.Connection.Database = database
	return nil
}

// ListWorkspaces returns every workspace.
func (s *ConfigStoreService) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	cursor, err := s.db.Collection(collWorkspaces).Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer cursor.Close(ctx)

	var workspaces []*models.Workspace
	if err := cursor.All(ctx, &workspaces); err != nil {
		return nil, fmt.Errorf("failed to decode workspaces: %w", err)
	}
	return workspaces, nil
}

// MarkRunStarted stamps lastRunAt and bumps the run counter.
func (s *ConfigStoreService) MarkRunStarted(ctx context.Context, jobID primitive.ObjectID) error {
	now := time.Now().UTC()
	_, err := s.db.Collection(collSyncJobs).UpdateOne(ctx,
		bson.M{"_id": jobID},
		bson.M{
			"$set": bson.M{"lastRunAt": now, "updatedAt": now},
			"$inc": bson.M{"runCount": 1},
		})
	if err != nil {
		return fmt.Errorf("failed to mark run started for job %s: %w", jobID.Hex(), err)
	}
	return nil
}

// MarkRunSucceeded stamps lastSuccessAt and clears the last error.
func (s *ConfigStoreService) MarkRunSucceeded(ctx context.Context, jobID primitive.ObjectID) error {
	now := time.Now().UTC()
	_, err := s.db.Collection(collSyncJobs).UpdateOne(ctx,
		bson.M{"_id": jobID},
		bson.M{"$set": bson.M{"lastSuccessAt": now, "lastError": "", "updatedAt": now}})
	if err != nil {
		return fmt.Errorf("failed to mark run succeeded for job %s: %w", jobID.Hex(), err)
	}
	return nil
}

// MarkRunFailed records the failure message on the job.
func (s *ConfigStoreService) MarkRunFailed(ctx context.Context, jobID primitive.ObjectID, message string) error {
	_, err := s.db.Collection(collSyncJobs).UpdateOne(ctx,
		bson.M{"_id": jobID},
		bson.M{"$set": bson.M{"lastError": message, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("failed to mark run failed for job %s: %w", jobID.Hex(), err)
	}
	return nil
}

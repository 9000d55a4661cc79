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

	"github.com/ternarybob/relay/internal/models"
)

// DestinationWriter is the write pipeline over one destination database:
// staged full loads, incremental upserts, the hot swap, and webhook
// point writes all go through here.
type DestinationWriter struct {
	handle *Handle
	logger arbor.ILogger
}

// NewDestinationWriter wraps a pooled handle.
func NewDestinationWriter(handle *Handle, logger arbor.ILogger) *DestinationWriter {
	return &DestinationWriter{handle: handle, logger: logger}
}

// PrepareStaging drops any leftover staging collection and ensures its
// indexes so the full-sync load starts clean.
func (w *DestinationWriter) PrepareStaging(ctx context.Context, connectorName, entity string) (string, error) {
	staging := models.StagingCollectionName(connectorName, entity)
	if err := w.handle.Database.Collection(staging).Drop(ctx); err != nil {
		return "", fmt.Errorf("failed to drop staging collection %s: %w", staging, err)
	}
	w.EnsureIndexes(ctx, staging)
	return staging, nil
}

// EnsureIndexes creates the standard record indexes on a collection.
// Creation is idempotent and failures only warn: a collection missing an
// index is slower, not wrong.
func (w *DestinationWriter) EnsureIndexes(ctx context.Context, collection string) {
	unique := true
	sparse := true
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: models.FieldID, Value: 1}},
			Options: &options.IndexOptions{Unique: &unique, Sparse: &sparse},
		},
		{Keys: bson.D{{Key: models.FieldID, Value: 1}, {Key: models.FieldDataSourceID, Value: 1}}},
		{Keys: bson.D{{Key: models.FieldDataSourceID, Value: 1}, {Key: models.FieldSyncedAt, Value: -1}}},
	}
	_, err := w.handle.Database.Collection(collection).Indexes().CreateMany(ctx, indexes)
	if err != nil {
		w.logger.Warn().
			Str("collection", collection).
			Err(err).
			Msg("Failed to ensure destination indexes")
	}
}

// WriteBatch upserts one connector batch into the collection, keyed by
// (id, _dataSourceId). The bulk write is unordered so one bad document
// does not sink its neighbours.
func (w *DestinationWriter) WriteBatch(ctx context.Context, collection string, sourceID primitive.ObjectID, sourceName string, records []models.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	syncedAt := time.Now().UTC()
	upsert := true
	writes := make([]mongo.WriteModel, 0, len(records))
	skipped := 0
	for _, record := range records {
		naturalID, doc := models.WrapRecord(record, sourceID, sourceName, syncedAt)
		if naturalID == "" {
			skipped++
			continue
		}
		writes = append(writes, &mongo.ReplaceOneModel{
			Filter: bson.M{
				models.FieldID:           naturalID,
				models.FieldDataSourceID: sourceID.Hex(),
			},
			Replacement: doc,
			Upsert:      &upsert,
		})
	}
	if skipped > 0 {
		w.logger.Warn().
			Str("collection", collection).
			Int("skipped", skipped).
			Msg("Dropped records without an id")
	}
	if len(writes) == 0 {
		return 0, nil
	}

	ordered := false
	result, err := w.handle.Database.Collection(collection).BulkWrite(ctx, writes,
		&options.BulkWriteOptions{Ordered: &ordered})
	if err != nil {
		var bulkErr mongo.BulkWriteException
		if errors.As(err, &bulkErr) && result != nil {
			// Unordered: the rest of the batch landed. Surface the count
			// alongside the failure detail.
			w.logger.Warn().
				Str("collection", collection).
				Int("failed", len(bulkErr.WriteErrors)).
				Msg("Partial batch write failure")
		}
		return 0, fmt.Errorf("failed to write batch to %s: %w", collection, err)
	}
	return int(result.UpsertedCount + result.ModifiedCount + result.MatchedCount), nil
}

// PromoteStaging atomically replaces the live collection with the
// staging one via a server-side rename that drops the target.
func (w *DestinationWriter) PromoteStaging(ctx context.Context, connectorName, entity string) error {
	db := w.handle.Database.Name()
	staging := models.StagingCollectionName(connectorName, entity)
	live := models.CollectionName(connectorName, entity)

	err := w.handle.Client.Database("admin").RunCommand(ctx, bson.D{
		{Key: "renameCollection", Value: db + "." + staging},
		{Key: "to", Value: db + "." + live},
		{Key: "dropTarget", Value: true},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to promote %s to %s: %w", staging, live, err)
	}

	w.logger.Info().
		Str("collection", live).
		Msg("Staging collection promoted")
	return nil
}

// DropStaging cleans up a staging collection after a failed full sync.
func (w *DestinationWriter) DropStaging(ctx context.Context, connectorName, entity string) error {
	staging := models.StagingCollectionName(connectorName, entity)
	if err := w.handle.Database.Collection(staging).Drop(ctx); err != nil {
		return fmt.Errorf("failed to drop staging collection %s: %w", staging, err)
	}
	return nil
}

// CollectionExists reports whether a collection exists in the
// destination database. The webhook path uses this to avoid creating
// collections as a side effect.
func (w *DestinationWriter) CollectionExists(ctx context.Context, collection string) (bool, error) {
	names, err := w.handle.Database.ListCollectionNames(ctx, bson.M{"name": collection})
	if err != nil {
		return false, fmt.Errorf("failed to list collections: %w", err)
	}
	return len(names) > 0, nil
}

// MaxSyncedAt returns the newest _syncedAt watermark for the source in
// the collection, or nil when the collection holds nothing for it.
func (w *DestinationWriter) MaxSyncedAt(ctx context.Context, collection string, sourceID primitive.ObjectID) (*time.Time, error) {
	one := int64(1)
	cursor, err := w.handle.Database.Collection(collection).Find(ctx,
		bson.M{models.FieldDataSourceID: sourceID.Hex()},
		&options.FindOptions{
			Sort:       bson.D{{Key: models.FieldSyncedAt, Value: -1}},
			Limit:      &one,
			Projection: bson.M{models.FieldSyncedAt: 1},
		})
	if err != nil {
		return nil, fmt.Errorf("failed to query sync watermark on %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	var docs []struct {
		SyncedAt time.Time `bson:"_syncedAt"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode sync watermark on %s: %w", collection, err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	t := docs[0].SyncedAt
	return &t, nil
}

// UpsertWebhookRecord applies a webhook upsert to the live collection,
// stamping sync metadata plus the originating event id.
func (w *DestinationWriter) UpsertWebhookRecord(ctx context.Context, collection string, sourceID primitive.ObjectID, sourceName string, data models.WebhookData, eventID string) error {
	doc := make(map[string]interface{}, len(data.Data)+5)
	for k, v := range data.Data {
		doc[k] = v
	}
	doc[models.FieldID] = data.ID
	doc[models.FieldDataSourceID] = sourceID.Hex()
	doc[models.FieldDataSourceName] = sourceName
	doc[models.FieldSyncedAt] = time.Now().UTC()
	doc[models.FieldWebhookEventID] = eventID

	upsert := true
	_, err := w.handle.Database.Collection(collection).ReplaceOne(ctx,
		bson.M{
			models.FieldID:           data.ID,
			models.FieldDataSourceID: sourceID.Hex(),
		},
		doc,
		&options.ReplaceOptions{Upsert: &upsert})
	if err != nil {
		return fmt.Errorf("failed to upsert webhook record into %s: %w", collection, err)
	}
	return nil
}

// DeleteWebhookRecord applies a webhook delete. Deleting an absent
// record is a no-op so replays stay idempotent.
func (w *DestinationWriter) DeleteWebhookRecord(ctx context.Context, collection string, sourceID primitive.ObjectID, recordID string) error {
	_, err := w.handle.Database.Collection(collection).DeleteOne(ctx,
		bson.M{
			models.FieldID:           recordID,
			models.FieldDataSourceID: sourceID.Hex(),
		})
	if err != nil {
		return fmt.Errorf("failed to delete webhook record from %s: %w", collection, err)
	}
	return nil
}

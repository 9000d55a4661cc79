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

const collWebhookEvents = "webhook_events"

// WebhookStoreService persists inbound webhook deliveries in the
// control-plane database.
type WebhookStoreService struct {
	db     *mongo.Database
	logger arbor.ILogger
}

// NewWebhookStore creates the store and ensures its lookup indexes.
func NewWebhookStore(ctx context.Context, db *mongo.Database, logger arbor.ILogger) *WebhookStoreService {
	s := &WebhookStoreService{db: db, logger: logger}
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "receivedAt", Value: 1}}},
		{Keys: bson.D{{Key: "jobId", Value: 1}, {Key: "eventId", Value: 1}}},
	}
	_, err := db.Collection(collWebhookEvents).Indexes().CreateMany(ctx, indexes)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to ensure webhook event indexes")
	}
	return s
}

var _ interfaces.WebhookEventStore = (*WebhookStoreService)(nil)

// Insert stores a freshly received delivery.
func (s *WebhookStoreService) Insert(ctx context.Context, event *models.WebhookEvent) error {
	_, err := s.db.Collection(collWebhookEvents).InsertOne(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return nil
}

// Get returns one event by ID.
func (s *WebhookStoreService) Get(ctx context.Context, id primitive.ObjectID) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := s.db.Collection(collWebhookEvents).FindOne(ctx, bson.M{"_id": id}).Decode(&event)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("webhook event %s: %w", id.Hex(), syncerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get webhook event %s: %w", id.Hex(), err)
	}
	return &event, nil
}

// MarkProcessing transitions pending|failed -> processing, bumps the
// attempt counter and returns the fresh document. A completed or
// already-processing event returns ErrNotFound so redeliveries skip.
func (s *WebhookStoreService) MarkProcessing(ctx context.Context, id primitive.ObjectID) (*models.WebhookEvent, error) {
	after := options.After
	var event models.WebhookEvent
	err := s.db.Collection(collWebhookEvents).FindOneAndUpdate(ctx,
		bson.M{
			"_id": id,
			"status": bson.M{"$in": []models.WebhookEventStatus{
				models.WebhookStatusPending,
				models.WebhookStatusFailed,
			}},
		},
		bson.M{
			"$set": bson.M{"status": models.WebhookStatusProcessing},
			"$inc": bson.M{"attempts": 1},
		},
		&options.FindOneAndUpdateOptions{ReturnDocument: &after},
	).Decode(&event)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("webhook event %s not claimable: %w", id.Hex(), syncerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to claim webhook event %s: %w", id.Hex(), err)
	}
	return &event, nil
}

// MarkCompleted closes out a processed event. processed=false records a
// verified event that mapped to no destination effect.
func (s *WebhookStoreService) MarkCompleted(ctx context.Context, id primitive.ObjectID, processed bool, duration time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.Collection(collWebhookEvents).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"status":               models.WebhookStatusCompleted,
			"processed":            processed,
			"processedAt":          now,
			"processingDurationMs": duration.Milliseconds(),
			"error":                "",
		}})
	if err != nil {
		return fmt.Errorf("failed to complete webhook event %s: %w", id.Hex(), err)
	}
	return nil
}

// MarkFailed records a processing failure for later retry.
func (s *WebhookStoreService) MarkFailed(ctx context.Context, id primitive.ObjectID, message string) error {
	_, err := s.db.Collection(collWebhookEvents).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"status": models.WebhookStatusFailed,
			"error":  message,
		}})
	if err != nil {
		return fmt.Errorf("failed to mark webhook event %s failed: %w", id.Hex(), err)
	}
	return nil
}

// ResetFailed flips up to limit retryable failed events back to pending
// and returns them so the caller can re-emit processing work.
func (s *WebhookStoreService) ResetFailed(ctx context.Context, maxAttempts, limit int) ([]*models.WebhookEvent, error) {
	findLimit := int64(limit)
	cursor, err := s.db.Collection(collWebhookEvents).Find(ctx,
		bson.M{
			"status":   models.WebhookStatusFailed,
			"attempts": bson.M{"$lt": maxAttempts},
		},
		&options.FindOptions{
			Limit: &findLimit,
			Sort:  bson.D{{Key: "receivedAt", Value: 1}},
		})
	if err != nil {
		return nil, fmt.Errorf("failed to find retryable webhook events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []*models.WebhookEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode retryable webhook events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	ids := make([]primitive.ObjectID, len(events))
	for i, event := range events {
		ids[i] = event.ID
		event.Status = models.WebhookStatusPending
	}
	_, err = s.db.Collection(collWebhookEvents).UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"status": models.WebhookStatusPending}})
	if err != nil {
		return nil, fmt.Errorf("failed to reset failed webhook events: %w", err)
	}
	return events, nil
}

// DeleteCompletedBefore prunes completed events processed before cutoff.
func (s *WebhookStoreService) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.Collection(collWebhookEvents).DeleteMany(ctx,
		bson.M{
			"status":      models.WebhookStatusCompleted,
			"processedAt": bson.M{"$lt": cutoff},
		})
	if err != nil {
		return 0, fmt.Errorf("failed to prune webhook events: %w", err)
	}
	return result.DeletedCount, nil
}

package interfaces

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// WebhookProcessor applies stored webhook events to destination
// collections with bounded parallelism.
type WebhookProcessor interface {
	// ProcessEvent handles one stored event end to end. Safe to call for
	// redelivered events; completed events are skipped.
	ProcessEvent(ctx context.Context, eventID primitive.ObjectID) error
}

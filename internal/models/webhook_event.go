package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// WebhookEventStatus is the processing state of an inbound delivery.
type WebhookEventStatus string

const (
	WebhookStatusPending    WebhookEventStatus = "pending"
	WebhookStatusProcessing WebhookEventStatus = "processing"
	WebhookStatusCompleted  WebhookEventStatus = "completed"
	WebhookStatusFailed     WebhookEventStatus = "failed"
)

// WebhookEvent is one persisted inbound webhook delivery. Events are
// processed at least once; the destination upsert/delete contract makes
// replays idempotent.
type WebhookEvent struct {
	ID                   primitive.ObjectID `bson:"_id" json:"id"`
	JobID                primitive.ObjectID `bson:"jobId" json:"job_id"`
	EventID              string             `bson:"eventId" json:"event_id"`
	EventType            string             `bson:"eventType" json:"event_type"`
	ReceivedAt           time.Time          `bson:"receivedAt" json:"received_at"`
	Attempts             int                `bson:"attempts" json:"attempts"`
	Status               WebhookEventStatus `bson:"status" json:"status"`
	RawPayload           []byte             `bson:"rawPayload" json:"-"`
	Headers              map[string]string  `bson:"headers,omitempty" json:"-"`
	Error                string             `bson:"error,omitempty" json:"error,omitempty"`
	Processed            bool               `bson:"processed" json:"processed"`
	ProcessedAt          *time.Time         `bson:"processedAt,omitempty" json:"processed_at,omitempty"`
	ProcessingDurationMs int64              `bson:"processingDurationMs,omitempty" json:"processing_duration_ms,omitempty"`
}

// WebhookOperation is the destination-side effect of a mapped event.
type WebhookOperation string

const (
	WebhookOpUpsert WebhookOperation = "upsert"
	WebhookOpDelete WebhookOperation = "delete"
)

// WebhookEventMapping maps an upstream event type to a destination
// entity and operation.
type WebhookEventMapping struct {
	Entity    string           `json:"entity"`
	Operation WebhookOperation `json:"operation"`
}

// WebhookData is the record content extracted from a verified event.
type WebhookData struct {
	ID   string                 `json:"id"`
	Data map[string]interface{} `json:"data"`
}

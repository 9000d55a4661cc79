package interfaces

import "context"

// EventType identifies a bus event.
type EventType string

const (
	// EventJobExecute asks the job runtime to run a scheduled sync.
	EventJobExecute EventType = "sync/job.execute"
	// EventJobManual asks the job runtime to run an operator-triggered sync.
	EventJobManual EventType = "sync/job.manual"
	// EventWebhookProcess asks the webhook processor to handle a stored event.
	EventWebhookProcess EventType = "webhook/event.process"
)

// Event is one bus message. Deliveries are at-least-once; consumers must
// tolerate redelivery (the job runtime's singleton guard does).
type Event struct {
	Type    EventType
	Payload map[string]interface{}
}

// EventHandler processes one event delivery.
type EventHandler func(ctx context.Context, event Event) error

// EventService is the in-process pub/sub bus between the scheduler, the
// job runtime and the webhook processor.
type EventService interface {
	Subscribe(eventType EventType, handler EventHandler) error
	Publish(ctx context.Context, event Event) error
	PublishSync(ctx context.Context, event Event) error
	Close() error
}

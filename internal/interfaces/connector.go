package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/relay/internal/models"
)

// ConnectorMetadata describes a connector implementation.
type ConnectorMetadata struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	Description       string   `json:"description"`
	SupportedEntities []string `json:"supported_entities"`
}

// ValidationResult is the outcome of a config validation pass. Validate
// must be checked before TestConnection is attempted.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ConnectionTestResult is the outcome of a cheap upstream probe.
type ConnectionTestResult struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// BatchFunc receives one batch of records in emission order.
type BatchFunc func(ctx context.Context, records []models.Record) error

// ProgressFunc reports fetch progress. total is nil when the upstream
// gives no count hint.
type ProgressFunc func(current int64, total *int64)

// FetchOptions drive one unchunked entity fetch.
type FetchOptions struct {
	Entity         string
	BatchSize      int
	OnBatch        BatchFunc
	OnProgress     ProgressFunc
	Since          *time.Time    // incremental watermark; nil = full
	RateLimitDelay time.Duration // pause between upstream round-trips
	MaxRetries     int
}

// ResumableFetchOptions add the chunked-fetch inputs: an iteration
// budget and the state returned by the previous chunk.
type ResumableFetchOptions struct {
	FetchOptions
	MaxIterations int
	State         *models.FetchState // nil = first chunk
}

// WebhookVerification carries everything a connector needs to check an
// inbound delivery's signature.
type WebhookVerification struct {
	Payload []byte
	Headers map[string]string
	Secret  string
}

// WebhookHandler is the webhook capability set. Connectors that do not
// ingest webhooks embed connectors.WebhookUnsupported.
type WebhookHandler interface {
	SupportsWebhooks() bool
	VerifyWebhook(ctx context.Context, v WebhookVerification) (bool, error)
	WebhookEventMapping(eventType string) *models.WebhookEventMapping
	SupportedWebhookEvents() []string
	ExtractWebhookData(payload []byte, eventType string) (*models.WebhookData, error)
}

// Connector is the capability set every source implements. A connector
// instance is owned by a single in-flight execution; implementations
// may keep per-fetch state without locking.
type Connector interface {
	Metadata() ConnectorMetadata
	ValidateConfig() ValidationResult
	TestConnection(ctx context.Context) ConnectionTestResult

	// AvailableEntities may be narrower than Metadata().SupportedEntities
	// for config-driven connectors (GraphQL derives entities from the
	// configured queries).
	AvailableEntities(ctx context.Context) ([]string, error)

	FetchEntity(ctx context.Context, opts FetchOptions) error

	SupportsResumableFetching() bool
	FetchEntityChunk(ctx context.Context, opts ResumableFetchOptions) (models.FetchState, error)

	WebhookHandler
}

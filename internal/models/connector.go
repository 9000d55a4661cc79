package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ConnectorType identifies a connector implementation.
type ConnectorType string

const (
	ConnectorTypeClose    ConnectorType = "close"
	ConnectorTypeStripe   ConnectorType = "stripe"
	ConnectorTypeGraphQL  ConnectorType = "graphql"
	ConnectorTypeREST     ConnectorType = "rest"
	ConnectorTypePostHog  ConnectorType = "posthog"
	ConnectorTypeBigQuery ConnectorType = "bigquery"
)

// ConnectorSettings are the operational knobs shared by every connector
// type. Zero values fall back to the defaults below at read time.
type ConnectorSettings struct {
	BatchSize        int    `bson:"batchSize,omitempty" json:"batch_size,omitempty"`
	RateLimitDelayMs int    `bson:"rateLimitDelayMs,omitempty" json:"rate_limit_delay_ms,omitempty"`
	MaxRetries       int    `bson:"maxRetries,omitempty" json:"max_retries,omitempty"`
	TimeoutMs        int    `bson:"timeoutMs,omitempty" json:"timeout_ms,omitempty"`
	Timezone         string `bson:"timezone,omitempty" json:"timezone,omitempty"`
}

const (
	DefaultBatchSize        = 100
	DefaultRateLimitDelayMs = 1000
	DefaultMaxRetries       = 3
	DefaultTimeoutMs        = 30000
)

// WithDefaults returns a copy with unset fields replaced by defaults.
func (s ConnectorSettings) WithDefaults() ConnectorSettings {
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.RateLimitDelayMs <= 0 {
		s.RateLimitDelayMs = DefaultRateLimitDelayMs
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	if s.TimeoutMs <= 0 {
		s.TimeoutMs = DefaultTimeoutMs
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	return s
}

// Connector is a configured upstream source. Config is a type-specific
// bag; leaves tagged encrypted by the type's declared schema are stored
// as ciphertext and decrypted by the config store gateway on read.
type Connector struct {
	ID          primitive.ObjectID     `bson:"_id" json:"id"`
	WorkspaceID primitive.ObjectID     `bson:"workspaceId" json:"workspace_id" validate:"required"`
	Name        string                 `bson:"name" json:"name" validate:"required"`
	Type        ConnectorType          `bson:"type" json:"type" validate:"required"`
	IsActive    bool                   `bson:"isActive" json:"is_active"`
	Config      map[string]interface{} `bson:"config" json:"config"`
	Settings    ConnectorSettings      `bson:"settings,omitempty" json:"settings,omitempty"`
	CreatedAt   time.Time              `bson:"createdAt" json:"created_at"`
	UpdatedAt   time.Time              `bson:"updatedAt" json:"updated_at"`
}

// ConfigString returns a string config value or "" when absent.
func (c *Connector) ConfigString(key string) string {
	if c.Config == nil {
		return ""
	}
	if v, ok := c.Config[key].(string); ok {
		return v
	}
	return ""
}

// ConfigInt returns an int config value, handling the float64 shape BSON
// and JSON decoding produce for numbers.
func (c *Connector) ConfigInt(key string) (int, bool) {
	if c.Config == nil {
		return 0, false
	}
	switch v := c.Config[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// ConfigMap returns a nested map config value or nil when absent.
func (c *Connector) ConfigMap(key string) map[string]interface{} {
	if c.Config == nil {
		return nil
	}
	if v, ok := c.Config[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

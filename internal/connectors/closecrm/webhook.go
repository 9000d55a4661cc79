package closecrm

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
)

// Close signs deliveries with HMAC-SHA256 over "<timestamp><payload>"
// using the subscription's signature key; the hash and timestamp arrive
// in close-sig-hash / close-sig-timestamp headers.
const (
	headerSigHash      = "close-sig-hash"
	headerSigTimestamp = "close-sig-timestamp"
)

var webhookMappings = map[string]models.WebhookEventMapping{
	"lead.created":          {Entity: "leads", Operation: models.WebhookOpUpsert},
	"lead.updated":          {Entity: "leads", Operation: models.WebhookOpUpsert},
	"lead.deleted":          {Entity: "leads", Operation: models.WebhookOpDelete},
	"contact.created":       {Entity: "contacts", Operation: models.WebhookOpUpsert},
	"contact.updated":       {Entity: "contacts", Operation: models.WebhookOpUpsert},
	"contact.deleted":       {Entity: "contacts", Operation: models.WebhookOpDelete},
	"opportunity.created":   {Entity: "opportunities", Operation: models.WebhookOpUpsert},
	"opportunity.updated":   {Entity: "opportunities", Operation: models.WebhookOpUpsert},
	"opportunity.deleted":   {Entity: "opportunities", Operation: models.WebhookOpDelete},
	"activity.note.created": {Entity: "activities", Operation: models.WebhookOpUpsert},
	"activity.note.updated": {Entity: "activities", Operation: models.WebhookOpUpsert},
}

func (c *Connector) SupportsWebhooks() bool { return true }

func (c *Connector) VerifyWebhook(ctx context.Context, v interfaces.WebhookVerification) (bool, error) {
	secret := v.Secret
	if secret == "" {
		secret = c.secret
	}
	if secret == "" {
		return false, fmt.Errorf("no webhook secret configured")
	}

	sig := v.Headers[headerSigHash]
	ts := v.Headers[headerSigTimestamp]
	if sig == "" || ts == "" {
		return false, nil
	}

	key, err := hex.DecodeString(secret)
	if err != nil {
		// Keys are distributed hex-encoded; fall back to raw bytes.
		key = []byte(secret)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(ts))
	mac.Write(v.Payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig)), nil
}

func (c *Connector) WebhookEventMapping(eventType string) *models.WebhookEventMapping {
	if m, ok := webhookMappings[eventType]; ok {
		return &m
	}
	return nil
}

func (c *Connector) SupportedWebhookEvents() []string {
	events := make([]string, 0, len(webhookMappings))
	for event := range webhookMappings {
		events = append(events, event)
	}
	return events
}

// closeWebhookEnvelope is the delivery shape Close posts.
type closeWebhookEnvelope struct {
	Event struct {
		ObjectID string                 `json:"object_id"`
		Data     map[string]interface{} `json:"data"`
	} `json:"event"`
}

func (c *Connector) ExtractWebhookData(payload []byte, eventType string) (*models.WebhookData, error) {
	var envelope closeWebhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}
	if envelope.Event.ObjectID == "" {
		return nil, fmt.Errorf("webhook payload missing object_id")
	}
	data := envelope.Event.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	data[models.FieldID] = envelope.Event.ObjectID
	return &models.WebhookData{ID: envelope.Event.ObjectID, Data: data}, nil
}

package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
)

// Stripe signs deliveries with a stripe-signature header of the form
// "t=<unix>,v1=<hex>[,v1=...]"; the signed payload is "<t>.<body>" and
// the mac is HMAC-SHA256 with the endpoint's whsec key. Timestamps
// outside the tolerance window are rejected to stop replays.
const (
	headerSignature    = "stripe-signature"
	signatureTolerance = 5 * time.Minute
)

var webhookMappings = map[string]models.WebhookEventMapping{
	"customer.created":              {Entity: "customers", Operation: models.WebhookOpUpsert},
	"customer.updated":              {Entity: "customers", Operation: models.WebhookOpUpsert},
	"customer.deleted":              {Entity: "customers", Operation: models.WebhookOpDelete},
	"charge.succeeded":              {Entity: "charges", Operation: models.WebhookOpUpsert},
	"charge.updated":                {Entity: "charges", Operation: models.WebhookOpUpsert},
	"charge.refunded":               {Entity: "charges", Operation: models.WebhookOpUpsert},
	"invoice.created":               {Entity: "invoices", Operation: models.WebhookOpUpsert},
	"invoice.updated":               {Entity: "invoices", Operation: models.WebhookOpUpsert},
	"invoice.paid":                  {Entity: "invoices", Operation: models.WebhookOpUpsert},
	"invoice.deleted":               {Entity: "invoices", Operation: models.WebhookOpDelete},
	"customer.subscription.created": {Entity: "subscriptions", Operation: models.WebhookOpUpsert},
	"customer.subscription.updated": {Entity: "subscriptions", Operation: models.WebhookOpUpsert},
	"customer.subscription.deleted": {Entity: "subscriptions", Operation: models.WebhookOpDelete},
	"product.created":               {Entity: "products", Operation: models.WebhookOpUpsert},
	"product.updated":               {Entity: "products", Operation: models.WebhookOpUpsert},
	"product.deleted":               {Entity: "products", Operation: models.WebhookOpDelete},
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

	header := v.Headers[headerSignature]
	if header == "" {
		return false, nil
	}

	var timestamp int64
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return false, nil
			}
			timestamp = ts
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == 0 || len(signatures) == 0 {
		return false, nil
	}

	age := time.Since(time.Unix(timestamp, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return false, nil
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(v.Payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return true, nil
		}
	}
	return false, nil
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

type stripeWebhookEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object map[string]interface{} `json:"object"`
	} `json:"data"`
}

func (c *Connector) ExtractWebhookData(payload []byte, eventType string) (*models.WebhookData, error) {
	var envelope stripeWebhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}
	object := envelope.Data.Object
	if object == nil {
		return nil, fmt.Errorf("webhook payload missing data.object")
	}
	id, _ := object[models.FieldID].(string)
	if id == "" {
		return nil, fmt.Errorf("webhook payload missing object id")
	}
	return &models.WebhookData{ID: id, Data: object}, nil
}

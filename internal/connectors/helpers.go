package connectors

import (
	"context"
	"strings"
	"time"

	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
)

// WebhookUnsupported is embedded by connectors that do not ingest
// webhooks; it satisfies interfaces.WebhookHandler with refusals.
type WebhookUnsupported struct{}

func (WebhookUnsupported) SupportsWebhooks() bool { return false }

func (WebhookUnsupported) VerifyWebhook(ctx context.Context, v interfaces.WebhookVerification) (bool, error) {
	return false, nil
}

func (WebhookUnsupported) WebhookEventMapping(eventType string) *models.WebhookEventMapping {
	return nil
}

func (WebhookUnsupported) SupportedWebhookEvents() []string { return nil }

func (WebhookUnsupported) ExtractWebhookData(payload []byte, eventType string) (*models.WebhookData, error) {
	return nil, nil
}

// ExtractPath walks a dotted path ("data.results") through nested maps
// and returns the value at the leaf.
func ExtractPath(doc map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return doc, true
	}
	var current interface{} = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// ExtractRecords resolves a dotted path to a record slice. A missing
// path or a non-list value yields an empty slice.
func ExtractRecords(doc map[string]interface{}, path string) []models.Record {
	raw, ok := ExtractPath(doc, path)
	if !ok {
		return nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	records := make([]models.Record, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			records = append(records, models.Record(m))
		}
	}
	return records
}

// updatedAtFields are checked in order when filtering client-side.
var updatedAtFields = []string{"updatedAt", "modifiedAt", "modified_at", "updated_at", "date_updated"}

// FilterSince drops records last modified at or before the watermark.
// Used by connectors whose upstream cannot filter server-side; records
// without a recognizable timestamp are kept.
func FilterSince(records []models.Record, since *time.Time) []models.Record {
	if since == nil {
		return records
	}
	filtered := records[:0:0]
	for _, record := range records {
		ts, ok := recordUpdatedAt(record)
		if !ok || ts.After(*since) {
			filtered = append(filtered, record)
		}
	}
	return filtered
}

func recordUpdatedAt(record models.Record) (time.Time, bool) {
	for _, field := range updatedAtFields {
		raw, ok := record[field]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t, true
			}
			if t, err := time.Parse("2006-01-02 15:04:05", v); err == nil {
				return t, true
			}
		case float64:
			// Unix seconds.
			return time.Unix(int64(v), 0).UTC(), true
		case time.Time:
			return v, true
		}
	}
	return time.Time{}, false
}

// HasMore decides whether another page follows from the page size
// actually returned.
func HasMore(received, batchSize int) bool {
	return received >= batchSize && batchSize > 0
}

// EmitBatch hands a batch to the callback and reports progress.
func EmitBatch(ctx context.Context, opts interfaces.FetchOptions, records []models.Record, total int64, totalHint *int64) error {
	if len(records) == 0 {
		return nil
	}
	if err := opts.OnBatch(ctx, records); err != nil {
		return err
	}
	if opts.OnProgress != nil {
		opts.OnProgress(total, totalHint)
	}
	return nil
}

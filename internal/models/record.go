package models

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Metadata fields stamped onto every destination document. The natural
// key of a record is (id, _dataSourceId).
const (
	FieldID             = "id"
	FieldDataSourceID   = "_dataSourceId"
	FieldDataSourceName = "_dataSourceName"
	FieldSyncedAt       = "_syncedAt"
	FieldWebhookEventID = "_webhookEventId"
)

// Record is one upstream payload as emitted by a connector batch.
type Record map[string]interface{}

// NaturalID returns the upstream-provided record id rendered as a
// string. Numeric ids survive the JSON float64 round-trip.
func (r Record) NaturalID() string {
	switch v := r[FieldID].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// WrapRecord stamps sync metadata onto a copy of the record, returning
// the natural key and the destination document. The write path treats
// the document as opaque.
func WrapRecord(r Record, sourceID primitive.ObjectID, sourceName string, syncedAt time.Time) (string, map[string]interface{}) {
	doc := make(map[string]interface{}, len(r)+3)
	for k, v := range r {
		doc[k] = v
	}
	doc[FieldDataSourceID] = sourceID.Hex()
	doc[FieldDataSourceName] = sourceName
	doc[FieldSyncedAt] = syncedAt.UTC()
	return r.NaturalID(), doc
}

// CollectionName derives the live collection for a connector entity
// pair: "<connectorName>_<entity>".
func CollectionName(connectorName, entity string) string {
	return fmt.Sprintf("%s_%s", connectorName, entity)
}

// StagingCollectionName is the shadow collection used during full syncs.
func StagingCollectionName(connectorName, entity string) string {
	return CollectionName(connectorName, entity) + "_staging"
}

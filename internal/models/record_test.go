package models

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestNaturalID(t *testing.T) {
	tests := []struct {
		name   string
		record Record
		want   string
	}{
		{name: "string id", record: Record{"id": "lead_abc"}, want: "lead_abc"},
		{name: "integral float id", record: Record{"id": float64(42)}, want: "42"},
		{name: "fractional float id", record: Record{"id": 42.5}, want: "42.5"},
		{name: "missing id", record: Record{"name": "x"}, want: ""},
		{name: "nil id", record: Record{"id": nil}, want: ""},
		{name: "int id", record: Record{"id": 7}, want: "7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.record.NaturalID(); got != tt.want {
				t.Errorf("NaturalID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrapRecord(t *testing.T) {
	sourceID := primitive.NewObjectID()
	syncedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	record := Record{"id": "cus_1", "email": "a@b.c"}

	naturalID, doc := WrapRecord(record, sourceID, "stripe-prod", syncedAt)

	if naturalID != "cus_1" {
		t.Errorf("naturalID = %q", naturalID)
	}
	if doc[FieldDataSourceID] != sourceID.Hex() {
		t.Errorf("_dataSourceId = %v", doc[FieldDataSourceID])
	}
	if doc[FieldDataSourceName] != "stripe-prod" {
		t.Errorf("_dataSourceName = %v", doc[FieldDataSourceName])
	}
	stamped, ok := doc[FieldSyncedAt].(time.Time)
	if !ok || stamped.Location() != time.UTC {
		t.Errorf("_syncedAt = %v, want UTC time", doc[FieldSyncedAt])
	}
	if doc["email"] != "a@b.c" {
		t.Errorf("payload field lost: %v", doc["email"])
	}
	// The original record must stay unstamped.
	if _, exists := record[FieldDataSourceID]; exists {
		t.Error("WrapRecord mutated the source record")
	}
}

func TestCollectionNames(t *testing.T) {
	if got := CollectionName("closecrm", "leads"); got != "closecrm_leads" {
		t.Errorf("CollectionName = %q", got)
	}
	if got := StagingCollectionName("closecrm", "leads"); got != "closecrm_leads_staging" {
		t.Errorf("StagingCollectionName = %q", got)
	}
}

func TestFetchStateMetadata(t *testing.T) {
	var state FetchState
	state.SetMeta("currentDate", "2026-01-15")
	state.SetMeta("dailyOffset", float64(200))
	state.SetMeta("probing", true)

	if got := state.MetaString("currentDate"); got != "2026-01-15" {
		t.Errorf("MetaString = %q", got)
	}
	if got := state.MetaInt("dailyOffset"); got != 200 {
		t.Errorf("MetaInt = %d", got)
	}
	if !state.MetaBool("probing") {
		t.Error("MetaBool = false")
	}

	var nilState *FetchState
	if nilState.MetaString("x") != "" || nilState.MetaInt("x") != 0 || nilState.MetaBool("x") {
		t.Error("nil state accessors must return zero values")
	}
}

func TestConnectorSettingsWithDefaults(t *testing.T) {
	got := ConnectorSettings{}.WithDefaults()
	if got.BatchSize != DefaultBatchSize ||
		got.RateLimitDelayMs != DefaultRateLimitDelayMs ||
		got.MaxRetries != DefaultMaxRetries ||
		got.TimeoutMs != DefaultTimeoutMs ||
		got.Timezone != "UTC" {
		t.Errorf("defaults not applied: %+v", got)
	}

	custom := ConnectorSettings{BatchSize: 50, Timezone: "America/New_York"}.WithDefaults()
	if custom.BatchSize != 50 || custom.Timezone != "America/New_York" {
		t.Errorf("explicit settings overridden: %+v", custom)
	}
	if custom.MaxRetries != DefaultMaxRetries {
		t.Errorf("unset field not defaulted: %+v", custom)
	}
}

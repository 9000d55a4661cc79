package connectors

import (
	"errors"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/relay/internal/models"
	"github.com/ternarybob/relay/internal/syncerrors"
)

func TestExtractPath(t *testing.T) {
	doc := map[string]interface{}{
		"data": map[string]interface{}{
			"results": []interface{}{"a"},
			"meta":    map[string]interface{}{"count": float64(3)},
		},
	}

	tests := []struct {
		name  string
		path  string
		found bool
	}{
		{name: "empty path returns doc", path: "", found: true},
		{name: "one level", path: "data", found: true},
		{name: "two levels", path: "data.results", found: true},
		{name: "three levels", path: "data.meta.count", found: true},
		{name: "missing leaf", path: "data.absent", found: false},
		{name: "descend through non-map", path: "data.results.x", found: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ExtractPath(doc, tt.path)
			if ok != tt.found {
				t.Errorf("ExtractPath(%q) found = %v, want %v", tt.path, ok, tt.found)
			}
		})
	}
}

func TestExtractRecords(t *testing.T) {
	doc := map[string]interface{}{
		"data": map[string]interface{}{
			"items": []interface{}{
				map[string]interface{}{"id": "1"},
				"not a record",
				map[string]interface{}{"id": "2"},
			},
			"scalar": "x",
		},
	}

	records := ExtractRecords(doc, "data.items")
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2 (non-map items skipped)", len(records))
	}
	if records[1].NaturalID() != "2" {
		t.Errorf("records[1] id = %q", records[1].NaturalID())
	}

	if got := ExtractRecords(doc, "data.scalar"); got != nil {
		t.Errorf("non-list path yielded %v", got)
	}
	if got := ExtractRecords(doc, "nope"); got != nil {
		t.Errorf("missing path yielded %v", got)
	}
}

func TestFilterSince(t *testing.T) {
	since := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	records := []models.Record{
		{"id": "old", "updated_at": "2026-01-05T00:00:00Z"},
		{"id": "new", "updated_at": "2026-01-15T00:00:00Z"},
		{"id": "boundary", "updated_at": "2026-01-10T00:00:00Z"},
		{"id": "no-timestamp"},
		{"id": "unix", "updatedAt": float64(since.Add(24 * time.Hour).Unix())},
	}

	got := FilterSince(records, &since)
	ids := make(map[string]bool)
	for _, r := range got {
		ids[r.NaturalID()] = true
	}

	if ids["old"] {
		t.Error("record older than the watermark survived")
	}
	if ids["boundary"] {
		t.Error("record exactly at the watermark survived")
	}
	if !ids["new"] || !ids["unix"] {
		t.Error("newer records dropped")
	}
	if !ids["no-timestamp"] {
		t.Error("record without a timestamp must be kept")
	}

	if got := FilterSince(records, nil); len(got) != len(records) {
		t.Errorf("nil watermark filtered records: %d of %d", len(got), len(records))
	}
}

func TestHasMore(t *testing.T) {
	tests := []struct {
		received  int
		batchSize int
		want      bool
	}{
		{received: 100, batchSize: 100, want: true},
		{received: 99, batchSize: 100, want: false},
		{received: 0, batchSize: 100, want: false},
		{received: 101, batchSize: 100, want: true},
		{received: 5, batchSize: 0, want: false},
	}
	for _, tt := range tests {
		if got := HasMore(tt.received, tt.batchSize); got != tt.want {
			t.Errorf("HasMore(%d, %d) = %v, want %v", tt.received, tt.batchSize, got, tt.want)
		}
	}
}

func TestRegistryUnknownType(t *testing.T) {
	_, err := New(&models.Connector{Type: "telepathy"}, arbor.NewLogger())
	if !errors.Is(err, syncerrors.ErrUnknownConnectorType) {
		t.Errorf("error = %v, want ErrUnknownConnectorType", err)
	}
}

func TestRegistryTypesSorted(t *testing.T) {
	types := Types()
	for i := 1; i < len(types); i++ {
		if types[i-1] >= types[i] {
			t.Errorf("Types() not in stable order: %v", types)
		}
	}
}

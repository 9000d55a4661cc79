package posthog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
)

func newTestConnector(t *testing.T, host string, queries map[string]string) *Connector {
	t.Helper()
	declared := make([]interface{}, 0, len(queries))
	for entity, query := range queries {
		declared = append(declared, map[string]interface{}{"entity": entity, "query": query})
	}
	c, err := New(&models.Connector{
		Name: "posthog-test",
		Type: models.ConnectorTypePostHog,
		Config: map[string]interface{}{
			"host":       host,
			"project_id": "123",
			"api_key":    "phx_key",
			"queries":    declared,
		},
		Settings: models.ConnectorSettings{RateLimitDelayMs: 1, MaxRetries: 1},
	}, arbor.NewLogger())
	if err != nil {
		t.Fatal(err)
	}
	return c.(*Connector)
}

func tabular(columns []string, rows ...[]interface{}) map[string]interface{} {
	return map[string]interface{}{"columns": columns, "results": rows}
}

func receivedQuery(t *testing.T, r *http.Request) string {
	t.Helper()
	var body struct {
		Query struct {
			Kind  string `json:"kind"`
			Query string `json:"query"`
		} `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Query.Kind != "HogQLQuery" {
		t.Errorf("kind = %q", body.Query.Kind)
	}
	return body.Query.Query
}

func TestRowsToRecords(t *testing.T) {
	resp := &queryResponse{
		Columns: []string{"id", "event", "count"},
		Results: [][]interface{}{
			{"e1", "pageview", float64(10)},
			{"e2", "click"}, // short row: missing columns are absent
		},
	}
	records := rowsToRecords(resp)
	if len(records) != 2 {
		t.Fatalf("got %d records", len(records))
	}
	if records[0]["event"] != "pageview" || records[0]["count"] != float64(10) {
		t.Errorf("records[0] = %v", records[0])
	}
	if _, exists := records[1]["count"]; exists {
		t.Error("short row grew a column")
	}
}

func TestFetchAppendsLimitOffset(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/projects/123/query/" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := receivedQuery(t, r)
		queries = append(queries, q)
		if strings.Contains(q, "OFFSET 0") {
			json.NewEncoder(w).Encode(tabular([]string{"id"}, []interface{}{"a"}, []interface{}{"b"}))
			return
		}
		json.NewEncoder(w).Encode(tabular([]string{"id"}))
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL, map[string]string{
		"events": "SELECT id FROM events",
	})

	var got []string
	err := c.FetchEntity(context.Background(), interfaces.FetchOptions{
		Entity:    "events",
		BatchSize: 2,
		OnBatch: func(ctx context.Context, records []models.Record) error {
			for _, r := range records {
				got = append(got, r.NaturalID())
			}
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(got) != fmt.Sprint([]string{"a", "b"}) {
		t.Errorf("records = %v", got)
	}
	if len(queries) != 2 {
		t.Fatalf("queries = %v", queries)
	}
	if queries[0] != "SELECT id FROM events LIMIT 2 OFFSET 0" {
		t.Errorf("queries[0] = %q", queries[0])
	}
	if queries[1] != "SELECT id FROM events LIMIT 2 OFFSET 2" {
		t.Errorf("queries[1] = %q", queries[1])
	}
}

func TestQueryWithOwnLimitIsSingleShot(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		q := receivedQuery(t, r)
		if strings.Contains(q, "OFFSET") {
			t.Errorf("pagination appended to a limited query: %q", q)
		}
		json.NewEncoder(w).Encode(tabular([]string{"id"}, []interface{}{"a"}, []interface{}{"b"}))
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL, map[string]string{
		"top": "SELECT id FROM events ORDER BY count DESC LIMIT 2",
	})

	err := c.FetchEntity(context.Background(), interfaces.FetchOptions{
		Entity:    "top",
		BatchSize: 2,
		OnBatch:   func(ctx context.Context, records []models.Record) error { return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("server saw %d calls, want 1 (single-shot)", calls)
	}
}

func TestUnknownEntity(t *testing.T) {
	c := newTestConnector(t, "http://unused", map[string]string{"events": "SELECT 1"})
	err := c.FetchEntity(context.Background(), interfaces.FetchOptions{
		Entity:  "sessions",
		OnBatch: func(ctx context.Context, records []models.Record) error { return nil },
	})
	if err == nil {
		t.Fatal("expected error for unconfigured entity")
	}
}

func TestTrailingSemicolonStripped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := receivedQuery(t, r)
		if strings.Contains(q, ";") {
			t.Errorf("semicolon survived into paginated query: %q", q)
		}
		json.NewEncoder(w).Encode(tabular([]string{"id"}))
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL, map[string]string{
		"events": "SELECT id FROM events;\n",
	})
	err := c.FetchEntity(context.Background(), interfaces.FetchOptions{
		Entity:    "events",
		BatchSize: 2,
		OnBatch:   func(ctx context.Context, records []models.Record) error { return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
}

package graphqlsrc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
	"github.com/ternarybob/relay/internal/syncerrors"
)

func TestDetectPagination(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantShape paginationShape
		wantVar   string
		sentinel  interface{}
	}{
		{
			name:      "offset query",
			query:     `query($limit: Int!, $offset: Int!) { users(limit: $limit, offset: $offset) { id } }`,
			wantShape: shapeOffset,
		},
		{
			name:      "string cursor",
			query:     `query($limit: Int!, $after: String) { users(first: $limit, after: $after) { id } }`,
			wantShape: shapeCursor,
			wantVar:   "after",
			sentinel:  "",
		},
		{
			name:      "time cursor starts at epoch",
			query:     `query($limit: Int!, $after: DateTime) { events(since: $after) { id } }`,
			wantShape: shapeCursor,
			wantVar:   "after",
			sentinel:  "1970-01-01",
		},
		{
			name:      "iso8601 cursor starts at epoch",
			query:     `query($cursor: ISO8601DateTime!) { rows(cursor: $cursor) { id } }`,
			wantShape: shapeCursor,
			wantVar:   "cursor",
			sentinel:  "1970-01-01",
		},
		{
			name:      "numeric cursor starts at zero",
			query:     `query($cursor: Int!) { rows(cursor: $cursor) { id } }`,
			wantShape: shapeCursor,
			wantVar:   "cursor",
			sentinel:  0,
		},
		{
			name:      "no variables",
			query:     `query { users { id } }`,
			wantShape: shapeOffset,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shape, cursorVar, sentinel := detectPagination(tt.query)
			if shape != tt.wantShape {
				t.Errorf("shape = %v, want %v", shape, tt.wantShape)
			}
			if cursorVar != tt.wantVar {
				t.Errorf("cursorVar = %q, want %q", cursorVar, tt.wantVar)
			}
			if shape == shapeCursor && sentinel != tt.sentinel {
				t.Errorf("sentinel = %v (%T), want %v (%T)", sentinel, sentinel, tt.sentinel, tt.sentinel)
			}
		})
	}
}

func newTestConnector(t *testing.T, endpoint string, queries []interface{}) *Connector {
	t.Helper()
	c, err := New(&models.Connector{
		Name: "gql-test",
		Type: models.ConnectorTypeGraphQL,
		Config: map[string]interface{}{
			"endpoint":   endpoint,
			"auth_token": "tok",
			"queries":    queries,
		},
		Settings: models.ConnectorSettings{RateLimitDelayMs: 1, MaxRetries: 1},
	}, arbor.NewLogger())
	if err != nil {
		t.Fatal(err)
	}
	return c.(*Connector)
}

func TestAvailableEntitiesFromConfig(t *testing.T) {
	c := newTestConnector(t, "http://unused", []interface{}{
		map[string]interface{}{"entity": "users", "query": "query { users { id } }", "data_path": "users"},
		map[string]interface{}{"entity": "orders", "query": "query { orders { id } }", "data_path": "orders"},
		map[string]interface{}{"query": "missing entity name"},
	})

	entities, err := c.AvailableEntities(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(entities) != 2 {
		t.Errorf("entities = %v", entities)
	}
}

func TestValidateConfigRequiresDataPath(t *testing.T) {
	c := newTestConnector(t, "http://unused", []interface{}{
		map[string]interface{}{"entity": "users", "query": "query { users { id } }"},
	})
	result := c.ValidateConfig()
	if result.Valid {
		t.Error("config without data_path validated")
	}
}

func TestFetchOffsetPaginated(t *testing.T) {
	var offsets []float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth = %q", got)
		}
		var body struct {
			Variables map[string]interface{} `json:"variables"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		offset := body.Variables["offset"].(float64)
		offsets = append(offsets, offset)

		users := []interface{}{}
		if offset == 0 {
			users = []interface{}{
				map[string]interface{}{"id": "u1"},
				map[string]interface{}{"id": "u2"},
			}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"users": users},
		})
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL, []interface{}{
		map[string]interface{}{
			"entity":    "users",
			"query":     `query($limit: Int!, $offset: Int!) { users(limit: $limit, offset: $offset) { id } }`,
			"data_path": "users",
		},
	})

	var got []string
	err := c.FetchEntity(context.Background(), interfaces.FetchOptions{
		Entity:    "users",
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
	if fmt.Sprint(got) != fmt.Sprint([]string{"u1", "u2"}) {
		t.Errorf("records = %v", got)
	}
	if fmt.Sprint(offsets) != fmt.Sprint([]float64{0, 2}) {
		t.Errorf("offsets = %v", offsets)
	}
}

func TestFetchCursorPaginatedWithHasNext(t *testing.T) {
	var cursors []interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Variables map[string]interface{} `json:"variables"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		cursors = append(cursors, body.Variables["after"])

		page := map[string]interface{}{
			"items":    []interface{}{map[string]interface{}{"id": "a"}},
			"pageInfo": map[string]interface{}{"endCursor": "c1", "hasNextPage": false},
		}
		if body.Variables["after"] == "" {
			page["pageInfo"] = map[string]interface{}{"endCursor": "c1", "hasNextPage": true}
		} else {
			page["items"] = []interface{}{map[string]interface{}{"id": "b"}}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"feed": page},
		})
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL, []interface{}{
		map[string]interface{}{
			"entity":             "feed",
			"query":              `query($limit: Int!, $after: String) { feed(first: $limit, after: $after) { items { id } } }`,
			"data_path":          "feed.items",
			"has_next_page_path": "feed.pageInfo.hasNextPage",
			"cursor_path":        "feed.pageInfo.endCursor",
		},
	})

	var got []string
	err := c.FetchEntity(context.Background(), interfaces.FetchOptions{
		Entity:    "feed",
		BatchSize: 1,
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
	if len(cursors) != 2 || cursors[0] != "" || cursors[1] != "c1" {
		t.Errorf("cursors = %v", cursors)
	}
}

func TestGraphQLErrorsAreFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"errors": []interface{}{map[string]interface{}{"message": "field users not found"}},
		})
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL, []interface{}{
		map[string]interface{}{"entity": "users", "query": "query { users { id } }", "data_path": "users"},
	})

	err := c.FetchEntity(context.Background(), interfaces.FetchOptions{
		Entity:    "users",
		BatchSize: 2,
		OnBatch:   func(ctx context.Context, records []models.Record) error { return nil },
	})
	var logicErr *syncerrors.ConnectorLogicError
	if !errors.As(err, &logicErr) {
		t.Fatalf("error = %v, want ConnectorLogicError", err)
	}
}

func TestBadDataPathIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"users": []interface{}{map[string]interface{}{"id": "u1"}}},
		})
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL, []interface{}{
		map[string]interface{}{"entity": "users", "query": "query { users { id } }", "data_path": "wrong.path"},
	})

	err := c.FetchEntity(context.Background(), interfaces.FetchOptions{
		Entity:    "users",
		BatchSize: 2,
		OnBatch:   func(ctx context.Context, records []models.Record) error { return nil },
	})
	if err == nil {
		t.Fatal("expected error for unresolvable data_path")
	}
}

func TestIncrementalFilterDoesNotStallPagination(t *testing.T) {
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	// The first page filters to nothing under the watermark; the offset
	// must still advance by the raw page size so the newer records on the
	// second page are reached.
	var offsets []float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Variables map[string]interface{} `json:"variables"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		offset := body.Variables["offset"].(float64)
		offsets = append(offsets, offset)

		var users []interface{}
		switch offset {
		case 0:
			users = []interface{}{
				map[string]interface{}{"id": "u1", "updated_at": "2026-01-10T00:00:00Z"},
				map[string]interface{}{"id": "u2", "updated_at": "2026-01-20T00:00:00Z"},
			}
		case 2:
			users = []interface{}{
				map[string]interface{}{"id": "u3", "updated_at": "2026-02-10T00:00:00Z"},
				map[string]interface{}{"id": "u4", "updated_at": "2026-02-20T00:00:00Z"},
			}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"users": users},
		})
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL, []interface{}{
		map[string]interface{}{
			"entity":    "users",
			"query":     `query($limit: Int!, $offset: Int!) { users(limit: $limit, offset: $offset) { id } }`,
			"data_path": "users",
		},
	})

	var got []string
	err := c.FetchEntity(context.Background(), interfaces.FetchOptions{
		Entity:    "users",
		BatchSize: 2,
		Since:     &since,
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
	if fmt.Sprint(got) != fmt.Sprint([]string{"u3", "u4"}) {
		t.Errorf("incremental sync lost records: got %v, want [u3 u4]", got)
	}
	if fmt.Sprint(offsets) != fmt.Sprint([]float64{0, 2, 4}) {
		t.Errorf("offsets = %v, want [0 2 4]", offsets)
	}
}

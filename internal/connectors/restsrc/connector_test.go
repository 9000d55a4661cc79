package restsrc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
)

func newTestConnector(t *testing.T, baseURL string, endpoints []interface{}) *Connector {
	t.Helper()
	c, err := New(&models.Connector{
		Name: "rest-test",
		Type: models.ConnectorTypeREST,
		Config: map[string]interface{}{
			"base_url":    baseURL,
			"auth_header": "X-Api-Key",
			"auth_token":  "secret-token",
			"endpoints":   endpoints,
		},
		Settings: models.ConnectorSettings{RateLimitDelayMs: 1, MaxRetries: 1},
	}, arbor.NewLogger())
	if err != nil {
		t.Fatal(err)
	}
	return c.(*Connector)
}

func itemsBody(extra map[string]interface{}, ids ...string) map[string]interface{} {
	items := make([]interface{}, len(ids))
	for i, id := range ids {
		items[i] = map[string]interface{}{"id": id}
	}
	body := map[string]interface{}{"items": items}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

func TestOffsetPagination(t *testing.T) {
	var offsets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Api-Key"); got != "secret-token" {
			t.Errorf("auth header = %q", got)
		}
		if got := r.URL.Query().Get("per_page"); got != "2" {
			t.Errorf("limit param = %q", got)
		}
		offset := r.URL.Query().Get("start")
		offsets = append(offsets, offset)
		switch offset {
		case "0":
			json.NewEncoder(w).Encode(itemsBody(nil, "r1", "r2"))
		default:
			json.NewEncoder(w).Encode(itemsBody(nil))
		}
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL, []interface{}{
		map[string]interface{}{
			"entity":       "rows",
			"path":         "/rows",
			"data_path":    "items",
			"limit_param":  "per_page",
			"offset_param": "start",
		},
	})

	var got []string
	err := c.FetchEntity(context.Background(), interfaces.FetchOptions{
		Entity:    "rows",
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
	if fmt.Sprint(got) != fmt.Sprint([]string{"r1", "r2"}) {
		t.Errorf("records = %v", got)
	}
	if fmt.Sprint(offsets) != fmt.Sprint([]string{"0", "2"}) {
		t.Errorf("offsets = %v", offsets)
	}
}

func TestPageParamStartsAtOne(t *testing.T) {
	var pages []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		pages = append(pages, page)
		if page == "1" {
			json.NewEncoder(w).Encode(itemsBody(nil, "a", "b"))
			return
		}
		json.NewEncoder(w).Encode(itemsBody(nil, "c"))
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL, []interface{}{
		map[string]interface{}{
			"entity":     "rows",
			"path":       "/rows",
			"data_path":  "items",
			"page_param": "page",
		},
	})

	err := c.FetchEntity(context.Background(), interfaces.FetchOptions{
		Entity:    "rows",
		BatchSize: 2,
		OnBatch:   func(ctx context.Context, records []models.Record) error { return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(pages) != fmt.Sprint([]string{"1", "2"}) {
		t.Errorf("pages = %v", pages)
	}
}

func TestCursorPaginationWithNextCursorPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("after") {
		case "":
			json.NewEncoder(w).Encode(itemsBody(map[string]interface{}{"next": "abc"}, "x1", "x2"))
		case "abc":
			json.NewEncoder(w).Encode(itemsBody(map[string]interface{}{"next": ""}, "x3"))
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("after"))
			json.NewEncoder(w).Encode(itemsBody(nil))
		}
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL, []interface{}{
		map[string]interface{}{
			"entity":           "rows",
			"path":             "/rows",
			"data_path":        "items",
			"cursor_param":     "after",
			"next_cursor_path": "next",
		},
	})

	var got []string
	err := c.FetchEntity(context.Background(), interfaces.FetchOptions{
		Entity:    "rows",
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
	if fmt.Sprint(got) != fmt.Sprint([]string{"x1", "x2", "x3"}) {
		t.Errorf("records = %v", got)
	}
}

func TestHasMorePathWins(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		// A full page, but the API says there is nothing more: the flag
		// must beat the page-fill heuristic.
		json.NewEncoder(w).Encode(itemsBody(map[string]interface{}{"more": false}, "y1", "y2"))
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL, []interface{}{
		map[string]interface{}{
			"entity":        "rows",
			"path":          "/rows",
			"data_path":     "items",
			"offset_param":  "offset",
			"has_more_path": "more",
		},
	})

	err := c.FetchEntity(context.Background(), interfaces.FetchOptions{
		Entity:    "rows",
		BatchSize: 2,
		OnBatch:   func(ctx context.Context, records []models.Record) error { return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("server saw %d calls, want 1", calls)
	}
}

func TestStaticParamsForwarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("status"); got != "active" {
			t.Errorf("status param = %q", got)
		}
		json.NewEncoder(w).Encode(itemsBody(nil, "z1"))
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL, []interface{}{
		map[string]interface{}{
			"entity":    "rows",
			"path":      "/rows",
			"data_path": "items",
			"params":    map[string]interface{}{"status": "active"},
		},
	})

	err := c.FetchEntity(context.Background(), interfaces.FetchOptions{
		Entity:    "rows",
		BatchSize: 2,
		OnBatch:   func(ctx context.Context, records []models.Record) error { return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBadDataPathFirstPageIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"rows": []interface{}{}})
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL, []interface{}{
		map[string]interface{}{
			"entity":    "rows",
			"path":      "/rows",
			"data_path": "wrong",
		},
	})

	err := c.FetchEntity(context.Background(), interfaces.FetchOptions{
		Entity:    "rows",
		BatchSize: 2,
		OnBatch:   func(ctx context.Context, records []models.Record) error { return nil },
	})
	if err == nil {
		t.Fatal("expected error for unresolvable data_path")
	}
}

func TestIncrementalFilterDoesNotStallPagination(t *testing.T) {
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	// The first page is entirely at or below the watermark; the newer
	// records sit on the second page. The offset must advance by the raw
	// page size or they are never reached.
	var offsets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("start")
		offsets = append(offsets, offset)
		page := func(rows ...map[string]interface{}) {
			items := make([]interface{}, len(rows))
			for i, row := range rows {
				items[i] = row
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"items": items})
		}
		switch offset {
		case "0":
			page(
				map[string]interface{}{"id": "a", "updated_at": "2026-01-10T00:00:00Z"},
				map[string]interface{}{"id": "b", "updated_at": "2026-01-20T00:00:00Z"},
			)
		case "2":
			page(
				map[string]interface{}{"id": "c", "updated_at": "2026-02-10T00:00:00Z"},
				map[string]interface{}{"id": "d", "updated_at": "2026-02-20T00:00:00Z"},
			)
		default:
			page()
		}
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL, []interface{}{
		map[string]interface{}{
			"entity":       "rows",
			"path":         "/rows",
			"data_path":    "items",
			"limit_param":  "per_page",
			"offset_param": "start",
		},
	})

	var got []string
	err := c.FetchEntity(context.Background(), interfaces.FetchOptions{
		Entity:    "rows",
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
	if fmt.Sprint(got) != fmt.Sprint([]string{"c", "d"}) {
		t.Errorf("incremental sync lost records: got %v, want [c d]", got)
	}
	if fmt.Sprint(offsets) != fmt.Sprint([]string{"0", "2", "4"}) {
		t.Errorf("offsets = %v, want [0 2 4]", offsets)
	}
}

func TestStaticBodyForwarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("method = %s", r.Method)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if filter, _ := body["filter"].(map[string]interface{}); filter["status"] != "active" {
			t.Errorf("body = %v", body)
		}
		json.NewEncoder(w).Encode(itemsBody(nil, "z1"))
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL, []interface{}{
		map[string]interface{}{
			"entity":    "rows",
			"method":    "POST",
			"path":      "/search",
			"data_path": "items",
			"body":      map[string]interface{}{"filter": map[string]interface{}{"status": "active"}},
		},
	})

	err := c.FetchEntity(context.Background(), interfaces.FetchOptions{
		Entity:    "rows",
		BatchSize: 2,
		OnBatch:   func(ctx context.Context, records []models.Record) error { return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
}

package bigquery

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
)

func testPrivateKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func newTestConnector(t *testing.T, serverURL string) *Connector {
	t.Helper()
	c, err := New(&models.Connector{
		Name: "bigquery-test",
		Type: models.ConnectorTypeBigQuery,
		Config: map[string]interface{}{
			"project_id":   "p1",
			"client_email": "sa@p1.iam.gserviceaccount.com",
			"private_key":  testPrivateKeyPEM(t),
			"token_uri":    serverURL + "/token",
			"api_base":     serverURL,
			"queries": []interface{}{
				map[string]interface{}{"entity": "events", "query": "SELECT id FROM dataset.events"},
			},
		},
		Settings: models.ConnectorSettings{RateLimitDelayMs: 1, MaxRetries: 1},
	}, arbor.NewLogger())
	if err != nil {
		t.Fatal(err)
	}
	return c.(*Connector)
}

// bigqueryHandler serves the token grant plus the queries API, delegating
// query responses to onQuery.
func bigqueryHandler(t *testing.T, onQuery func(r *http.Request) map[string]interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "bq-token",
				"expires_in":   3600,
			})
			return
		}
		if !strings.HasPrefix(r.URL.Path, "/projects/p1/queries") {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer bq-token" {
			t.Errorf("auth = %q", got)
		}
		json.NewEncoder(w).Encode(onQuery(r))
	}
}

func TestIncompleteJobPollsCountAgainstIterationBudget(t *testing.T) {
	var queryCalls int
	srv := httptest.NewServer(bigqueryHandler(t, func(r *http.Request) map[string]interface{} {
		queryCalls++
		// The job never completes.
		return map[string]interface{}{
			"jobReference": map[string]interface{}{"jobId": "job_1"},
			"jobComplete":  false,
		}
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL)
	state, err := c.FetchEntityChunk(context.Background(), interfaces.ResumableFetchOptions{
		FetchOptions: interfaces.FetchOptions{
			Entity:    "events",
			BatchSize: 2,
			OnBatch:   func(ctx context.Context, records []models.Record) error { return nil },
		},
		MaxIterations: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if queryCalls != 3 {
		t.Errorf("upstream saw %d calls, want 3 (chunk must yield, not spin)", queryCalls)
	}
	if !state.HasMore {
		t.Error("incomplete job must leave the chunk resumable")
	}
	if state.IterationsInChunk != 3 {
		t.Errorf("iterations = %d, want 3", state.IterationsInChunk)
	}
	if state.MetaString(metaJobID) != "job_1" {
		t.Errorf("job id = %q, want job_1 carried for resumption", state.MetaString(metaJobID))
	}
}

func TestResumesIncompleteJobThenPages(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(bigqueryHandler(t, func(r *http.Request) map[string]interface{} {
		paths = append(paths, r.URL.Path+"?"+r.URL.RawQuery)
		schema := map[string]interface{}{
			"fields": []interface{}{map[string]interface{}{"name": "id", "type": "STRING"}},
		}
		row := func(id string) map[string]interface{} {
			return map[string]interface{}{"f": []interface{}{map[string]interface{}{"v": id}}}
		}
		switch {
		case r.Method == "POST":
			// Still running on the initial call.
			return map[string]interface{}{
				"jobReference": map[string]interface{}{"jobId": "job_2"},
				"jobComplete":  false,
			}
		case r.URL.Query().Get("pageToken") == "":
			return map[string]interface{}{
				"jobReference": map[string]interface{}{"jobId": "job_2"},
				"jobComplete":  true,
				"totalRows":    "3",
				"pageToken":    "pt_2",
				"schema":       schema,
				"rows":         []interface{}{row("a"), row("b")},
			}
		default:
			return map[string]interface{}{
				"jobReference": map[string]interface{}{"jobId": "job_2"},
				"jobComplete":  true,
				"totalRows":    "3",
				"schema":       schema,
				"rows":         []interface{}{row("c")},
			}
		}
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL)
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
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("records = %v", got)
	}
	if len(paths) != 3 {
		t.Fatalf("calls = %v", paths)
	}
	if !strings.Contains(paths[1], "/queries/job_2") {
		t.Errorf("poll must target the started job: %s", paths[1])
	}
	if !strings.Contains(paths[2], "pageToken=pt_2") {
		t.Errorf("second page must pass the page token: %s", paths[2])
	}
}

package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
)

func newTestConnector(t *testing.T, serverURL string) *Connector {
	t.Helper()
	c, err := New(&models.Connector{
		Name: "stripe-test",
		Type: models.ConnectorTypeStripe,
		Config: map[string]interface{}{
			"api_key":        "sk_test_123",
			"webhook_secret": "whsec_test",
			"base_url":       serverURL,
		},
		Settings: models.ConnectorSettings{
			BatchSize:        2,
			RateLimitDelayMs: 1,
			MaxRetries:       1,
		},
	}, arbor.NewLogger())
	if err != nil {
		t.Fatal(err)
	}
	return c.(*Connector)
}

func listBody(hasMore bool, ids ...string) map[string]interface{} {
	data := make([]map[string]interface{}, len(ids))
	for i, id := range ids {
		data[i] = map[string]interface{}{"id": id}
	}
	return map[string]interface{}{"data": data, "has_more": hasMore}
}

func TestFetchCustomersCursorPagination(t *testing.T) {
	var cursors []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/customers" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test_123" {
			t.Errorf("auth = %q", got)
		}
		cursor := r.URL.Query().Get("starting_after")
		cursors = append(cursors, cursor)

		w.Header().Set("Content-Type", "application/json")
		switch cursor {
		case "":
			json.NewEncoder(w).Encode(listBody(true, "cus_1", "cus_2"))
		case "cus_2":
			json.NewEncoder(w).Encode(listBody(false, "cus_3"))
		default:
			t.Errorf("unexpected cursor %q", cursor)
			json.NewEncoder(w).Encode(listBody(false))
		}
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL)
	var got []string
	err := c.FetchEntity(context.Background(), interfaces.FetchOptions{
		Entity:    "customers",
		BatchSize: 2,
		OnBatch: func(ctx context.Context, records []models.Record) error {
			for _, r := range records {
				got = append(got, r.NaturalID())
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("FetchEntity failed: %v", err)
	}
	if fmt.Sprint(got) != fmt.Sprint([]string{"cus_1", "cus_2", "cus_3"}) {
		t.Errorf("records = %v", got)
	}
	if fmt.Sprint(cursors) != fmt.Sprint([]string{"", "cus_2"}) {
		t.Errorf("cursors = %v", cursors)
	}
}

func TestIncrementalFiltersOnCreated(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("created[gte]"); got != strconv.FormatInt(since.Unix(), 10) {
			t.Errorf("created[gte] = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(listBody(false, "ch_1"))
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL)
	err := c.FetchEntity(context.Background(), interfaces.FetchOptions{
		Entity:    "charges",
		BatchSize: 2,
		Since:     &since,
		OnBatch:   func(ctx context.Context, records []models.Record) error { return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestChunkResumesFromCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursor := r.URL.Query().Get("starting_after")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(listBody(true, cursor+"_a", cursor+"_b"))
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL)
	state, err := c.FetchEntityChunk(context.Background(), interfaces.ResumableFetchOptions{
		FetchOptions: interfaces.FetchOptions{
			Entity:    "customers",
			BatchSize: 2,
			OnBatch:   func(ctx context.Context, records []models.Record) error { return nil },
		},
		MaxIterations: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if state.IterationsInChunk != 2 || !state.HasMore {
		t.Errorf("state = %+v", state)
	}
	if state.Cursor != "_b_b" {
		t.Errorf("cursor = %q, want id of last record of second page", state.Cursor)
	}
}

func signStripe(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhook(t *testing.T) {
	c := newTestConnector(t, "http://unused")
	payload := []byte(`{"id":"evt_1","type":"customer.updated","data":{"object":{"id":"cus_1"}}}`)
	now := time.Now().Unix()

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{
			name:   "valid",
			header: fmt.Sprintf("t=%d,v1=%s", now, signStripe("whsec_test", now, payload)),
			want:   true,
		},
		{
			name:   "second v1 matches",
			header: fmt.Sprintf("t=%d,v1=deadbeef,v1=%s", now, signStripe("whsec_test", now, payload)),
			want:   true,
		},
		{
			name:   "wrong secret",
			header: fmt.Sprintf("t=%d,v1=%s", now, signStripe("whsec_other", now, payload)),
			want:   false,
		},
		{
			name: "stale timestamp",
			header: fmt.Sprintf("t=%d,v1=%s",
				now-600, signStripe("whsec_test", now-600, payload)),
			want: false,
		},
		{
			name:   "malformed header",
			header: "garbage",
			want:   false,
		},
		{
			name:   "empty header",
			header: "",
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid, err := c.VerifyWebhook(context.Background(), interfaces.WebhookVerification{
				Payload: payload,
				Headers: map[string]string{headerSignature: tt.header},
			})
			if err != nil {
				t.Fatalf("VerifyWebhook failed: %v", err)
			}
			if valid != tt.want {
				t.Errorf("valid = %v, want %v", valid, tt.want)
			}
		})
	}
}

func TestExtractWebhookData(t *testing.T) {
	c := newTestConnector(t, "http://unused")

	data, err := c.ExtractWebhookData([]byte(`{"id":"evt_1","type":"customer.updated","data":{"object":{"id":"cus_9","email":"x@y.z"}}}`), "customer.updated")
	if err != nil {
		t.Fatal(err)
	}
	if data.ID != "cus_9" || data.Data["email"] != "x@y.z" {
		t.Errorf("data = %+v", data)
	}

	if _, err := c.ExtractWebhookData([]byte(`{"id":"evt_2","type":"x"}`), "x"); err == nil {
		t.Error("missing data.object must error")
	}
}

func TestWebhookEventMappingCoversDeletes(t *testing.T) {
	c := newTestConnector(t, "http://unused")
	m := c.WebhookEventMapping("customer.subscription.deleted")
	if m == nil || m.Entity != "subscriptions" || m.Operation != models.WebhookOpDelete {
		t.Errorf("mapping = %+v", m)
	}
	if c.WebhookEventMapping("payout.paid") != nil {
		t.Error("unmapped event must be nil")
	}
}

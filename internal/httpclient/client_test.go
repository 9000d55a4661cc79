package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ternarybob/relay/internal/syncerrors"
)

func testClient(maxRetries int) *Client {
	return New(Options{
		Timeout:        5 * time.Second,
		RateLimitDelay: time.Millisecond,
		MaxRetries:     maxRetries,
	})
}

func TestDoJSONDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q", got)
		}
		w.Write([]byte(`{"data":[{"id":"a"}],"has_more":true}`))
	}))
	defer srv.Close()

	var out struct {
		Data    []map[string]interface{} `json:"data"`
		HasMore bool                     `json:"has_more"`
	}
	err := testClient(1).DoJSON(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, &out)
	if err != nil {
		t.Fatalf("DoJSON failed: %v", err)
	}
	if len(out.Data) != 1 || out.Data[0]["id"] != "a" || !out.HasMore {
		t.Errorf("unexpected decode: %+v", out)
	}
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	err := testClient(3).DoJSON(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := testClient(2).DoJSON(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var transient *syncerrors.TransientError
	if !errors.As(err, &transient) {
		t.Errorf("error %T does not wrap TransientError", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("server saw %d calls, want 2", got)
	}
}

func TestAuthFailureShortCircuits(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer srv.Close()

	err := testClient(5).DoJSON(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, nil)
	var authErr *syncerrors.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error %T is not AuthError", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("auth failure retried: %d calls", got)
	}
}

func TestRateLimitHonoursRetryAfter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	start := time.Now()
	err := testClient(3).DoJSON(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("expected recovery after 429, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("retry happened after %s, before the Retry-After window", elapsed)
	}
}

func TestQueryMergesWithExistingParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("a") != "1" || r.URL.Query().Get("b") != "2" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	req := Request{Method: http.MethodGet, URL: srv.URL + "?a=1"}
	req.Query = map[string][]string{"b": {"2"}}
	if err := testClient(1).DoJSON(context.Background(), req, nil); err != nil {
		t.Fatal(err)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header http.Header
		check  func(t *testing.T, err error)
	}{
		{
			name:   "200 is nil",
			status: http.StatusOK,
			check: func(t *testing.T, err error) {
				if err != nil {
					t.Errorf("got %v", err)
				}
			},
		},
		{
			name:   "403 is auth",
			status: http.StatusForbidden,
			check: func(t *testing.T, err error) {
				var e *syncerrors.AuthError
				if !errors.As(err, &e) {
					t.Errorf("got %T", err)
				}
			},
		},
		{
			name:   "429 carries retry-after",
			status: http.StatusTooManyRequests,
			header: http.Header{"Retry-After": []string{"12"}},
			check: func(t *testing.T, err error) {
				var e *syncerrors.RateLimitError
				if !errors.As(err, &e) {
					t.Fatalf("got %T", err)
				}
				if e.RetryAfter != 12*time.Second {
					t.Errorf("RetryAfter = %v", e.RetryAfter)
				}
			},
		},
		{
			name:   "408 is transient",
			status: http.StatusRequestTimeout,
			check: func(t *testing.T, err error) {
				var e *syncerrors.TransientError
				if !errors.As(err, &e) {
					t.Errorf("got %T", err)
				}
			},
		},
		{
			name:   "404 is upstream",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				var e *syncerrors.UpstreamError
				if !errors.As(err, &e) {
					t.Errorf("got %T", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tt.status,
				Status:     http.StatusText(tt.status),
				Header:     tt.header,
			}
			if resp.Header == nil {
				resp.Header = http.Header{}
			}
			tt.check(t, classifyStatus(resp, nil))
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("empty header = %v", got)
	}
	if got := parseRetryAfter("30"); got != 30*time.Second {
		t.Errorf("seconds form = %v", got)
	}
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got < 80*time.Second || got > 90*time.Second {
		t.Errorf("http-date form = %v", got)
	}
	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(past); got != 0 {
		t.Errorf("past http-date = %v", got)
	}
}

func TestTruncateBoundsErrorBody(t *testing.T) {
	long := make([]byte, maxErrorBodyBytes*2)
	for i := range long {
		long[i] = 'x'
	}
	if got := truncate(long); len(got) != maxErrorBodyBytes {
		t.Errorf("truncate kept %d bytes", len(got))
	}
	if got := truncate([]byte("short")); got != "short" {
		t.Errorf("short body mangled: %q", got)
	}
}

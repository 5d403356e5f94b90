package source

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// testClient builds a client against a test server with fast retries
// and a quiet logger.
func testClient(t *testing.T, srv *httptest.Server, cfg Config) *Client {
	t.Helper()
	cfg.BaseURL = srv.URL
	cfg.Backoff = time.Millisecond
	cfg.Logger = log.New(io.Discard, "", 0)
	if cfg.Query == "" {
		cfg.Query = "project = MSS ORDER BY created DESC"
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c
}

func TestFetchPage(t *testing.T) {
	var gotBody searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rest/api/2/search" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if user, _, ok := r.BasicAuth(); !ok || user != "kim@example.com" {
			t.Errorf("basic auth user = %q, ok = %t", user, ok)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"startAt": 50, "maxResults": 2, "total": 42,
			"issues": [
				{"key": "MSS-1", "fields": {"summary": "First", "votes": 3}},
				{"key": "", "fields": {"summary": "No key"}},
				{"key": "MSS-2", "fields": {"summary": "Second"}}
			]
		}`)
	}))
	defer srv.Close()

	c := testClient(t, srv, Config{Email: "kim@example.com", Token: "secret"})

	page, err := c.FetchPage(context.Background(), 50, 2)
	if err != nil {
		t.Fatalf("FetchPage() failed: %v", err)
	}

	if gotBody.JQL != "project = MSS ORDER BY created DESC" || gotBody.StartAt != 50 || gotBody.MaxResults != 2 {
		t.Errorf("request body = %+v", gotBody)
	}
	if page.Total != 42 {
		t.Errorf("total = %d, want 42", page.Total)
	}
	// The keyless entry is skipped, not fatal.
	if len(page.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(page.Records))
	}
	if page.Records[0].Key != "MSS-1" || page.Records[1].Key != "MSS-2" {
		t.Errorf("record keys = %s, %s", page.Records[0].Key, page.Records[1].Key)
	}
}

func TestFetchPage_RetriesServerFaults(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "upstream flaked", http.StatusBadGateway)
			return
		}
		io.WriteString(w, `{"total": 0, "issues": []}`)
	}))
	defer srv.Close()

	c := testClient(t, srv, Config{Token: "secret"})

	page, err := c.FetchPage(context.Background(), 0, 100)
	if err != nil {
		t.Fatalf("FetchPage() failed after retries: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(page.Records) != 0 {
		t.Errorf("got %d records, want none", len(page.Records))
	}
}

func TestFetchPage_AuthErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(t, srv, Config{Token: "wrong"})

	_, err := c.FetchPage(context.Background(), 0, 100)
	if err == nil {
		t.Fatal("FetchPage() succeeded with bad credentials")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (auth failures are not retryable)", calls)
	}

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("error = %T, want *FetchError", err)
	}
	if fetchErr.Status != http.StatusUnauthorized || fetchErr.Retryable {
		t.Errorf("error = status %d retryable %t", fetchErr.Status, fetchErr.Retryable)
	}
}

func TestFetchPage_RetryBudgetExhausted(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "still down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(t, srv, Config{Token: "secret", MaxRetries: 2})

	_, err := c.FetchPage(context.Background(), 0, 100)
	if err == nil {
		t.Fatal("FetchPage() succeeded against a dead server")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (first try + 2 retries)", calls)
	}

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || !fetchErr.Retryable {
		t.Errorf("error = %v, want a retryable *FetchError", err)
	}
}

func TestListFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/rest/api/2/field" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		io.WriteString(w, `[
			{"id": "summary", "name": "Summary", "schema": {"type": "string"}},
			{"id": "issuekey", "name": "Key"},
			{"id": "nameless", "name": ""},
			{"id": "customfield_10010", "name": "Sprint", "schema": {"type": "array"}}
		]`)
	}))
	defer srv.Close()

	c := testClient(t, srv, Config{Token: "secret"})

	fields, err := c.ListFields(context.Background())
	if err != nil {
		t.Fatalf("ListFields() failed: %v", err)
	}

	if len(fields) != 3 {
		t.Fatalf("got %d fields, want 3 (nameless one skipped)", len(fields))
	}
	if fields[0].Type != "string" {
		t.Errorf("summary type = %q, want string", fields[0].Type)
	}
	// System fields without a schema keep an empty type and fall back
	// to the default column type downstream.
	if fields[1].ID != "issuekey" || fields[1].Type != "" {
		t.Errorf("schema-less field = %+v", fields[1])
	}
	if fields[2].Type != "array" {
		t.Errorf("sprint type = %q, want array", fields[2].Type)
	}
}

func TestVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/2/myself" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		io.WriteString(w, `{"name": "kim"}`)
	}))
	defer srv.Close()

	c := testClient(t, srv, Config{Token: "secret"})
	if err := c.Verify(context.Background()); err != nil {
		t.Errorf("Verify() failed: %v", err)
	}
}

func TestVerify_Forbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := testClient(t, srv, Config{Token: "secret"})
	if err := c.Verify(context.Background()); err == nil {
		t.Error("Verify() succeeded against a 403")
	}
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() succeeded without a base URL")
	}
}

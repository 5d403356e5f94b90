// Package source implements the tracker REST client: paginated record
// search and field metadata listing.
//
// The client speaks the tracker's search API (POST /rest/api/2/search
// with startAt/maxResults windows and an advisory total) and retries
// transient faults with bounded exponential backoff. An error returned
// from a client method means the retry budget is exhausted.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/karstenwade/flatsync/internal/reconcile"
	"github.com/karstenwade/flatsync/internal/record"
)

const (
	searchPath = "/rest/api/2/search"
	fieldsPath = "/rest/api/2/field"
	myselfPath = "/rest/api/2/myself"

	defaultMaxRetries = 3
	defaultBackoff    = 500 * time.Millisecond
	defaultTimeout    = 30 * time.Second
)

// FetchError is a failed tracker call. Retryable faults (network
// errors, 5xx, 429) are retried up to the budget before being returned;
// everything else (auth, bad request) surfaces immediately.
type FetchError struct {
	Op        string
	Status    int
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("tracker %s failed with status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("tracker %s failed: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Config carries the connection settings for a tracker.
type Config struct {
	// BaseURL is the tracker root, e.g. "https://tracker.example.com".
	BaseURL string

	// Email and Token authenticate as basic auth. With an empty Email
	// the token is sent as a bearer token instead.
	Email string
	Token string

	// Query overrides the generated search query entirely.
	Query string

	// Projects restricts the search to the listed project keys.
	Projects []string

	// Since narrows the search to records updated after this point.
	// Accepts natural language ("2 weeks ago") or YYYY-MM-DD.
	Since string

	// MaxRetries bounds retry attempts per call (default 3).
	MaxRetries int

	// Backoff is the initial retry delay, doubled per attempt
	// (default 500ms).
	Backoff time.Duration

	// Timeout bounds each HTTP request (default 30s).
	Timeout time.Duration

	// Logger receives retry and skip warnings. Defaults to stderr.
	Logger *log.Logger
}

// Client is a tracker REST client. It implements reconcile.Source.
type Client struct {
	baseURL    string
	email      string
	token      string
	query      string
	maxRetries int
	backoff    time.Duration
	http       *http.Client
	logger     *log.Logger
}

// New creates a tracker client from the config, building the search
// query from the project list and the since expression unless an
// explicit query is given.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tracker base URL is required")
	}

	query := cfg.Query
	if query == "" {
		var err error
		query, err = BuildQuery(cfg.Projects, cfg.Since, time.Now())
		if err != nil {
			return nil, err
		}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[source] ", log.LstdFlags)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		email:      cfg.Email,
		token:      cfg.Token,
		query:      query,
		maxRetries: maxRetries,
		backoff:    backoff,
		http:       &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// Query returns the search query the client was built with.
func (c *Client) Query() string {
	return c.query
}

// searchRequest is the search endpoint's request body.
type searchRequest struct {
	JQL        string `json:"jql"`
	StartAt    int    `json:"startAt"`
	MaxResults int    `json:"maxResults"`
}

// searchResponse is the search endpoint's response body.
type searchResponse struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []issue `json:"issues"`
}

type issue struct {
	Key    string          `json:"key"`
	Fields json.RawMessage `json:"fields"`
}

// FetchPage implements reconcile.Source.
//
// Records that fail to parse are logged and skipped; the page's
// remaining records still flow. The returned total is the tracker's
// advisory count.
func (c *Client) FetchPage(ctx context.Context, startAt, pageSize int) (*reconcile.Page, error) {
	var resp searchResponse
	req := searchRequest{JQL: c.query, StartAt: startAt, MaxResults: pageSize}
	if err := c.do(ctx, http.MethodPost, searchPath, req, &resp); err != nil {
		return nil, err
	}

	page := &reconcile.Page{
		Records: make([]*record.Record, 0, len(resp.Issues)),
		Total:   resp.Total,
	}
	for _, iss := range resp.Issues {
		rec, err := record.New(iss.Key, iss.Fields)
		if err != nil {
			c.logger.Printf("WARNING: skipping record %q: %v", iss.Key, err)
			continue
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// wireField is one entry of the field listing; the tracker nests the
// type under a schema object that system fields may lack.
type wireField struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Schema struct {
		Type string `json:"type"`
	} `json:"schema"`
}

// ListFields fetches the tracker's field metadata for the schema
// provisioner. Fields without a declared schema keep an empty type and
// fall back to the default column type downstream.
func (c *Client) ListFields(ctx context.Context) ([]record.Field, error) {
	var wire []wireField
	if err := c.do(ctx, http.MethodGet, fieldsPath, nil, &wire); err != nil {
		return nil, err
	}

	fields := make([]record.Field, 0, len(wire))
	for _, f := range wire {
		field := record.Field{ID: f.ID, Name: f.Name, Type: f.Schema.Type}
		if err := field.Validate(); err != nil {
			c.logger.Printf("WARNING: skipping field %q: %v", f.ID, err)
			continue
		}
		fields = append(fields, field)
	}
	return fields, nil
}

// Verify checks the base URL and credentials with a cheap
// authenticated call.
func (c *Client) Verify(ctx context.Context) error {
	var out map[string]any
	return c.do(ctx, http.MethodGet, myselfPath, nil, &out)
}

// do runs one call with the retry budget.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	backoff := c.backoff
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Printf("retrying %s %s in %s (attempt %d/%d): %v",
				method, path, backoff, attempt, c.maxRetries, lastErr)
			select {
			case <-ctx.Done():
				return &FetchError{Op: path, Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var fetchErr *FetchError
		if errors.As(err, &fetchErr) && !fetchErr.Retryable {
			return err
		}
	}
	return lastErr
}

// doOnce runs a single HTTP round trip.
func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.email != "" {
		req.SetBasicAuth(c.email, c.token)
	} else if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &FetchError{Op: path, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &FetchError{
			Op:        path,
			Status:    resp.StatusCode,
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:       fmt.Errorf("%s", strings.TrimSpace(string(snippet))),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &FetchError{Op: path, Retryable: true, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

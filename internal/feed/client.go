// Package feed is the HTTP client for a running tabflow daemon. The CLI and
// external event producers use it.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/lazypower/tabflow/internal/engine"
	"github.com/lazypower/tabflow/internal/store"
)

const (
	defaultServerURL = "http://127.0.0.1:37777"
	httpTimeout      = 5 * time.Second
)

// Client talks to the tabflow server.
type Client struct {
	http      *http.Client
	serverURL string
}

// NewClient creates a client for serverURL. An empty URL falls back to
// TABFLOW_URL, then http://127.0.0.1:37777.
func NewClient(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("TABFLOW_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: serverURL,
	}
}

// URL returns the server base URL.
func (c *Client) URL() string {
	return c.serverURL
}

// Event is the wire form of an activity event.
type Event struct {
	Kind   string `json:"kind"`
	Handle int64  `json:"handle,omitempty"`
	Value  bool   `json:"value"`
	Domain string `json:"domain,omitempty"`
	Title  string `json:"title,omitempty"`
	URL    string `json:"url,omitempty"`
	Icon   string `json:"icon,omitempty"`
}

// History is one page of the reclaimed-tab history.
type History struct {
	Tabs  []store.ReclaimedTab `json:"tabs"`
	Total int                  `json:"total"`
}

// Health is the daemon's health report.
type Health struct {
	Status    string  `json:"status"`
	Version   string  `json:"version"`
	Uptime    float64 `json:"uptime"`
	DB        bool    `json:"db"`
	DBPath    string  `json:"db_path"`
	Browser   bool    `json:"browser"`
	Resources int     `json:"resources"`
}

// do sends a request with an optional JSON body and returns the response body.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", path, err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return data, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	data, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.Health(ctx)
	return err == nil
}

// Health fetches the health report.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.doJSON(ctx, http.MethodGet, "/api/health", nil, &h)
	return h, err
}

// SendEvent posts one activity event.
func (c *Client) SendEvent(ctx context.Context, ev Event) error {
	return c.doJSON(ctx, http.MethodPost, "/api/events", ev, nil)
}

// Snapshot fetches every tracked resource.
func (c *Client) Snapshot(ctx context.Context) (engine.Snapshot, error) {
	var snap engine.Snapshot
	err := c.doJSON(ctx, http.MethodGet, "/api/resources", nil, &snap)
	return snap, err
}

// Policy fetches the active policy.
func (c *Client) Policy(ctx context.Context) (engine.Policy, error) {
	var p engine.Policy
	err := c.doJSON(ctx, http.MethodGet, "/api/policy", nil, &p)
	return p, err
}

// SetPolicy replaces the active policy and returns what the server applied.
func (c *Client) SetPolicy(ctx context.Context, p engine.Policy) (engine.Policy, error) {
	var out engine.Policy
	err := c.doJSON(ctx, http.MethodPut, "/api/policy", p, &out)
	return out, err
}

// ApplyPreset switches to an aggressiveness level.
func (c *Client) ApplyPreset(ctx context.Context, level string) (engine.Policy, error) {
	var out engine.Policy
	err := c.doJSON(ctx, http.MethodPost, "/api/policy/preset/"+url.PathEscape(level), nil, &out)
	return out, err
}

// ResetScores restores every score to the maximum.
func (c *Client) ResetScores(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/scores/reset", nil, nil)
}

// History lists reclaimed tabs, newest first. A limit <= 0 lists all.
func (c *Client) History(ctx context.Context, limit int) (History, error) {
	path := "/api/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var h History
	err := c.doJSON(ctx, http.MethodGet, path, nil, &h)
	return h, err
}

// Restore reopens a reclaimed tab and removes it from history.
func (c *Client) Restore(ctx context.Context, id int64) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/history/%d/restore", id), nil, nil)
}

// DeleteHistory removes one history entry.
func (c *Client) DeleteHistory(ctx context.Context, id int64) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/history/%d", id), nil, nil)
}

// ClearHistory removes every history entry and returns how many were removed.
func (c *Client) ClearHistory(ctx context.Context) (int64, error) {
	var out struct {
		Removed int64 `json:"removed"`
	}
	err := c.doJSON(ctx, http.MethodDelete, "/api/history", nil, &out)
	return out.Removed, err
}

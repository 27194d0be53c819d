package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tributary/internal/changes"
	"tributary/internal/llmlock"
)

// Client talks to a running `tributary serve` over its HTTP API. The status
// dashboard and the lock command use it.
type Client struct {
	base string
	http *http.Client
}

// NewClient accepts either a host:port or a full URL.
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		if strings.HasPrefix(base, ":") {
			base = "127.0.0.1" + base
		}
		base = "http://" + base
	}
	return &Client{base: base, http: &http.Client{Timeout: 30 * time.Second}}
}

// BaseURL is the normalized server address.
func (c *Client) BaseURL() string { return c.base }

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out)
	return out, err
}

func (c *Client) LockStatus(ctx context.Context) (llmlock.State, error) {
	var out llmlock.State
	err := c.do(ctx, http.MethodGet, "/v1/system/llm_lock", nil, &out)
	return out, err
}

// SetLock acquires (locked=true) or releases the LLM lock.
func (c *Client) SetLock(ctx context.Context, locked bool, ttl time.Duration, token string) (llmlock.SetResult, error) {
	body := map[string]any{"locked": locked, "token": token}
	if ttl > 0 {
		body["ttl_seconds"] = ttl.Seconds()
	}
	var out llmlock.SetResult
	err := c.do(ctx, http.MethodPost, "/v1/system/llm_lock", body, &out)
	return out, err
}

// Scan triggers a manual reconciliation scan.
func (c *Client) Scan(ctx context.Context) (changes.ScanReport, error) {
	var out changes.ScanReport
	err := c.do(ctx, http.MethodPost, "/v1/scan", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

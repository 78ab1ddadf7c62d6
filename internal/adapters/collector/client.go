// Package collector triggers shard collections on the external scraping worker.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/target/mmk-fanout/internal/core"
	"github.com/target/mmk-fanout/internal/domain/analysis"
)

const maxErrorBody = 4 << 10

// Config describes how to reach the collection worker.
type Config struct {
	BaseURL   string
	DatasetID string
	Token     string
	Timeout   time.Duration
	Client    *http.Client
}

// Client implements core.CollectionTrigger over HTTP.
type Client struct {
	triggerURL *url.URL
	datasetID  string
	token      string
	client     *http.Client
}

var _ core.CollectionTrigger = (*Client)(nil)

type triggerResponse struct {
	SnapshotID string `json:"snapshot_id"`
}

// NewClient builds a collection client. BaseURL and DatasetID are required.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("collection base url is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid collection base url %q", base)
	}
	datasetID := strings.TrimSpace(cfg.DatasetID)
	if datasetID == "" {
		return nil, errors.New("collection dataset id is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		triggerURL: u.JoinPath("trigger"),
		datasetID:  datasetID,
		token:      strings.TrimSpace(cfg.Token),
		client:     hc,
	}, nil
}

// Trigger starts collection for one shard and returns the worker's snapshot id. Every
// failure is a *analysis.LaunchError; HTTP failures carry the status code.
func (c *Client) Trigger(ctx context.Context, req core.TriggerRequest) (string, error) {
	handle, status, err := c.trigger(ctx, req)
	if err != nil {
		return "", &analysis.LaunchError{ShardIndex: req.ShardIndex, StatusCode: status, Err: err}
	}
	return handle, nil
}

func (c *Client) trigger(ctx context.Context, req core.TriggerRequest) (string, int, error) {
	u := *c.triggerURL
	q := u.Query()
	q.Set("dataset_id", c.datasetID)
	q.Set("endpoint", req.CallbackURL)
	u.RawQuery = q.Encode()

	body := req.Payload
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("create trigger request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", 0, fmt.Errorf("trigger request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", resp.StatusCode, fmt.Errorf("collection trigger %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out triggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("decode trigger response: %w", err)
	}
	if strings.TrimSpace(out.SnapshotID) == "" {
		return "", 0, errors.New("trigger response missing snapshot_id")
	}
	return out.SnapshotID, 0, nil
}

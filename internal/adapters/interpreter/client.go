// Package interpreter calls the external interpretation worker.
package interpreter

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
)

const (
	maxResponseBody = 8 << 20
	maxErrorBody    = 4 << 10
)

// Config describes how to reach the interpretation worker.
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

// Client implements core.Interpreter over HTTP.
type Client struct {
	url    string
	token  string
	client *http.Client
}

var _ core.Interpreter = (*Client)(nil)

type interpretRequest struct {
	ShardRawResult      json.RawMessage `json:"shard_raw_result"`
	ShardPromptTemplate string          `json:"shard_prompt_template"`
}

// NewClient builds an interpretation client.
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, errors.New("interpretation url is required")
	}
	if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid interpretation url %q", raw)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{url: raw, token: strings.TrimSpace(cfg.Token), client: hc}, nil
}

// Interpret sends one shard's raw evidence and prompt template and returns the
// structured JSON the worker produced.
func (c *Client) Interpret(ctx context.Context, req core.InterpretRequest) (json.RawMessage, error) {
	if len(req.RawResult) == 0 {
		return nil, errors.New("raw result is empty")
	}
	body, err := json.Marshal(interpretRequest{
		ShardRawResult:      req.RawResult,
		ShardPromptTemplate: req.PromptTemplate,
	})
	if err != nil {
		return nil, fmt.Errorf("encode interpretation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create interpretation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("interpretation request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("interpretation worker %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read interpretation response: %w", err)
	}
	out = bytes.TrimSpace(out)
	if len(out) == 0 || !json.Valid(out) {
		return nil, errors.New("interpretation response is not valid JSON")
	}
	return json.RawMessage(out), nil
}

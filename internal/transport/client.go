// Package transport implements the HTTP client for the sync server's pull
// and push endpoints.
//
// The client is an explicitly passed dependency: the engine receives a
// constructed *Client (or a fake implementing the same small surface) and
// never reaches for a process-wide singleton. Every call carries a bounded
// timeout so a dead network cannot leave a cycle stuck in syncing.
package transport

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
)

// Error codes the server uses in 4xx responses.
const (
	CodeUnknownTable  = "unknown_table"
	CodeUnknownColumn = "unknown_column"
	CodeEmptyBatch    = "empty_batch"
)

// APIError is a structured non-2xx response from the sync server.
type APIError struct {
	StatusCode  int
	Code        string
	Message     string
	ValidTables []string
}

func (e *APIError) Error() string {
	if len(e.ValidTables) > 0 {
		return fmt.Sprintf("server error %d (%s): %s (valid tables: %s)",
			e.StatusCode, e.Code, e.Message, strings.Join(e.ValidTables, ", "))
	}
	return fmt.Sprintf("server error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// IsSchemaError reports whether err is the server's signal that the
// requested time column does not exist on the table's schema.
func IsSchemaError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeUnknownColumn
}

// IsClientError reports whether err is a 4xx the caller cannot fix by
// retrying (unknown table, empty batch, schema drift).
func IsClientError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

// errorEnvelope is the server's error body shape.
type errorEnvelope struct {
	Error struct {
		Code        string   `json:"code"`
		Message     string   `json:"message"`
		ValidTables []string `json:"validTables,omitempty"`
	} `json:"error"`
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the sync server root, e.g. "https://sync.example.com".
	BaseURL string

	// HTTPClient is the underlying client. Defaults to http.DefaultClient;
	// tests inject an httptest client here.
	HTTPClient *http.Client

	// Timeout bounds each request. Defaults to 30s; a zero timeout is
	// never allowed through.
	Timeout time.Duration

	// Logger for request activity (default: stderr logger)
	Logger *log.Logger
}

// Client talks to the sync server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *log.Logger
}

// New creates a sync server client.
func New(config *Config) (*Client, error) {
	if config == nil || config.BaseURL == "" {
		return nil, fmt.Errorf("transport: base URL cannot be empty")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// Pull fetches one page of changed records for a table.
func (c *Client) Pull(ctx context.Context, req *PullRequest) (*PullResponse, error) {
	var resp PullResponse
	if err := c.post(ctx, "/v1/pull", req, &resp); err != nil {
		return nil, fmt.Errorf("pull %s: %w", req.Table, err)
	}
	return &resp, nil
}

// Push submits a batch of changes.
func (c *Client) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	var resp PushResponse
	if err := c.post(ctx, "/v1/push", req, &resp); err != nil {
		return nil, fmt.Errorf("push: %w", err)
	}
	return &resp, nil
}

// Ping probes the server's health endpoint. A nil return means the device
// is online.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return nil
}

// post sends a JSON request and decodes the JSON response, mapping non-2xx
// bodies to *APIError.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Printf("WARNING: POST %s failed: %v", path, err)
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: "unknown", Message: http.StatusText(resp.StatusCode)}
		var envelope errorEnvelope
		if json.Unmarshal(data, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.ValidTables = envelope.Error.ValidTables
		}
		c.logger.Printf("WARNING: POST %s returned %d (%s)", path, resp.StatusCode, apiErr.Code)
		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

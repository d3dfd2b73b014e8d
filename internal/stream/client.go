package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client streams turns from the hosted agent endpoint. It implements
// Source.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// ClientConfig configures the agent endpoint client.
type ClientConfig struct {
	// Endpoint is the URL of the agent turn endpoint (required).
	Endpoint string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// HTTPClient overrides the default client. The default has no
	// overall timeout: streams are long-lived and cancellation is the
	// caller's mechanism.
	HTTPClient *http.Client
}

// NewClient creates an agent endpoint client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("stream: endpoint is required")
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		}
	}
	return &Client{
		endpoint:   config.Endpoint,
		apiKey:     config.APIKey,
		httpClient: httpClient,
	}, nil
}

// Stream opens the turn stream. The request is cancelled and the
// transport released when ctx is cancelled.
func (c *Client) Stream(ctx context.Context, req *TurnRequest) (<-chan Event, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("stream: encode turn request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("stream: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("stream: open: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("stream: endpoint returned %d: %s", resp.StatusCode, snippet)
	}

	return NewDecoder(resp.Body).Events(ctx), nil
}

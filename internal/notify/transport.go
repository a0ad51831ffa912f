package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrEndpointNotFound signals the primary protocol's distinguishable
// "endpoint not found" failure, the only condition that triggers the
// legacy fallback.
var ErrEndpointNotFound = errors.New("push endpoint not found")

// ErrMissingLegacyKey is returned when the primary endpoint 404s and no
// fallback credential is configured. This is a hard error, never
// swallowed.
var ErrMissingLegacyKey = errors.New("legacy push key not configured")

// Batch is one multicast push request, at most 500 tokens.
type Batch struct {
	Tokens []string `json:"tokens"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	// CollapseKey is the per-message identifier: a redelivery replaces
	// the visual slot of the previous notification for this message.
	CollapseKey string `json:"collapse_key"`
	// ThreadKey groups notifications by conversation.
	ThreadKey string            `json:"thread_key"`
	Data      map[string]string `json:"data,omitempty"`
}

// TokenResult is one token's outcome within a batch.
type TokenResult struct {
	Token        string `json:"token"`
	Error        string `json:"error,omitempty"`
	Unregistered bool   `json:"unregistered,omitempty"`
}

// Result is a batch's per-token outcome.
type Result struct {
	Results []TokenResult `json:"results"`
}

// Unregistered returns the tokens the service reported as
// invalid/unregistered.
func (r *Result) Unregistered() []string {
	var tokens []string
	for _, res := range r.Results {
		if res.Unregistered {
			tokens = append(tokens, res.Token)
		}
	}
	return tokens
}

// Transport delivers one push batch.
type Transport interface {
	Send(ctx context.Context, batch Batch) (*Result, error)
}

// HTTPTransport posts batches as JSON to a push endpoint. A 404 from the
// endpoint maps to ErrEndpointNotFound; everything else non-2xx is an
// opaque failure.
type HTTPTransport struct {
	url    string
	apiKey string // empty for the primary protocol
	client *http.Client
}

// NewHTTPTransport creates a transport for the given endpoint. apiKey,
// when set, is sent as a bearer credential (the legacy protocol).
func NewHTTPTransport(url, apiKey string) *HTTPTransport {
	return &HTTPTransport{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Send posts the batch and decodes per-token results.
func (t *HTTPTransport) Send(ctx context.Context, batch Batch) (*Result, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send batch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrEndpointNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("push endpoint returned status %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &result, nil
}

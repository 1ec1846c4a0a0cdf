// Package resolver is a client for the contact resolution gateway.
package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// Record is a CRM record returned by the gateway
type Record struct {
	ID           string `json:"id"`
	PipelineID   string `json:"pipeline_id,omitempty"`
	PipelineSlug string `json:"pipeline_slug,omitempty"`
	Title        string `json:"title,omitempty"`
}

// MatchDetails explains why a record matched
type MatchDetails struct {
	MatchedBy    string `json:"matched_by,omitempty"`
	MatchedField string `json:"matched_field,omitempty"`
	MatchedValue string `json:"matched_value,omitempty"`
}

// Match is one candidate record with its confidence
type Match struct {
	Record       Record       `json:"record"`
	Confidence   float64      `json:"confidence"`
	MatchDetails MatchDetails `json:"match_details"`
}

// ResolveInput is a resolution request
type ResolveInput struct {
	Schema        string            `json:"tenant_schema,omitempty"`
	Identifiers   map[string]string `json:"identifiers"`
	MinConfidence float64           `json:"min_confidence"`
}

// ResolveOutput lists the candidate matches
type ResolveOutput struct {
	Matches []Match `json:"matches"`
}

// Client is an HTTP resolution gateway client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ClientOption is a function that configures the Client
type ClientOption func(*Client)

// WithAPIKey sets the API key
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithTimeout sets the request timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a new resolution gateway client
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError represents an error from the resolution gateway
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("resolver API error: %s (status: %d)", e.Message, e.StatusCode)
}

// ResolveContacts asks the gateway for records matching the identifiers
func (c *Client) ResolveContacts(ctx context.Context, in ResolveInput) (*ResolveOutput, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/resolve", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}

	var out ResolveOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}

// Noop never matches; used when no resolution gateway is configured
type Noop struct{}

// ResolveContacts returns no matches
func (Noop) ResolveContacts(context.Context, ResolveInput) (*ResolveOutput, error) {
	return &ResolveOutput{}, nil
}

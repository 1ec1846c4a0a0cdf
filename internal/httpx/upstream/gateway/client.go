// Package gateway is a client for the unified messaging gateway that fronts
// every provider account (WhatsApp, mail, LinkedIn, ...).
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Client is a unified gateway API client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ClientOption is a function that configures the Client
type ClientOption func(*Client)

// WithBaseURL sets the gateway base URL
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithAPIKey sets the X-API-KEY credential
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

// New creates a new gateway client
func New(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents an error from the gateway
type APIError struct {
	StatusCode int    `json:"status"`
	Type       string `json:"type"`
	Title      string `json:"title"`
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Title
	}
	return fmt.Sprintf("gateway API error: %s (status: %d, type: %s)", msg, e.StatusCode, e.Type)
}

// Page is one page of a cursor-paginated listing
type Page struct {
	Items  []map[string]any
	Cursor string
}

// HasMore reports whether another page can be fetched
func (p Page) HasMore() bool {
	return p.Cursor != ""
}

type pageResponse struct {
	Items  []map[string]any `json:"items"`
	Cursor json.RawMessage  `json:"cursor"`
}

func (r pageResponse) page() Page {
	return Page{Items: r.Items, Cursor: NormalizeCursor(r.Cursor)}
}

// NormalizeCursor turns the gateway's cursor field into an opaque token.
// null, "", {} and [] all mean there is no further page.
func NormalizeCursor(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	switch s {
	case "", "null", `""`, "{}", "[]":
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return strings.TrimSpace(str)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil && len(obj) == 0 {
		return ""
	}
	return s
}

// GetConversationsInput selects chats of an account
type GetConversationsInput struct {
	AccountID string
	// AttendeeID narrows the listing to chats with one attendee
	AttendeeID string
	Cursor     string
	Limit      int
	After      *time.Time
}

// GetConversations lists chats of an account
func (c *Client) GetConversations(ctx context.Context, in GetConversationsInput) (*Page, error) {
	params := url.Values{}
	params.Set("account_id", in.AccountID)
	setPaging(params, in.Cursor, in.Limit)
	if in.After != nil {
		params.Set("after", in.After.UTC().Format(time.RFC3339))
	}

	endpoint := "/api/v1/chats"
	if in.AttendeeID != "" {
		endpoint = "/api/v1/chat_attendees/" + url.PathEscape(in.AttendeeID) + "/chats"
	}

	var resp pageResponse
	if err := c.get(ctx, endpoint, params, &resp); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	page := resp.page()
	return &page, nil
}

// GetMessagesInput selects messages of a chat
type GetMessagesInput struct {
	ChatID string
	Cursor string
	Limit  int
}

// GetMessages lists messages of a chat
func (c *Client) GetMessages(ctx context.Context, in GetMessagesInput) (*Page, error) {
	params := url.Values{}
	setPaging(params, in.Cursor, in.Limit)

	var resp pageResponse
	if err := c.get(ctx, "/api/v1/chats/"+url.PathEscape(in.ChatID)+"/messages", params, &resp); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	page := resp.page()
	return &page, nil
}

// SendMessageInput is an outbound chat message
type SendMessageInput struct {
	ChatID string `json:"-"`
	Text   string `json:"text"`
}

// SendMessageOutput identifies the sent message
type SendMessageOutput struct {
	MessageID string `json:"message_id"`
}

// SendMessage sends a text message into a chat
func (c *Client) SendMessage(ctx context.Context, in SendMessageInput) (*SendMessageOutput, error) {
	var out SendMessageOutput
	if err := c.send(ctx, http.MethodPost, "/api/v1/chats/"+url.PathEscape(in.ChatID)+"/messages", in, &out); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}
	return &out, nil
}

// MarkAsRead marks every message of a chat as read
func (c *Client) MarkAsRead(ctx context.Context, chatID string) error {
	body := map[string]any{"action": "setReadStatus", "value": true}
	if err := c.send(ctx, http.MethodPatch, "/api/v1/chats/"+url.PathEscape(chatID), body, nil); err != nil {
		return fmt.Errorf("marking chat as read: %w", err)
	}
	return nil
}

// AccountInfo describes a connected provider account
type AccountInfo struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Name             string         `json:"name"`
	CreatedAt        string         `json:"created_at"`
	ConnectionParams map[string]any `json:"connection_params"`
	Sources          []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"sources"`
}

// GetAccountInfo fetches an account's details
func (c *Client) GetAccountInfo(ctx context.Context, accountID string) (*AccountInfo, error) {
	var out AccountInfo
	if err := c.get(ctx, "/api/v1/accounts/"+url.PathEscape(accountID), nil, &out); err != nil {
		return nil, fmt.Errorf("getting account: %w", err)
	}
	return &out, nil
}

// SyncHistoryInput asks the gateway to resynchronize an account
type SyncHistoryInput struct {
	AccountID string
	Since     *time.Time
}

// SyncHistoryOutput reports the accepted resync
type SyncHistoryOutput struct {
	Object string `json:"object"`
	Status string `json:"status"`
}

// SyncHistory triggers a history resync of an account
func (c *Client) SyncHistory(ctx context.Context, in SyncHistoryInput) (*SyncHistoryOutput, error) {
	params := url.Values{}
	if in.Since != nil {
		params.Set("after", in.Since.UTC().Format(time.RFC3339))
	}
	var out SyncHistoryOutput
	if err := c.get(ctx, "/api/v1/accounts/"+url.PathEscape(in.AccountID)+"/sync", params, &out); err != nil {
		return nil, fmt.Errorf("syncing account history: %w", err)
	}
	return &out, nil
}

func setPaging(params url.Values, cursor string, limit int) {
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{}
		if err := json.Unmarshal(body, apiErr); err != nil || (apiErr.Detail == "" && apiErr.Title == "") {
			return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if out != nil && len(body) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}

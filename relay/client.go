// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bureau-foundation/backchannel/store"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the root of the relay API (e.g. "https://chat.example.com/api").
	BaseURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client talks to the relay API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient validates the base URL and creates a client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("relay: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("relay: invalid BaseURL %q: %w", config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// DirectConversation is the response to OpenDirect: the conversation,
// its most recent page of messages, and the cursor for older history.
type DirectConversation struct {
	Conversation store.Conversation `json:"conversation"`
	Messages     []store.Message    `json:"messages"`
	NextCursor   *string            `json:"nextCursor"`
}

// HistoryPage is one page of older messages.
type HistoryPage struct {
	Messages   []store.Message `json:"messages"`
	NextCursor *string         `json:"nextCursor"`
}

// OpenDirect opens (or resumes) the direct conversation with a friend
// and returns the first page of history.
func (c *Client) OpenDirect(ctx context.Context, friendID string, limit int) (*DirectConversation, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/conversations/direct", map[string]any{
		"friendId": friendID,
		"limit":    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("relay: opening direct conversation: %w", err)
	}

	var response DirectConversation
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("relay: parsing direct conversation response: %w", err)
	}
	return &response, nil
}

// PostMessage sends a message through the relay. clientMessageID is
// the idempotency key; posting the same one twice returns the same
// canonical message.
func (c *Client) PostMessage(ctx context.Context, conversationID, body, clientMessageID string) (*store.Message, error) {
	responseBody, err := c.doRequest(ctx, http.MethodPost,
		"/conversations/"+url.PathEscape(conversationID)+"/messages",
		map[string]any{
			"body":            body,
			"clientMessageId": clientMessageID,
		})
	if err != nil {
		return nil, fmt.Errorf("relay: posting message: %w", err)
	}

	var response struct {
		Message store.Message `json:"message"`
	}
	if err := json.Unmarshal(responseBody, &response); err != nil {
		return nil, fmt.Errorf("relay: parsing message response: %w", err)
	}
	return &response.Message, nil
}

// History fetches a page of messages older than cursor. An empty
// cursor fetches from the newest.
func (c *Client) History(ctx context.Context, conversationID, cursor string, limit int) (*HistoryPage, error) {
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages?limit=" + strconv.Itoa(limit)
	if cursor != "" {
		path += "&cursor=" + url.QueryEscape(cursor)
	}
	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: fetching history: %w", err)
	}

	var response HistoryPage
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("relay: parsing history response: %w", err)
	}
	return &response, nil
}

// SetMode records the preferred transport mode server-side so other
// devices of the same user pick it up.
func (c *Client) SetMode(ctx context.Context, conversationID, mode string) error {
	_, err := c.doRequest(ctx, http.MethodPost,
		"/conversations/"+url.PathEscape(conversationID)+"/mode",
		map[string]any{"mode": mode})
	if err != nil {
		return fmt.Errorf("relay: setting mode: %w", err)
	}
	return nil
}

// doRequest performs one API call and returns the raw response body.
// Non-2xx responses are parsed into *APIError.
func (c *Client) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var requestBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		requestBody = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, requestBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		apiErr := &APIError{StatusCode: response.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil || apiErr.Code == "" {
			apiErr.Code = "UNKNOWN"
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return nil, apiErr
	}

	return body, nil
}

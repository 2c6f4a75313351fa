// Package rest is the client for the server's message history and
// persistence endpoints. Realtime delivery happens over the transport; this
// client is the durable path the dispatcher and cache reconcile against.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/matheus3301/pulse/internal/store"
	"go.uber.org/zap"
)

// TokenSource supplies the session's bearer token.
type TokenSource interface {
	Token() (string, error)
}

// Client calls the message REST API.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a REST client with a bounded request timeout.
func NewClient(baseURL string, tokens TokenSource, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// wireMessage is the server's JSON representation of a message.
type wireMessage struct {
	ID         string `json:"id"`
	TempID     string `json:"tempId,omitempty"`
	ChatID     string `json:"chatId"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	CreatedAt  int64  `json:"createdAt"`
}

func (w *wireMessage) toStore() store.Message {
	status := store.Status(w.Status)
	if status == "" {
		status = store.StatusSent
	}
	return store.Message{
		CorrelationID:  w.TempID,
		ServerID:       w.ID,
		ConversationID: w.ChatID,
		SenderID:       w.SenderID,
		ReceiverID:     w.ReceiverID,
		Body:           w.Message,
		Type:           w.Type,
		Status:         status,
		CreatedAt:      w.CreatedAt,
	}
}

// HistoryPage is one page of conversation history.
type HistoryPage struct {
	Messages []store.Message
	HasMore  bool
}

type historyResponse struct {
	Messages []wireMessage `json:"messages"`
	HasMore  bool          `json:"hasMore"`
}

// History fetches a page of messages exchanged with a partner, oldest first
// within the page. lastSeen (unix ms) lets the server skip already-synced
// history; pass zero to fetch unconditionally.
func (c *Client) History(ctx context.Context, partnerID string, page, limit int, lastSeen int64) (*HistoryPage, error) {
	q := url.Values{}
	q.Set("partnerId", partnerID)
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	if lastSeen > 0 {
		q.Set("lastSeen", strconv.FormatInt(lastSeen, 10))
	}

	var resp historyResponse
	if err := c.doJSON(ctx, http.MethodGet, "/message?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	msgs := make([]store.Message, 0, len(resp.Messages))
	for i := range resp.Messages {
		msgs = append(msgs, resp.Messages[i].toStore())
	}
	return &HistoryPage{Messages: msgs, HasMore: resp.HasMore}, nil
}

// SendRequest is the durable persistence request for an outgoing message.
type SendRequest struct {
	ReceiverID string `json:"receiverId"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	TempID     string `json:"tempId"`
}

// SendMessage persists a message. The returned record is authoritative for
// the server id and createdAt timestamp.
func (c *Client) SendMessage(ctx context.Context, req *SendRequest) (*store.Message, error) {
	var resp wireMessage
	if err := c.doJSON(ctx, http.MethodPost, "/message/send", req, &resp); err != nil {
		return nil, err
	}
	msg := resp.toStore()
	if msg.CorrelationID == "" {
		msg.CorrelationID = req.TempID
	}
	return &msg, nil
}

// MarkRead marks a single message as read.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	return c.doJSON(ctx, http.MethodPatch, "/message/"+url.PathEscape(messageID)+"/read", nil, nil)
}

// MarkAllRead marks every message from a partner as read.
func (c *Client) MarkAllRead(ctx context.Context, partnerID string) error {
	body := map[string]string{"partnerId": partnerID}
	return c.doJSON(ctx, http.MethodPatch, "/message/read-all", body, nil)
}

type conversationsResponse struct {
	Conversations []struct {
		PartnerID   string `json:"partnerId"`
		PartnerName string `json:"partnerName"`
		LastMessage string `json:"lastMessage"`
		LastAt      int64  `json:"lastAt"`
		UnreadCount int    `json:"unreadCount"`
		IsOnline    bool   `json:"isOnline"`
	} `json:"conversations"`
}

// Conversations returns the user's conversation list with presence flags.
func (c *Client) Conversations(ctx context.Context) ([]store.Conversation, error) {
	var resp conversationsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/message/conversations", nil, &resp); err != nil {
		return nil, err
	}
	convs := make([]store.Conversation, 0, len(resp.Conversations))
	for _, raw := range resp.Conversations {
		convs = append(convs, store.Conversation{
			PartnerID:   raw.PartnerID,
			PartnerName: raw.PartnerName,
			LastMessage: raw.LastMessage,
			LastAt:      raw.LastAt,
			UnreadCount: raw.UnreadCount,
			IsOnline:    raw.IsOnline,
		})
	}
	return convs, nil
}

// UnreadCount returns the total number of unread messages.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/message/unread-count", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// doJSON performs an authenticated JSON request. A nil out discards the
// response body.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(data)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// APIError is a non-2xx response from the message API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: HTTP %d: %s", e.Status, e.Body)
}

// IsAuthError reports whether the error is an authentication rejection that
// should be treated as terminal rather than retried.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
}

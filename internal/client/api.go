// Package client is the Go SDK for dm-service: a REST client, a reconnecting
// realtime connection and a per-conversation View that keeps a timeline in sync.
package client

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

	"dm-service/internal/models"
)

// API is the REST client. One API value serves one authenticated user.
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPI builds an API. A nil httpClient uses a client with a 15s timeout.
func NewAPI(baseURL, token string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

func (a *API) ListConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var resp struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	if err := a.do(ctx, http.MethodGet, "/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (a *API) StartConversation(ctx context.Context, peerID int64) (models.Conversation, error) {
	var conv models.Conversation
	err := a.do(ctx, http.MethodPost, "/conversations", map[string]int64{"peer_id": peerID}, &conv)
	return conv, err
}

// FetchOlder pages back from cursor; nil starts at the newest message.
func (a *API) FetchOlder(ctx context.Context, conversationID int64, cursor *int64, limit int) (models.Page, error) {
	q := url.Values{"direction": {"older"}}
	if cursor != nil {
		q.Set("cursor", strconv.FormatInt(*cursor, 10))
	}
	return a.page(ctx, conversationID, q, limit)
}

// FetchNewer returns messages after cursor.
func (a *API) FetchNewer(ctx context.Context, conversationID int64, cursor int64, limit int) (models.Page, error) {
	q := url.Values{"direction": {"newer"}, "cursor": {strconv.FormatInt(cursor, 10)}}
	return a.page(ctx, conversationID, q, limit)
}

func (a *API) page(ctx context.Context, conversationID int64, q url.Values, limit int) (models.Page, error) {
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page models.Page
	path := fmt.Sprintf("/conversations/%d/messages?%s", conversationID, q.Encode())
	err := a.do(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

func (a *API) CreateMessage(ctx context.Context, conversationID int64, req models.CreateMessageRequest) (models.Message, error) {
	var msg models.Message
	err := a.do(ctx, http.MethodPost, fmt.Sprintf("/conversations/%d/messages", conversationID), req, &msg)
	return msg, err
}

// SendToUser messages a user, creating the conversation on first contact.
func (a *API) SendToUser(ctx context.Context, userID int64, req models.CreateMessageRequest) (models.Conversation, models.Message, error) {
	var resp struct {
		Conversation models.Conversation `json:"conversation"`
		Message      models.Message      `json:"message"`
	}
	err := a.do(ctx, http.MethodPost, fmt.Sprintf("/users/%d/messages", userID), req, &resp)
	return resp.Conversation, resp.Message, err
}

func (a *API) MarkRead(ctx context.Context, conversationID int64) (models.ReadReceipt, error) {
	var receipt models.ReadReceipt
	err := a.do(ctx, http.MethodPost, fmt.Sprintf("/conversations/%d/read", conversationID), nil, &receipt)
	return receipt, err
}

func (a *API) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &APIError{Kind: KindUnexpected, Err: err}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return &APIError{Kind: KindUnexpected, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return &APIError{Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &APIError{Kind: KindTransient, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}

	var payload struct {
		Error string `json:"error"`
		Field string `json:"field"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload)
	return &APIError{Kind: kindForStatus(resp.StatusCode), Status: resp.StatusCode, Message: payload.Error, Field: payload.Field}
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusBadRequest:
		return KindValidation
	case status == http.StatusUnauthorized:
		return KindUnauthenticated
	case status == http.StatusForbidden:
		return KindNotAuthorized
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests, status >= 500:
		return KindTransient
	default:
		return KindUnexpected
	}
}

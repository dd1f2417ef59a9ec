// Package gateway is the client for the portal's storage/API server. The
// sync core only ever talks to the server through the Client interface, so
// tests substitute fakes and the daemon substitutes the HTTP implementation.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Phuociter/medichat/internal/store"
)

// Client is the storage/API server boundary consumed by the sync core.
type Client interface {
	FetchConversations(ctx context.Context, page, size int) ([]store.Conversation, error)
	FetchMessages(ctx context.Context, conversationID string, page, size int) (*MessagePage, error)
	SendMessage(ctx context.Context, req SendRequest) (*store.Message, error)
	MarkConversationRead(ctx context.Context, conversationID string) error
}

// MessagePage is one page of a conversation's history.
type MessagePage struct {
	Messages   []store.Message
	TotalCount int
	HasMore    bool
}

// SendRequest carries one outbound message. ConversationID is empty when
// the send creates a new thread; the server then resolves RecipientID.
type SendRequest struct {
	ConversationID string             `json:"conversation_id,omitempty"`
	RecipientID    string             `json:"recipient_id,omitempty"`
	Body           string             `json:"body"`
	Attachments    []store.Attachment `json:"attachments,omitempty"`
}

// APIError is a server-reported rejection (validation, authorization,
// business rule). Distinguished from transport errors so the pipeline can
// label the failure for display and metrics.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server rejected request: %s (%s, http %d)", e.Message, e.Code, e.StatusCode)
}

// HTTPClient talks JSON over HTTP to the portal API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient creates a gateway client for the given base URL.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

type wireConversation struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	ParticipantID      string `json:"participant_id"`
	ParticipantName    string `json:"participant_name"`
	UnreadCount        int    `json:"unread_count"`
	LastMessageAt      int64  `json:"last_message_at"`
	LastMessagePreview string `json:"last_message_preview"`
}

type wireMessage struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversation_id"`
	SenderID       string             `json:"sender_id"`
	SenderName     string             `json:"sender_name"`
	Body           string             `json:"body"`
	Attachments    []store.Attachment `json:"attachments"`
	FromMe         bool               `json:"from_me"`
	Status         string             `json:"status"`
	Timestamp      int64              `json:"timestamp"`
}

func (c *HTTPClient) FetchConversations(ctx context.Context, page, size int) ([]store.Conversation, error) {
	var out struct {
		Conversations []wireConversation `json:"conversations"`
	}
	if err := c.get(ctx, "/api/v1/conversations", pageQuery(page, size), &out); err != nil {
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}
	convs := make([]store.Conversation, 0, len(out.Conversations))
	for _, w := range out.Conversations {
		convs = append(convs, store.Conversation{
			ID:                 w.ID,
			Title:              w.Title,
			ParticipantID:      w.ParticipantID,
			ParticipantName:    w.ParticipantName,
			UnreadCount:        w.UnreadCount,
			LastMessageAt:      w.LastMessageAt,
			LastMessagePreview: w.LastMessagePreview,
		})
	}
	return convs, nil
}

func (c *HTTPClient) FetchMessages(ctx context.Context, conversationID string, page, size int) (*MessagePage, error) {
	var out struct {
		Messages   []wireMessage `json:"messages"`
		TotalCount int           `json:"total_count"`
		HasMore    bool          `json:"has_more"`
	}
	path := "/api/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.get(ctx, path, pageQuery(page, size), &out); err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	p := &MessagePage{TotalCount: out.TotalCount, HasMore: out.HasMore}
	for _, w := range out.Messages {
		p.Messages = append(p.Messages, w.toStore())
	}
	return p, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, req SendRequest) (*store.Message, error) {
	var out struct {
		Message wireMessage `json:"message"`
	}
	if err := c.post(ctx, "/api/v1/messages", req, &out); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	m := out.Message.toStore()
	return &m, nil
}

func (c *HTTPClient) MarkConversationRead(ctx context.Context, conversationID string) error {
	path := "/api/v1/conversations/" + url.PathEscape(conversationID) + "/read"
	if err := c.post(ctx, path, struct{}{}, nil); err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	return nil
}

func (w wireMessage) toStore() store.Message {
	status := w.Status
	if status == "" {
		status = store.StatusReceived
	}
	return store.Message{
		ConversationID: w.ConversationID,
		MsgID:          w.ID,
		SenderID:       w.SenderID,
		SenderName:     w.SenderName,
		Body:           w.Body,
		Attachments:    w.Attachments,
		FromMe:         w.FromMe,
		Status:         status,
		Timestamp:      w.Timestamp,
	}
}

func pageQuery(page, size int) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(size))
	return q
}

func (c *HTTPClient) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: "unknown", Message: resp.Status}
		var body struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&body); decodeErr == nil && body.Error.Code != "" {
			apiErr.Code = body.Error.Code
			apiErr.Message = body.Error.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

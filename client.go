// Package rtchat is the client-side realtime synchronization engine for the
// chat backend: connection lifecycle, message reconciliation, and roster
// synchronization over one websocket plus the REST collaborators.
//
// Example:
//
//	sess := rtchat.NewSession("https://chat.example.com", rtchat.Credential{
//		UserID: "u1",
//		Token:  token,
//	})
//	if err := sess.Start(ctx); err != nil { ... }
//	defer sess.Close()
//
//	sess.OpenConversation(ctx, "u2", 50)
//	msg, err := sess.Conversation.Send(ctx, "hi", nil)
package rtchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client is the REST side of the chat backend: history fetch, message send,
// media upload, roster snapshot, and identity lookup. The realtime socket is
// handled separately by ConnManager; outbound messages always use this HTTP
// path, so socket unavailability never blocks sending.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the backend base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client's logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a REST client. token may be empty before authentication;
// set it later with SetToken.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, apiError(resp.StatusCode, data)
	}
	return data, nil
}

// apiError decodes a server error body, falling back to the status code.
func apiError(status int, body []byte) error {
	var e APIError
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return &e
	}
	return &APIError{Code: strconv.Itoa(status), Message: http.StatusText(status)}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// REST collaborators
// ============================================================================

// SendRequest is the outbound message payload. Exactly one of ReceiverID and
// GroupID must be set.
type SendRequest struct {
	Content    string `json:"content"`
	ReceiverID string `json:"receiver_id,omitempty"`
	GroupID    string `json:"group_id,omitempty"`
	MediaURL   string `json:"media_url,omitempty"`
	MediaType  string `json:"media_type,omitempty"`
}

// History fetches one page of conversation history with counterpartID.
// The server returns messages newest-first; callers who want chronological
// order reverse them.
func (c *Client) History(ctx context.Context, counterpartID string, limit, offset int) ([]Message, error) {
	query := map[string]string{
		"limit":  strconv.Itoa(limit),
		"offset": strconv.Itoa(offset),
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/messages/"+counterpartID+"/", nil, query)
	if err != nil {
		return nil, err
	}
	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return messages, nil
}

// Send submits a message and returns the server-confirmed copy, whose id and
// timestamp are authoritative.
func (c *Client) Send(ctx context.Context, req SendRequest) (*Message, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/messages/", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// UploadMedia uploads a file and returns its media descriptor.
func (c *Client) UploadMedia(ctx context.Context, fileName string, r io.Reader) (*MediaRef, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload/", &buf)
	if err != nil {
		return nil, fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, apiError(resp.StatusCode, data)
	}
	return decodeJSON[MediaRef](data)
}

// Roster fetches the full roster snapshot, aggregated server-side with each
// counterpart's last message.
func (c *Client) Roster(ctx context.Context) ([]RosterItem, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/chats/", nil, nil)
	if err != nil {
		return nil, err
	}
	var items []RosterItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("unmarshal roster: %w", err)
	}
	return items, nil
}

// Lookup resolves an identity snapshot by id.
func (c *Client) Lookup(ctx context.Context, id string) (*Identity, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/users/"+id+"/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Identity](data)
}

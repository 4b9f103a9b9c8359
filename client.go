// Package convsync keeps a client-side view of one chat conversation in
// sync with its backend: messages, thread replies, reactions, read
// receipts and join counts.
//
// Example:
//
//	client := convsync.NewClient(token, convsync.WithBaseURL("https://chat.example.com"))
//	feed := convsync.NewWSSubscriber(client.BaseURL(), &convsync.RealtimeConfig{Token: token})
//	engine := convsync.New(client, feed, convsync.StaticSession(userID))
//
//	engine.On(convsync.EventStateChanged, func(string, any) { render(engine.Snapshot()) })
//	if err := engine.Open(ctx, "conv-123"); err != nil { ... }
//	defer engine.Close()
//
//	engine.SendMessage(ctx, convsync.SendRequest{Text: "hello"})
//	engine.ToggleReaction(ctx, "msg-1", "👍")
package convsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of Backend and MediaUploader.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithToken overrides the token passed to NewClient.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithRateLimit paces outgoing requests to r per second with the given burst.
func WithRateLimit(r float64, burst int) ClientOption {
	return func(c *Client) {
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// NewClient creates a backend client authenticating with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

var (
	_ Backend       = (*Client)(nil)
	_ MediaUploader = (*Client)(nil)
)

// ============================================================================
// Internal request helper
// ============================================================================

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrNetwork, err)
	}
	return parseEnvelope(resp.StatusCode, data)
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// parseEnvelope unwraps {ok, data, error}. Non-2xx statuses always fail,
// with the envelope's error when it has one.
func parseEnvelope(status int, data []byte) (json.RawMessage, error) {
	var env envelope
	decodeErr := json.Unmarshal(data, &env)

	if status >= 300 || (decodeErr == nil && !env.OK) {
		apiErr := env.Error
		if decodeErr != nil || apiErr == nil {
			apiErr = &APIError{Code: "HTTP_" + strconv.Itoa(status), Message: strings.TrimSpace(string(data))}
		}
		if status >= 300 {
			apiErr.Status = status
		}
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", decodeErr)
	}
	return env.Data, nil
}

func decodeJSON[T any](data []byte) (T, error) {
	var result T
	if len(data) == 0 || string(data) == "null" {
		return result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result, nil
}

func request[T any](ctx context.Context, c *Client, method, path string, body interface{}) (T, error) {
	data, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeJSON[T](data)
}

// ============================================================================
// Reads
// ============================================================================

func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]Message, error) {
	return request[[]Message](ctx, c, "GET", "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil)
}

func (c *Client) FetchThread(ctx context.Context, rootID string) ([]Message, error) {
	return request[[]Message](ctx, c, "GET", "/api/messages/"+url.PathEscape(rootID)+"/thread", nil)
}

func (c *Client) FetchReactions(ctx context.Context, messageIDs []string) ([]Reaction, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	return request[[]Reaction](ctx, c, "POST", "/api/reactions/query", map[string]interface{}{"messageIds": messageIDs})
}

func (c *Client) FetchReceipts(ctx context.Context, messageIDs []string) ([]Receipt, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	return request[[]Receipt](ctx, c, "POST", "/api/receipts/query", map[string]interface{}{"messageIds": messageIDs})
}

func (c *Client) FetchJoinCounts(ctx context.Context, ids []string) (map[string]int, error) {
	if len(ids) == 0 {
		return map[string]int{}, nil
	}
	return request[map[string]int](ctx, c, "POST", "/api/messages/join-counts", map[string]interface{}{"ids": ids})
}

// ============================================================================
// Writes
// ============================================================================

func (c *Client) InsertMessage(ctx context.Context, draft Draft) (Message, error) {
	return request[Message](ctx, c, "POST", "/api/conversations/"+url.PathEscape(draft.ConversationID)+"/messages", draft)
}

func (c *Client) UpdateMessage(ctx context.Context, id string, patch MessagePatch) error {
	_, err := c.doRequest(ctx, "PATCH", "/api/messages/"+url.PathEscape(id), patch)
	return err
}

func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, "DELETE", "/api/messages/"+url.PathEscape(id), nil)
	return err
}

func (c *Client) UpsertReaction(ctx context.Context, r Reaction) error {
	_, err := c.doRequest(ctx, "PUT", "/api/messages/"+url.PathEscape(r.MessageID)+"/reactions", r)
	return err
}

func (c *Client) DeleteReaction(ctx context.Context, messageID, userID string) error {
	path := "/api/messages/" + url.PathEscape(messageID) + "/reactions/" + url.PathEscape(userID)
	_, err := c.doRequest(ctx, "DELETE", path, nil)
	return err
}

func (c *Client) InsertReceipts(ctx context.Context, receipts []Receipt) error {
	_, err := c.doRequest(ctx, "POST", "/api/receipts", map[string]interface{}{"receipts": receipts})
	return err
}

// ============================================================================
// Uploads
// ============================================================================

type presignResult struct {
	UploadID string            `json:"uploadId"`
	URL      string            `json:"url"`
	Fields   map[string]string `json:"fields,omitempty"`
}

type confirmResult struct {
	UploadID string `json:"uploadId"`
	CdnURL   string `json:"cdnUrl"`
}

// Upload stores data and returns its public URL (presign, multipart
// upload, confirm). Every failure wraps ErrUpload.
func (c *Client) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	fileName := "attachment"
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		fileName += exts[0]
	}

	presign, err := request[presignResult](ctx, c, "POST", "/api/files/presign", map[string]interface{}{
		"fileName": fileName,
		"fileSize": len(data),
		"mimeType": contentType,
	})
	if err != nil {
		return "", fmt.Errorf("%w: presign: %w", ErrUpload, err)
	}

	// Build multipart form
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	isExternal := strings.HasPrefix(presign.URL, "http")
	if isExternal {
		for k, v := range presign.Fields {
			_ = w.WriteField(k, v)
		}
	}
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("%w: create form file: %w", ErrUpload, err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("%w: write file data: %w", ErrUpload, err)
	}
	_ = w.Close()

	uploadURL := presign.URL
	if !isExternal {
		uploadURL = c.baseURL + presign.URL
	}
	req, err := http.NewRequestWithContext(ctx, "POST", uploadURL, &buf)
	if err != nil {
		return "", fmt.Errorf("%w: create upload request: %w", ErrUpload, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if !isExternal {
		c.setAuthHeaders(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: status %d: %s", ErrUpload, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	confirmed, err := request[confirmResult](ctx, c, "POST", "/api/files/confirm/"+url.PathEscape(presign.UploadID), nil)
	if err != nil {
		return "", fmt.Errorf("%w: confirm: %w", ErrUpload, err)
	}
	if confirmed.CdnURL == "" {
		return "", fmt.Errorf("%w: confirm returned no url", ErrUpload)
	}
	return confirmed.CdnURL, nil
}

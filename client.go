// Package chat implements a per-conversation chat engine: an ordered message
// view with optimistic sends, reactions, typing presence, read cursors,
// attachment uploads, realtime subscriptions with recovery, retention
// sweeping, and the event-based lock policy.
//
// Example:
//
//	client := chat.NewClient(token, chat.WithBaseURL("https://chat.example.com"))
//	transport := chat.NewWSTransport(client.BaseURL(), &chat.RealtimeConfig{Token: token})
//	identity, _ := chat.NewTokenIdentity(token, nil)
//
//	engine := chat.NewEngine(client, client, transport, identity, nil)
//	conv, _ := engine.Open(ctx, chat.ConversationRef{ID: "conv-1", Kind: chat.ConversationGroup, EventID: "evt-1"})
//	defer conv.Close()
//
//	conv.Send(ctx, chat.SendOptions{Text: "See you there"})
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultBaseURL = "http://localhost:8787"
	DefaultTimeout = 30 * time.Second
)

// ErrConflict is returned for 409 responses. Writes that are idempotent by
// contract treat it as success.
var ErrConflict = errors.New("conflicting write")

// ============================================================================
// Client
// ============================================================================

// Client is the REST client of the chat server. It implements Store and
// AssetStore.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
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

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a client authenticating with token, which may be empty.
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

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the server root.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, p string, body interface{}, query url.Values) (*Result, error) {
	u := c.baseURL + p
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)

	op := method + " " + p
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transient(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transient(op, err)
	}

	var result Result
	if jsonErr := json.Unmarshal(data, &result); jsonErr != nil && resp.StatusCode < 300 {
		return nil, errors.Wrapf(jsonErr, "%s: decode response", op)
	}
	if err := statusError(op, resp.StatusCode, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// statusError maps an HTTP status and error envelope onto the error taxonomy.
func statusError(op string, status int, result *Result) error {
	apiErr := result.Error
	if apiErr == nil && (status >= 300 || !result.OK) {
		apiErr = &APIError{Code: strconv.Itoa(status), Message: http.StatusText(status)}
	}
	switch {
	case status >= 500:
		return transient(op, apiErr)
	case status == http.StatusForbidden:
		return errors.Wrapf(ErrForbidden, "%s: %s", op, apiErr.Message)
	case status == http.StatusNotFound:
		return errors.Wrapf(ErrNotFound, "%s: %s", op, apiErr.Message)
	case status == http.StatusConflict:
		return errors.Wrapf(ErrConflict, "%s: %s", op, apiErr.Message)
	case status == http.StatusLocked:
		return errors.Wrapf(ErrConversationLocked, "%s: %s", op, apiErr.Message)
	case status >= 300 || !result.OK:
		return errors.WithMessage(apiErr, op)
	}
	return nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func decodeResult[T any](r *Result) (T, error) {
	var v T
	if err := r.Decode(&v); err != nil {
		return v, errors.Wrap(err, "decode response data")
	}
	return v, nil
}

func ignoreConflict(err error) error {
	if errors.Is(err, ErrConflict) {
		return nil
	}
	return err
}

func escape(segments ...string) string {
	out := make([]string, len(segments))
	for i, s := range segments {
		out[i] = url.PathEscape(s)
	}
	return "/" + strings.Join(out, "/")
}

// Health checks that the server is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/healthz", nil, nil)
	return err
}

// ============================================================================
// Store
// ============================================================================

func (c *Client) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	res, err := c.doRequest(ctx, http.MethodPost,
		escape("api", "conversations", msg.ConversationID, "messages"), msg, nil)
	if err != nil {
		return Message{}, err
	}
	return decodeResult[Message](res)
}

func (c *Client) ListMessages(ctx context.Context, conversationID string, before *Cursor, limit int) ([]Message, error) {
	q := url.Values{}
	if before != nil {
		q.Set("before_at", before.CreatedAt.UTC().Format(time.RFC3339Nano))
		q.Set("before_id", before.ID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	res, err := c.doRequest(ctx, http.MethodGet,
		escape("api", "conversations", conversationID, "messages"), nil, q)
	if err != nil {
		return nil, err
	}
	return decodeResult[[]Message](res)
}

// GetMessage returns one message by id.
func (c *Client) GetMessage(ctx context.Context, messageID string) (Message, error) {
	res, err := c.doRequest(ctx, http.MethodGet, escape("api", "messages", messageID), nil, nil)
	if err != nil {
		return Message{}, err
	}
	return decodeResult[Message](res)
}

func (c *Client) UpdateMessage(ctx context.Context, msg Message) error {
	_, err := c.doRequest(ctx, http.MethodPatch, escape("api", "messages", msg.ID), msg, nil)
	return err
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, escape("api", "messages", messageID), nil, nil)
	return ignoreConflict(ignoreNotFound(err))
}

func (c *Client) ListReactions(ctx context.Context, conversationID string) ([]Reaction, error) {
	res, err := c.doRequest(ctx, http.MethodGet,
		escape("api", "conversations", conversationID, "reactions"), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[[]Reaction](res)
}

func (c *Client) UpsertReaction(ctx context.Context, r Reaction) error {
	_, err := c.doRequest(ctx, http.MethodPut,
		escape("api", "messages", r.MessageID, "reactions", r.UserID), r, nil)
	return ignoreConflict(err)
}

func (c *Client) DeleteReaction(ctx context.Context, messageID, userID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete,
		escape("api", "messages", messageID, "reactions", userID), nil, nil)
	return ignoreConflict(ignoreNotFound(err))
}

func (c *Client) UpsertTyping(ctx context.Context, s TypingState) error {
	_, err := c.doRequest(ctx, http.MethodPut,
		escape("api", "conversations", s.ConversationID, "typing", s.UserID), s, nil)
	return err
}

func (c *Client) UpsertReadCursor(ctx context.Context, rc ReadCursor) error {
	_, err := c.doRequest(ctx, http.MethodPut,
		escape("api", "conversations", rc.ConversationID, "read-cursors", rc.UserID), rc, nil)
	return ignoreConflict(err)
}

func (c *Client) GetReadCursor(ctx context.Context, conversationID, userID string) (ReadCursor, error) {
	res, err := c.doRequest(ctx, http.MethodGet,
		escape("api", "conversations", conversationID, "read-cursors", userID), nil, nil)
	if err != nil {
		return ReadCursor{}, err
	}
	return decodeResult[ReadCursor](res)
}

func (c *Client) ListAttachmentsOlderThan(ctx context.Context, ts time.Time) ([]Message, error) {
	q := url.Values{"older_than": {ts.UTC().Format(time.RFC3339Nano)}}
	res, err := c.doRequest(ctx, http.MethodGet, "/api/attachments", nil, q)
	if err != nil {
		return nil, err
	}
	return decodeResult[[]Message](res)
}

func (c *Client) GetEvent(ctx context.Context, eventID string) (EventInfo, error) {
	res, err := c.doRequest(ctx, http.MethodGet, escape("api", "events", eventID), nil, nil)
	if err != nil {
		return EventInfo{}, err
	}
	return decodeResult[EventInfo](res)
}

// PutEvent creates or replaces an event row.
func (c *Client) PutEvent(ctx context.Context, ev EventInfo) error {
	_, err := c.doRequest(ctx, http.MethodPut, escape("api", "events", ev.ID), ev, nil)
	return err
}

// ============================================================================
// AssetStore
// ============================================================================

// PresignRequest asks the server for an upload slot.
type PresignRequest struct {
	Path     string `json:"path"`
	FileSize int64  `json:"file_size"`
	MimeType string `json:"mime_type,omitempty"`
}

// PresignResult is an upload slot. A relative URL is on the chat server and
// takes the client's credentials; an absolute one is a storage bucket that
// takes Fields instead.
type PresignResult struct {
	UploadID  string            `json:"upload_id"`
	URL       string            `json:"url"`
	Fields    map[string]string `json:"fields,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// ConfirmResult describes a stored object.
type ConfirmResult struct {
	Path string `json:"path"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// PutObject uploads data to path through presign, multipart upload and
// confirm, and returns the object's URL.
func (c *Client) PutObject(ctx context.Context, data []byte, objectPath string) (string, error) {
	res, err := c.doRequest(ctx, http.MethodPost, "/api/assets/presign", &PresignRequest{
		Path:     objectPath,
		FileSize: int64(len(data)),
		MimeType: guessMimeType(objectPath),
	}, nil)
	if err != nil {
		return "", errors.WithMessage(err, "presign")
	}
	presign, err := decodeResult[PresignResult](res)
	if err != nil {
		return "", err
	}

	if err := c.uploadForm(ctx, presign, path.Base(objectPath), data); err != nil {
		return "", err
	}

	res, err = c.doRequest(ctx, http.MethodPost, "/api/assets/confirm",
		map[string]string{"upload_id": presign.UploadID}, nil)
	if err != nil {
		return "", errors.WithMessage(err, "confirm upload")
	}
	confirmed, err := decodeResult[ConfirmResult](res)
	if err != nil {
		return "", err
	}
	return confirmed.URL, nil
}

func (c *Client) uploadForm(ctx context.Context, presign PresignResult, fileName string, data []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	isBucket := strings.HasPrefix(presign.URL, "http")
	if isBucket {
		for k, v := range presign.Fields {
			_ = w.WriteField(k, v)
		}
	}
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return errors.Wrap(err, "create form file")
	}
	if _, err := part.Write(data); err != nil {
		return errors.Wrap(err, "write file data")
	}
	_ = w.Close()

	uploadURL := presign.URL
	if !isBucket {
		uploadURL = c.baseURL + presign.URL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &buf)
	if err != nil {
		return errors.Wrap(err, "create upload request")
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if !isBucket {
		c.setAuthHeaders(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transient("upload", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		err := errors.Errorf("upload failed (%d): %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 500 {
			return transient("upload", err)
		}
		return err
	}
	return nil
}

// DeleteObject removes the object at path. Missing objects are not an error.
func (c *Client) DeleteObject(ctx context.Context, objectPath string) error {
	segments := append([]string{"api", "assets"}, strings.Split(strings.Trim(objectPath, "/"), "/")...)
	_, err := c.doRequest(ctx, http.MethodDelete, escape(segments...), nil, nil)
	return ignoreNotFound(err)
}

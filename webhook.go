package chat

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// SignatureHeader carries the HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Drynks-Signature"

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is a row change pushed by the database, addressed to the
// conversation (or event) identified by Key.
type WebhookPayload struct {
	Source    string `json:"source,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Key       string `json:"key"`
	Change    Change `json:"change"`
}

// Topic returns the realtime topic the change belongs on.
func (p *WebhookPayload) Topic() string {
	return Topic(p.Change.Table, p.Key)
}

// ============================================================================
// Standalone Functions
// ============================================================================

// SignWebhook returns the signature header value for body.
func SignWebhook(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks an HMAC-SHA256 signature in constant time.
// The "sha256=" prefix is optional.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := strings.TrimPrefix(SignWebhook(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload decodes and validates a webhook body.
func ParseWebhookPayload(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Wrap(err, "invalid JSON in webhook body")
	}

	switch payload.Change.Table {
	case TableMessages, TableReactions, TableTyping, TableEvents:
	case "":
		return nil, errors.New("missing change table")
	default:
		return nil, errors.Errorf("unknown change table: %s", payload.Change.Table)
	}
	switch payload.Change.Type {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return nil, errors.Errorf("unknown change type: %q", payload.Change.Type)
	}
	if payload.Key == "" {
		return nil, errors.New("missing key in webhook payload")
	}
	if len(payload.Change.New) == 0 && len(payload.Change.Old) == 0 {
		return nil, ErrEmptyChange
	}
	return &payload, nil
}

// ============================================================================
// WebhookReceiver
// ============================================================================

// WebhookReceiver verifies signed change webhooks and publishes them to
// realtime subscribers.
type WebhookReceiver struct {
	secret string
	pub    Publisher
	maxAge time.Duration
	now    func() time.Time
}

// NewWebhookReceiver creates a receiver publishing to pub.
func NewWebhookReceiver(secret string, pub Publisher) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if pub == nil {
		return nil, errors.New("webhook publisher is required")
	}
	return &WebhookReceiver{
		secret: secret,
		pub:    pub,
		maxAge: 5 * time.Minute,
		now:    time.Now,
	}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookReceiver) Verify(body []byte, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a webhook request (verify, parse, publish) and returns
// the status code and response body for the caller to write.
func (w *WebhookReceiver) Handle(ctx context.Context, body []byte, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if payload.Timestamp != 0 {
		age := w.now().Sub(time.Unix(payload.Timestamp, 0))
		if age > w.maxAge || age < -w.maxAge {
			return http.StatusBadRequest, map[string]string{"error": "Stale webhook timestamp"}
		}
	}

	if err := w.pub.Publish(ctx, payload.Topic(), payload.Change); err != nil {
		jww.WARN.Printf("[chat] publish webhook change to %s: %+v", payload.Topic(), err)
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// ServeHTTP implements http.Handler.
func (w *WebhookReceiver) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
		return
	}
	defer r.Body.Close()

	status, data := w.Handle(r.Context(), body, r.Header.Get(SignatureHeader))
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}

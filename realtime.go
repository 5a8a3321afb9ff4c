package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"nhooyr.io/websocket"
)

// ============================================================================
// Transport contract
// ============================================================================

// Transport delivers table changes published on a topic. Delivery is
// at-least-once and unordered across topics.
type Transport interface {
	Subscribe(ctx context.Context, topic string, tables ...string) (Subscription, error)
}

// Subscription is one live topic feed. Changes is closed when the feed ends;
// Err then reports why, or nil after Close.
type Subscription interface {
	Changes() <-chan Change
	Err() error
	Close() error
}

// ============================================================================
// Wire format
// ============================================================================

// Envelope types exchanged on the realtime websocket.
const (
	EnvelopeAuthenticated = "authenticated"
	EnvelopeSubscribe     = "subscribe"
	EnvelopeSubscribed    = "subscribed"
	EnvelopeChange        = "change"
	EnvelopePing          = "ping"
	EnvelopePong          = "pong"
	EnvelopeError         = "error"
)

// AuthenticatedPayload is sent when a realtime connection is authenticated.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// SubscribePayload asks the server to stream a topic.
type SubscribePayload struct {
	Topic  string   `json:"topic"`
	Tables []string `json:"tables,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// RealtimeEnvelope is the wire format for all realtime messages.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures realtime transports and subscription recovery.
type RealtimeConfig struct {
	Token                string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport subscribes to topics over the chat server's realtime
// websocket, one connection per subscription.
type WSTransport struct {
	baseURL string
	config  RealtimeConfig
}

// NewWSTransport creates a websocket transport for the server at baseURL.
func NewWSTransport(baseURL string, config *RealtimeConfig) *WSTransport {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &WSTransport{baseURL: strings.TrimRight(baseURL, "/"), config: cfg}
}

// URL returns the websocket endpoint.
func (t *WSTransport) URL() string {
	base := strings.Replace(t.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if t.config.Token != "" {
		return base + "/realtime?token=" + url.QueryEscape(t.config.Token)
	}
	return base + "/realtime"
}

// Subscribe dials the server, waits for authentication and subscribes to
// topic. ctx bounds the handshake only.
func (t *WSTransport) Subscribe(ctx context.Context, topic string, tables ...string) (Subscription, error) {
	conn, _, err := websocket.Dial(ctx, t.URL(), &websocket.DialOptions{HTTPClient: t.config.HTTPClient})
	if err != nil {
		return nil, transient("websocket dial", err)
	}
	conn.SetReadLimit(1 << 20)

	if _, err := expectEnvelope(ctx, conn, EnvelopeAuthenticated); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}

	data, err := json.Marshal(&RealtimeCommand{
		Type:    EnvelopeSubscribe,
		Payload: SubscribePayload{Topic: topic, Tables: tables},
	})
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, transient("websocket subscribe", err)
	}
	if _, err := expectEnvelope(ctx, conn, EnvelopeSubscribed); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	sub := &wsSubscription{
		topic:        topic,
		conn:         conn,
		heartbeat:    t.config.HeartbeatInterval,
		changes:      make(chan Change, 64),
		cancel:       cancel,
		done:         make(chan struct{}),
		pendingPings: make(map[string]chan PongPayload),
	}
	go sub.readLoop(connCtx)
	go sub.heartbeatLoop(connCtx)
	return sub, nil
}

func expectEnvelope(ctx context.Context, conn *websocket.Conn, want string) (RealtimeEnvelope, error) {
	var env RealtimeEnvelope
	_, data, err := conn.Read(ctx)
	if err != nil {
		return env, transient("websocket read "+want, err)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, errors.Wrapf(err, "decode %s message", want)
	}
	if env.Type == EnvelopeError {
		var p RealtimeErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		return env, errors.Errorf("server refused %s: %s", want, p.Message)
	}
	if env.Type != want {
		return env, errors.Errorf("expected '%s', got '%s'", want, env.Type)
	}
	return env, nil
}

type wsSubscription struct {
	topic     string
	conn      *websocket.Conn
	heartbeat time.Duration
	changes   chan Change
	cancel    context.CancelFunc
	done      chan struct{}

	mu          sync.Mutex
	err         error
	closing     bool
	pingCounter int

	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

func (s *wsSubscription) Changes() <-chan Change { return s.changes }

func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription and waits for its reader to stop.
func (s *wsSubscription) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return nil
}

func (s *wsSubscription) send(ctx context.Context, cmd *RealtimeCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (s *wsSubscription) Ping(ctx context.Context) (*PongPayload, error) {
	s.mu.Lock()
	s.pingCounter++
	requestID := fmt.Sprintf("ping-%d", s.pingCounter)
	s.mu.Unlock()

	ch := make(chan PongPayload, 1)
	s.pendingMu.Lock()
	s.pendingPings[requestID] = ch
	s.pendingMu.Unlock()

	forget := func() {
		s.pendingMu.Lock()
		delete(s.pendingPings, requestID)
		s.pendingMu.Unlock()
	}

	err := s.send(ctx, &RealtimeCommand{
		Type:      EnvelopePing,
		Payload:   PongPayload{RequestID: requestID},
		RequestID: requestID,
	})
	if err != nil {
		forget()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		forget()
		return nil, errors.New("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (s *wsSubscription) readLoop(ctx context.Context) {
	defer func() {
		s.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
		s.clearPendingPings()
		close(s.changes)
		close(s.done)
	}()

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			if !s.closing {
				s.err = transient("websocket read", err)
			}
			s.mu.Unlock()
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case EnvelopeChange:
			var c Change
			if err := json.Unmarshal(env.Payload, &c); err != nil {
				jww.WARN.Printf("[realtime] undecodable change on %s: %v", s.topic, err)
				continue
			}
			select {
			case s.changes <- c:
			case <-ctx.Done():
				return
			}
		case EnvelopePong:
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				s.pendingMu.Lock()
				ch, ok := s.pendingPings[p.RequestID]
				if ok {
					delete(s.pendingPings, p.RequestID)
				}
				s.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		case EnvelopeError:
			var p RealtimeErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			jww.WARN.Printf("[realtime] server error on %s: %s", s.topic, p.Message)
		}
	}
}

func (s *wsSubscription) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				jww.WARN.Printf("[realtime] heartbeat on %s failed: %v", s.topic, err)
				s.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (s *wsSubscription) clearPendingPings() {
	s.pendingMu.Lock()
	for k, ch := range s.pendingPings {
		close(ch)
		delete(s.pendingPings, k)
	}
	s.pendingMu.Unlock()
}

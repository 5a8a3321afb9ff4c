package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	jww "github.com/spf13/jwalterweatherman"
	"nhooyr.io/websocket"

	chat "github.com/erfanidmd11/drynks-app-sub001"
)

const writeTimeout = 5 * time.Second

// inboundCommand is a client command as read off the socket.
type inboundCommand struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

// realtimeSession bridges hub subscriptions onto one websocket.
type realtimeSession struct {
	conn   *websocket.Conn
	hub    chat.Transport
	userID string

	mu   sync.Mutex
	subs map[string]chat.Subscription
	wg   sync.WaitGroup
}

func (s *Server) handleRealtime(c *gin.Context) {
	user, err := s.resolveUser(bearerToken(c.Request))
	if err != nil {
		reject(c, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
		return
	}

	opts := &websocket.AcceptOptions{}
	if cfg := s.cfg.corsConfig(); cfg.AllowAllOrigins {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = cfg.AllowOrigins
	}
	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		jww.WARN.Printf("[devserver] realtime upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	sess := &realtimeSession{
		conn:   conn,
		hub:    s.hub,
		userID: user,
		subs:   make(map[string]chat.Subscription),
	}
	sess.serve(c.Request.Context())
}

func (r *realtimeSession) send(ctx context.Context, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(chat.RealtimeEnvelope{Type: typ, Payload: raw})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return r.conn.Write(ctx, websocket.MessageText, data)
}

func (r *realtimeSession) sendError(ctx context.Context, msg string) {
	if err := r.send(ctx, chat.EnvelopeError, chat.RealtimeErrorPayload{Message: msg}); err != nil {
		jww.DEBUG.Printf("[devserver] realtime error not delivered: %v", err)
	}
}

func (r *realtimeSession) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		r.mu.Lock()
		for _, sub := range r.subs {
			sub.Close()
		}
		r.mu.Unlock()
		r.wg.Wait()
		r.conn.Close(websocket.StatusNormalClosure, "")
	}()

	if err := r.send(ctx, chat.EnvelopeAuthenticated, chat.AuthenticatedPayload{UserID: r.userID}); err != nil {
		return
	}

	for {
		_, data, err := r.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				jww.DEBUG.Printf("[devserver] realtime read: %v", err)
			}
			return
		}

		var cmd inboundCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			r.sendError(ctx, "malformed command")
			continue
		}

		switch cmd.Type {
		case chat.EnvelopeSubscribe:
			var p chat.SubscribePayload
			if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Topic == "" {
				r.sendError(ctx, "subscribe needs a topic")
				continue
			}
			if err := r.subscribe(ctx, p); err != nil {
				r.sendError(ctx, err.Error())
				continue
			}
			if err := r.send(ctx, chat.EnvelopeSubscribed, p); err != nil {
				return
			}
		case chat.EnvelopePing:
			id := cmd.RequestID
			if id == "" {
				var p chat.PongPayload
				_ = json.Unmarshal(cmd.Payload, &p)
				id = p.RequestID
			}
			if err := r.send(ctx, chat.EnvelopePong, chat.PongPayload{RequestID: id}); err != nil {
				return
			}
		default:
			r.sendError(ctx, "unknown command "+cmd.Type)
		}
	}
}

func (r *realtimeSession) subscribe(ctx context.Context, p chat.SubscribePayload) error {
	r.mu.Lock()
	_, exists := r.subs[p.Topic]
	r.mu.Unlock()
	if exists {
		return nil
	}

	sub, err := r.hub.Subscribe(ctx, p.Topic, p.Tables...)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.subs[p.Topic] = sub
	r.mu.Unlock()

	r.wg.Add(1)
	go r.forward(ctx, p.Topic, sub)
	return nil
}

// forward relays one subscription. When the hub ends the feed the socket is
// closed so the client reconnects and resyncs.
func (r *realtimeSession) forward(ctx context.Context, topic string, sub chat.Subscription) {
	defer r.wg.Done()
	for c := range sub.Changes() {
		if err := r.send(ctx, chat.EnvelopeChange, c); err != nil {
			return
		}
	}
	if err := sub.Err(); err != nil && ctx.Err() == nil {
		jww.INFO.Printf("[devserver] subscription to %s ended: %v", topic, err)
		r.conn.Close(websocket.StatusTryAgainLater, "subscription lost")
	}
}

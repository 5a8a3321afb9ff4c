// Package devserver is a self-contained chat server for local development
// and tests. It serves the REST surface chat.Client speaks, the realtime
// websocket chat.WSTransport dials, the change webhook, and /metrics.
package devserver

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	jww "github.com/spf13/jwalterweatherman"

	chat "github.com/erfanidmd11/drynks-app-sub001"
)

// Backend is the durable store behind the server.
type Backend interface {
	chat.Store
	chat.MessageReader
	chat.EventWriter
}

// Hub carries committed changes to realtime subscribers. chat.MemoryHub and
// chat.RedisTransport both qualify.
type Hub interface {
	chat.Transport
	chat.Publisher
}

// Config configures a Server.
type Config struct {
	Addr string
	// AllowOrigins lists the CORS origins; empty or "*" allows all.
	AllowOrigins []string
	// TokenKey verifies HS256 bearer tokens. Without it requests are
	// anonymous unless they carry an unverified token.
	TokenKey []byte
	// WebhookSecret enables POST /webhooks/changes.
	WebhookSecret string
	MaxUploadSize int64
	UploadTTL     time.Duration
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = ":8787"
	}
	if c.MaxUploadSize == 0 {
		c.MaxUploadSize = 50 * 1024 * 1024
	}
	if c.UploadTTL == 0 {
		c.UploadTTL = 15 * time.Minute
	}
}

func (c *Config) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowHeaders:  []string{"Authorization", "Content-Type", chat.SignatureHeader},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	all := len(c.AllowOrigins) == 0
	for _, o := range c.AllowOrigins {
		if o == "*" {
			all = true
		}
	}
	if all {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = c.AllowOrigins
		cfg.AllowCredentials = true
	}
	return cfg
}

// Server is the development chat server.
type Server struct {
	store  Backend
	assets chat.AssetStore
	hub    Hub
	cfg    Config
	engine *gin.Engine

	mu      sync.Mutex
	uploads map[string]*pendingUpload
	now     func() time.Time
}

// New builds a server. The store should publish its commits to hub.
func New(store Backend, assets chat.AssetStore, hub Hub, config *Config) (*Server, error) {
	if store == nil || assets == nil || hub == nil {
		return nil, errors.New("devserver needs a store, an asset store and a hub")
	}
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	s := &Server{
		store:   store,
		assets:  assets,
		hub:     hub,
		cfg:     cfg,
		uploads: make(map[string]*pendingUpload),
		now:     time.Now,
	}
	if err := s.routes(); err != nil {
		return nil, err
	}
	return s, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() error {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), cors.New(s.cfg.corsConfig()))

	r.GET("/healthz", func(c *gin.Context) { respond(c, http.StatusOK, gin.H{"status": "ok"}, nil) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/assets/*path", s.serveAsset)
	r.GET("/realtime", s.handleRealtime)

	if s.cfg.WebhookSecret != "" {
		wh, err := chat.NewWebhookReceiver(s.cfg.WebhookSecret, s.hub)
		if err != nil {
			return err
		}
		r.POST("/webhooks/changes", gin.WrapH(wh))
	}

	api := r.Group("/api", s.authenticate)
	api.POST("/conversations/:id/messages", s.insertMessage)
	api.GET("/conversations/:id/messages", s.listMessages)
	api.GET("/conversations/:id/reactions", s.listReactions)
	api.PUT("/conversations/:id/typing/:user", s.upsertTyping)
	api.PUT("/conversations/:id/read-cursors/:user", s.upsertReadCursor)
	api.GET("/conversations/:id/read-cursors/:user", s.getReadCursor)

	api.GET("/messages/:id", s.getMessage)
	api.PATCH("/messages/:id", s.updateMessage)
	api.DELETE("/messages/:id", s.deleteMessage)
	api.PUT("/messages/:id/reactions/:user", s.upsertReaction)
	api.DELETE("/messages/:id/reactions/:user", s.deleteReaction)

	api.GET("/attachments", s.listAttachments)
	api.GET("/events/:id", s.getEvent)
	api.PUT("/events/:id", s.putEvent)

	api.POST("/assets/presign", s.presign)
	api.POST("/assets/upload/:id", s.upload)
	api.POST("/assets/confirm", s.confirm)
	api.DELETE("/assets/*path", s.deleteAsset)

	s.engine = r
	return nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		jww.INFO.Printf("[devserver] listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	jww.INFO.Printf("[devserver] shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		jww.DEBUG.Printf("[devserver] %s %s %d %s", c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start))
	}
}

// ============================================================================
// Authentication
// ============================================================================

const userKey = "userID"

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// resolveUser returns the user a token speaks for. The empty user is
// anonymous and is only allowed without a TokenKey.
func (s *Server) resolveUser(token string) (string, error) {
	if token == "" {
		if len(s.cfg.TokenKey) > 0 {
			return "", errors.New("missing bearer token")
		}
		return "", nil
	}
	id, err := chat.NewTokenIdentity(token, s.cfg.TokenKey)
	if err != nil {
		return "", err
	}
	user, ok := id.CurrentUserID()
	if !ok {
		return "", errors.New("token expired")
	}
	return user, nil
}

func (s *Server) authenticate(c *gin.Context) {
	user, err := s.resolveUser(bearerToken(c.Request))
	if err != nil {
		reject(c, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
		c.Abort()
		return
	}
	c.Set(userKey, user)
	c.Next()
}

// actingAs rejects the request unless the caller is userID. Anonymous
// callers may act as anyone.
func actingAs(c *gin.Context, userID string) bool {
	caller := c.GetString(userKey)
	if caller == "" || caller == userID {
		return true
	}
	reject(c, http.StatusForbidden, "FORBIDDEN", "cannot act as "+userID)
	return false
}

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	chat "github.com/erfanidmd11/drynks-app-sub001"
)

// getClient creates a REST client authenticated with the configured token.
func getClient(cfg *Config) *chat.Client {
	var opts []chat.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chat.WithBaseURL(cfg.Default.BaseURL))
	}
	return chat.NewClient(cfg.Default.APIKey, opts...)
}

// mustLoadConfig loads the config or exits.
func mustLoadConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// getIdentity resolves the signed-in user from the configured token.
func getIdentity(cfg *Config) (chat.Identity, error) {
	if cfg.Default.APIKey == "" {
		return nil, fmt.Errorf("no access token, run 'drynkschat init <api-key>' first")
	}
	id, err := chat.NewTokenIdentity(cfg.Default.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}
	return id, nil
}

// newEngine wires a chat engine to the configured server.
func newEngine(cfg *Config) (*chat.Engine, error) {
	identity, err := getIdentity(cfg)
	if err != nil {
		return nil, err
	}
	client := getClient(cfg)
	transport := chat.NewWSTransport(client.BaseURL(), &chat.RealtimeConfig{Token: cfg.Default.APIKey})
	return chat.NewEngine(client, client, transport, identity, nil), nil
}

// conversationRef builds a reference from a conversation id and an optional
// event id; an event makes it a group room.
func conversationRef(id, eventID string) chat.ConversationRef {
	ref := chat.ConversationRef{ID: id, Kind: chat.ConversationPrivate}
	if eventID != "" {
		ref.Kind = chat.ConversationGroup
		ref.EventID = eventID
	}
	return ref
}

// tokenExpiry reads the exp claim without verifying the token.
func tokenExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	chat "github.com/erfanidmd11/drynks-app-sub001"
	"github.com/erfanidmd11/drynks-app-sub001/internal/devserver"
	"github.com/erfanidmd11/drynks-app-sub001/sqlstore"
)

var (
	serveAddr      string
	serveRetention bool
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveRetention, "retention", true, "run the retention sweeper")
	rootCmd.AddCommand(serveCmd)
}

func listenAddr(cfg *Config) string {
	switch {
	case serveAddr != "":
		return serveAddr
	case cfg.Server.Addr != "":
		return cfg.Server.Addr
	}
	return ":8787"
}

// assetsBaseURL is where the server publishes stored assets.
func assetsBaseURL(cfg *Config) string {
	base := cfg.Default.BaseURL
	if base == "" {
		addr := listenAddr(cfg)
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		base = "http://" + addr
	}
	return strings.TrimRight(base, "/") + "/assets"
}

// newHub fans changes out over redis when one is configured.
func newHub(cfg *Config) (devserver.Hub, func(), error) {
	if cfg.Server.Redis == "" {
		return chat.NewMemoryHub(), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.Server.Redis)
	if err != nil {
		opts = &redis.Options{Addr: cfg.Server.Redis}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.Server.Redis, err)
	}
	return chat.NewRedisTransport(rdb, "drynks:"), func() { rdb.Close() }, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local chat server",
	Long:  "Run a self-contained chat server with REST, realtime websocket, change webhook and metrics endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()

		hub, closeHub, err := newHub(cfg)
		if err != nil {
			return err
		}
		defer closeHub()

		store, err := sqlstore.Open(cfg.Default.Database, hub)
		if err != nil {
			return err
		}
		defer store.Close()

		var assets chat.AssetStore = chat.NewMemoryAssets(assetsBaseURL(cfg))
		if cfg.Server.AssetsDir != "" {
			assets = chat.NewDirAssets(cfg.Server.AssetsDir, assetsBaseURL(cfg))
		}

		srv, err := devserver.New(store, assets, hub, &devserver.Config{
			Addr:          listenAddr(cfg),
			TokenKey:      []byte(cfg.Server.TokenKey),
			WebhookSecret: cfg.Server.WebhookSecret,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if serveRetention {
			rc, err := retentionConfig(cfg)
			if err != nil {
				return err
			}
			sweeper := chat.NewSweeper(store, assets, rc)
			go func() {
				if err := sweeper.Run(ctx); err != nil {
					jww.ERROR.Printf("retention: %v", err)
				}
			}()
		}

		fmt.Printf("Serving chat on %s\n", listenAddr(cfg))
		return srv.Run(ctx)
	},
}

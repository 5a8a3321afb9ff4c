package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	chat "github.com/erfanidmd11/drynks-app-sub001"
	"github.com/erfanidmd11/drynks-app-sub001/sqlstore"
)

var (
	sweepDryRun bool
	sweepWatch  bool
	sweepWindow string
)

func init() {
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "list what would be deleted without deleting")
	sweepCmd.Flags().BoolVar(&sweepWatch, "watch", false, "keep sweeping on the configured schedule")
	sweepCmd.Flags().StringVar(&sweepWindow, "window", "", "retention window, e.g. 48h (overrides retention.window)")
	rootCmd.AddCommand(sweepCmd)
}

// retentionConfig builds the sweeper settings from the config file.
func retentionConfig(cfg *Config) (*chat.RetentionConfig, error) {
	rc := &chat.RetentionConfig{Schedule: cfg.Retention.Schedule}
	window := cfg.Retention.Window
	if sweepWindow != "" {
		window = sweepWindow
	}
	if window != "" {
		d, err := time.ParseDuration(window)
		if err != nil {
			return nil, fmt.Errorf("invalid retention window %q: %w", window, err)
		}
		rc.Window = d
	}
	return rc, nil
}

// sweepTargets picks the local database and asset directory when one is
// configured and the chat server otherwise.
func sweepTargets(cfg *Config) (chat.Store, chat.AssetStore, func(), error) {
	if cfg.Default.Database == "" {
		client := getClient(cfg)
		return client, client, func() {}, nil
	}
	if cfg.Server.AssetsDir == "" {
		return nil, nil, nil, fmt.Errorf("server.assets_dir is required to sweep a local database")
	}
	store, err := sqlstore.Open(cfg.Default.Database, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	assets := chat.NewDirAssets(cfg.Server.AssetsDir, assetsBaseURL(cfg))
	return store, assets, func() { store.Close() }, nil
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete attachments older than the retention window",
	Long:  "Delete attachments, and the messages carrying them, once they are older than the retention window (48h by default).",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		rc, err := retentionConfig(cfg)
		if err != nil {
			return err
		}
		store, assets, closeFn, err := sweepTargets(cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		sweeper := chat.NewSweeper(store, assets, rc)
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if sweepWatch {
			return sweeper.Run(ctx)
		}

		if sweepDryRun {
			plan, err := sweeper.Plan(ctx, time.Now())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(plan)
			}
			var total int64
			for _, m := range plan {
				size := int64(0)
				if m.Attachment != nil {
					size = m.Attachment.Size
				}
				total += size
				fmt.Printf("%s  %s  %s  %s\n", m.ConversationID, m.ID, humanize.Time(m.CreatedAt), humanize.Bytes(uint64(size)))
			}
			fmt.Printf("%d attachments, %s would be deleted\n", len(plan), humanize.Bytes(uint64(total)))
			return nil
		}

		report, err := sweeper.Sweep(ctx, time.Now())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(report)
		}
		fmt.Printf("Swept attachments older than %s\n", report.Cutoff.Format(time.RFC3339))
		fmt.Printf("  Scanned:  %d\n", report.Scanned)
		fmt.Printf("  Assets:   %d deleted, %d failed\n", report.AssetsDeleted, report.AssetFailures)
		fmt.Printf("  Messages: %d deleted, %d failed\n", report.RowsDeleted, report.RowFailures)
		fmt.Printf("  Freed:    %s\n", humanize.Bytes(uint64(report.Bytes)))
		return nil
	},
}

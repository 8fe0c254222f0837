package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/comind-network/graphsync/src/atproto"
	"github.com/comind-network/graphsync/src/cache"
	"github.com/comind-network/graphsync/src/config"
	"github.com/comind-network/graphsync/src/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Batch-sync repository records into the graph",
	Long: `Read every record of the configured repository and upsert it into the
graph. Safe to re-run: existing nodes and edges are updated in place, and a
malformed record is counted and skipped, never fatal.

Examples:
  graphsync sync                                  # full sync of all collections
  graphsync sync --collection me.comind.concept   # one collection only
  graphsync sync --include-external               # also sync referenced posts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if did, _ := cmd.Flags().GetString("did"); did != "" {
			cfg.PDS.DID = did
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger, err := buildLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close(context.Background())

		client := newPDSClient(cfg)
		reader := atproto.NewReader(client, logger)
		engine := sync.NewEngine(store, logger,
			sync.WithFetcher(client),
			sync.WithSeenCache(cache.NewSeenCache(4096, 10*time.Minute)))

		opts := []sync.SyncerOption{}
		if checkpoints := openCheckpoints(cfg, logger); checkpoints != nil {
			defer checkpoints.Close()
			opts = append(opts, sync.WithCheckpoints(checkpoints))
		}
		if include, _ := cmd.Flags().GetBool("include-external"); include || cfg.IncludeExternal {
			opts = append(opts, sync.WithExternalCollections(true))
		}
		if collections, _ := cmd.Flags().GetStringSlice("collection"); len(collections) > 0 {
			opts = append(opts, sync.WithCollections(collections))
		} else if len(cfg.Collections) > 0 {
			opts = append(opts, sync.WithCollections(cfg.Collections))
		}
		syncer := sync.NewSyncer(reader, engine, store, logger, opts...)

		if err := syncer.SetupSchema(ctx); err != nil {
			// Constraints usually exist already; the sync itself does not
			// depend on them, so keep going.
			logger.Warn("schema setup incomplete", zap.Error(err))
		}
		summaries := syncer.SyncAll(ctx, cfg.PDS.DID)
		for _, sum := range summaries {
			fmt.Println(sum.String())
		}
		totals := summaries.Totals()
		fmt.Printf("total: %d created, %d updated, %d skipped, %d failed\n",
			totals.Created, totals.Updated, totals.Skipped, totals.Failed)

		if summaries.AnyTerminal() {
			return fmt.Errorf("one or more collections failed to sync")
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().String("did", "", "repository DID to sync (defaults to PDS_DID)")
	syncCmd.Flags().StringSlice("collection", nil, "restrict the run to specific collections")
	syncCmd.Flags().Bool("include-external", false, "also sync referenced external collections")
	syncCmd.Flags().Duration("timeout", 0, "abort the run after this long, keeping partial progress")
	rootCmd.AddCommand(syncCmd)
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/comind-network/graphsync/src/cache"
	"github.com/comind-network/graphsync/src/config"
	"github.com/comind-network/graphsync/src/stream"
	"github.com/comind-network/graphsync/src/sync"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Consume the live event stream into the graph",
	Long: `Subscribe to the configured jetstream endpoint and apply record commits
to the graph as they happen. The consumer reconnects on failures and resumes
from the last persisted cursor. Record-level failures are logged and dropped;
run a batch sync to repair anything the stream missed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if !cfg.Jetstream.Enabled {
			return errors.New("jetstream is disabled (set JETSTREAM_ENABLED=true)")
		}
		logger, err := buildLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close(context.Background())

		client := newPDSClient(cfg)
		engine := sync.NewEngine(store, logger,
			sync.WithFetcher(client),
			sync.WithSeenCache(cache.NewSeenCache(4096, 10*time.Minute)))
		adapter := stream.NewAdapter(engine, logger)

		opts := []stream.ConsumerOption{
			stream.WithDIDRefreshInterval(cfg.Jetstream.DIDRefreshInterval),
		}
		if checkpoints := openCheckpoints(cfg, logger); checkpoints != nil {
			defer checkpoints.Close()
			opts = append(opts, stream.WithStreamCheckpoints(checkpoints))
		}

		consumer := stream.NewConsumer(cfg.Jetstream.Endpoint, adapter,
			stream.StaticDIDs(cfg.Jetstream.WantedDIDs...), logger, opts...)

		err = consumer.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

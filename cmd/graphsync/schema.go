package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/comind-network/graphsync/src/config"
	"github.com/comind-network/graphsync/src/sync"
)

var setupSchemaCmd = &cobra.Command{
	Use:   "setup-schema",
	Short: "Create graph constraints and indexes",
	Long: `Create the uniqueness constraints and secondary indexes the sync engine
relies on. Idempotent: statements that already exist are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		logger, err := buildLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx := cmd.Context()
		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close(context.Background())

		engine := sync.NewEngine(store, logger)
		syncer := sync.NewSyncer(nil, engine, store, logger)
		if err := syncer.SetupSchema(ctx); err != nil {
			return err
		}
		fmt.Println("schema setup complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setupSchemaCmd)
}

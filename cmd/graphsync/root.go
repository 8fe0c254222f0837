package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/comind-network/graphsync/src/atproto"
	"github.com/comind-network/graphsync/src/checkpoint"
	"github.com/comind-network/graphsync/src/config"
	"github.com/comind-network/graphsync/src/graph"
)

var rootCmd = &cobra.Command{
	Use:   "graphsync",
	Short: "Mirror repository records into a Neo4j knowledge graph",
	Long: `graphsync keeps a Neo4j graph in step with records stored in a personal
data server. Entity records become labeled nodes, relationship records become
edges, and both batch resync and live stream consumption funnel through the
same idempotent upsert path.`,
	SilenceUsage: true,
}

func buildLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.Production() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (*graph.Neo4jStore, error) {
	driver, err := graph.Connect(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password)
	if err != nil {
		return nil, fmt.Errorf("connect to neo4j: %w", err)
	}
	return graph.NewNeo4jStore(driver, cfg.Neo4j.Database, logger)
}

func openCheckpoints(cfg config.Config, logger *zap.Logger) *checkpoint.Store {
	store, err := checkpoint.Open(cfg.CheckpointPath)
	if err != nil {
		logger.Warn("checkpoint store unavailable, continuing without",
			zap.String("path", cfg.CheckpointPath),
			zap.Error(err))
		return nil
	}
	return store
}

func newPDSClient(cfg config.Config) *atproto.Client {
	var opts []atproto.ClientOption
	if cfg.PDS.AccessToken != "" {
		opts = append(opts, atproto.WithAccessToken(cfg.PDS.AccessToken))
	}
	return atproto.NewClient(cfg.PDS.Host, opts...)
}

package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/comind-network/graphsync/src/config"
	"github.com/comind-network/graphsync/src/graph"
)

var queryCmd = &cobra.Command{
	Use:   "query <cypher>",
	Short: "Run a read query against the graph",
	Long: `Run a Cypher query and print the result rows as JSON, one object per
line. The subcommands cover the common explorations without writing Cypher.

Examples:
  graphsync query 'MATCH (c:Concept) RETURN c.text AS text LIMIT 10'
  graphsync query network distributed-systems --depth 3
  graphsync query sphere void
  graphsync query clusters --min-connections 5`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *graph.Neo4jStore) error {
			rows, err := store.Query(ctx, args[0], nil)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, row := range rows {
				if err := enc.Encode(row); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var queryNetworkCmd = &cobra.Command{
	Use:   "network <concept-text>",
	Short: "Show the nodes and relationships around a concept",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		depth, _ := cmd.Flags().GetInt("depth")
		return withStore(cmd, func(ctx context.Context, store *graph.Neo4jStore) error {
			network, err := store.ConceptNetwork(ctx, args[0], depth)
			if err != nil {
				return err
			}
			return printJSON(network)
		})
	},
}

var querySphereCmd = &cobra.Command{
	Use:   "sphere <title>",
	Short: "List the concepts a sphere's content references, by frequency",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *graph.Neo4jStore) error {
			concepts, err := store.SphereConcepts(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(concepts)
		})
	},
}

var queryClustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "Find highly connected concepts and what they cluster with",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		min, _ := cmd.Flags().GetInt("min-connections")
		return withStore(cmd, func(ctx context.Context, store *graph.Neo4jStore) error {
			clusters, err := store.ConceptClusters(ctx, min)
			if err != nil {
				return err
			}
			return printJSON(clusters)
		})
	},
}

// withStore handles the config/logger/store boilerplate shared by the read
// commands.
func withStore(cmd *cobra.Command, fn func(context.Context, *graph.Neo4jStore) error) error {
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
	return fn(ctx, store)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	queryNetworkCmd.Flags().Int("depth", 2, "relationship hops to include (max 5)")
	queryClustersCmd.Flags().Int("min-connections", 3, "minimum sources referencing a concept")
	queryCmd.AddCommand(queryNetworkCmd, querySphereCmd, queryClustersCmd)
	rootCmd.AddCommand(queryCmd)
}

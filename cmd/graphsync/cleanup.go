package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/comind-network/graphsync/src/graph"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Merge legacy label-less nodes into their labeled counterparts",
	Long: `Earlier importers wrote nodes without the shared Record label. This
merges each legacy duplicate into the labeled node with the same uri, moves
its ownership edges over, and deletes the leftover.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *graph.Neo4jStore) error {
			removed, err := store.CleanupLegacyNodes(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d legacy nodes\n", removed)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

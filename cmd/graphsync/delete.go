package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/comind-network/graphsync/src/graph"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <uri>",
	Short: "Remove one record's node and its edges from the graph",
	Long: `Remove the node for a record uri along with every edge attached to it.

Sync never deletes: a record missing from the repository keeps its node, and
stream delete events are skipped. This is the explicit removal path for when
a node really must go.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *graph.Neo4jStore) error {
			removed, err := store.DeleteByURI(ctx, args[0])
			if err != nil {
				return err
			}
			if !removed {
				fmt.Printf("no node for %s\n", args[0])
				return nil
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arcstore/tsqlite/internal/predicate"
	"github.com/arcstore/tsqlite/internal/store"
)

var queryCmd = &cobra.Command{
	Use:   "query <column> <value>",
	Short: "List records whose column equals value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer s.Close()

		pred := predicate.Eq(args[0], args[1])
		results, err := s.Query(rootCtx, pred, store.QueryOptions{})
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		}
		for _, rec := range results {
			fmt.Printf("%s = %s (version %d)\n", rec.ID, rec.Value, rec.Version)
		}
		fmt.Printf("%d record(s)\n", len(results))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)
}

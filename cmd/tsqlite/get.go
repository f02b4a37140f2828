package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arcstore/tsqlite/internal/store"
)

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Fetch a record by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer s.Close()

		rec, err := s.Get(rootCtx, args[0], callerInfo("get"))
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no record with id %q", args[0])
		}
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		}
		fmt.Printf("%s = %s (version %d)\n", rec.ID, rec.Value, rec.Version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report row counts and storage size",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer s.Close()

		stats, err := s.Statistics(rootCtx)
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}
		fmt.Printf("total=%d active=%d deleted=%d expired=%d size_bytes=%d\n",
			stats.Total, stats.Active, stats.Deleted, stats.Expired, stats.SizeBytes)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

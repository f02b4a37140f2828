package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/arcstore/tsqlite/internal/store"
)

var putTTL time.Duration

var putCmd = &cobra.Command{
	Use:   "put <id> <value>",
	Short: "Create or update a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer s.Close()

		id, value := args[0], args[1]
		var expiresAt *time.Time
		if putTTL > 0 {
			t := time.Now().Add(putTTL)
			expiresAt = &t
		}

		existing, err := s.Get(rootCtx, id, callerInfo("put"))
		switch {
		case errors.Is(err, store.ErrNotFound):
			rec := record{ID: id, Value: value, ExpiresAt: expiresAt}
			if _, err := s.Create(rootCtx, rec, callerInfo("put")); err != nil {
				return err
			}
			fmt.Printf("created %s\n", id)
			return nil
		case err != nil:
			return err
		default:
			existing.Value = value
			if putTTL > 0 {
				existing.ExpiresAt = expiresAt
			}
			if _, err := s.Update(rootCtx, existing, callerInfo("put")); err != nil {
				return err
			}
			fmt.Printf("updated %s\n", id)
			return nil
		}
	},
}

func init() {
	putCmd.Flags().DurationVar(&putTTL, "ttl", 0, "expire the record after this duration")
	rootCmd.AddCommand(putCmd)
}

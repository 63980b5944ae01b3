package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veloxdb/txncore/pkg/cleaner"
	"github.com/veloxdb/txncore/pkg/config"
	"github.com/veloxdb/txncore/pkg/kvstore"
)

var cleanerCmd = &cobra.Command{
	Use:   "cleaner",
	Short: "Drive the lost-attempts cleaner",
}

var cleanerRunOnceCmd = &cobra.Command{
	Use:   "run-once KEYSPACE",
	Short: "Force one heartbeat-then-scan cleanup pass over a keyspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ks, err := parseKeyspaceArg(args[0])
		if err != nil {
			return err
		}
		window, _ := cmd.Flags().GetDuration("window")

		store, err := kvstore.NewBoltStore(dbPath(cmd), 1)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer store.Close()

		c := cleaner.New(cleaner.Config{
			KV: store,
			Cleanup: config.CleanupConfig{
				CleanupLostAttempts: true,
				CleanupWindow:       window,
			},
		})
		if err := c.RunOnce(cmd.Context(), ks); err != nil {
			return fmt.Errorf("cleanup pass over %s: %w", ks, err)
		}
		fmt.Printf("cleanup pass over %s complete (client %s)\n", ks, c.ClientID())
		return nil
	},
}

func init() {
	cleanerRunOnceCmd.Flags().Duration("window", 0, "Cleanup window budget for this pass (0 = no per-ATR sleep)")
	cleanerCmd.AddCommand(cleanerRunOnceCmd)
	rootCmd.AddCommand(cleanerCmd)
}

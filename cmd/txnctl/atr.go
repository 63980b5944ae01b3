package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veloxdb/txncore/pkg/atr"
	"github.com/veloxdb/txncore/pkg/docid"
	"github.com/veloxdb/txncore/pkg/kvstore"
)

var atrCmd = &cobra.Command{
	Use:   "atr",
	Short: "Inspect ATR documents",
}

var atrInspectCmd = &cobra.Command{
	Use:   "inspect KEYSPACE ATR-ID",
	Short: "Dump one ATR document's entries",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ks, err := parseKeyspaceArg(args[0])
		if err != nil {
			return err
		}
		atrID := args[1]

		store, err := kvstore.NewBoltStore(dbPath(cmd), 1)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer store.Close()

		id := docid.New(ks.Bucket, ks.Scope, ks.Collection, atrID)
		doc, err := store.Get(cmd.Context(), id, true)
		if err != nil {
			return fmt.Errorf("reading %s: %w", id, err)
		}

		adoc, err := atr.Decode(doc.Body)
		if err != nil {
			return fmt.Errorf("decoding %s: %w", id, err)
		}

		if adoc.Len() == 0 {
			fmt.Printf("%s: no entries\n", id)
			return nil
		}

		fmt.Printf("%s (cas=%d):\n", id, doc.CAS)
		for attemptID, entry := range adoc.Attempts {
			fmt.Printf("  attempt %s\n", attemptID)
			fmt.Printf("    state:        %s\n", entry.State)
			fmt.Printf("    expires_after: %dms\n", entry.ExpiresAfterMs)
			fmt.Printf("    start:        %d\n", entry.Timestamps.Start)
			if entry.Timestamps.StartCommit != 0 {
				fmt.Printf("    start_commit: %d\n", entry.Timestamps.StartCommit)
			}
			if entry.Timestamps.Complete != 0 {
				fmt.Printf("    complete:     %d\n", entry.Timestamps.Complete)
			}
			if entry.Timestamps.RollbackStart != 0 {
				fmt.Printf("    rollback_start:    %d\n", entry.Timestamps.RollbackStart)
			}
			if entry.Timestamps.RollbackComplete != 0 {
				fmt.Printf("    rollback_complete: %d\n", entry.Timestamps.RollbackComplete)
			}
			printRefs("    inserted", entry.InsertedIDs)
			printRefs("    replaced", entry.ReplacedIDs)
			printRefs("    removed ", entry.RemovedIDs)
		}
		return nil
	},
}

func printRefs(label string, refs []atr.DocRef) {
	if len(refs) == 0 {
		return
	}
	fmt.Printf("%s:", label)
	for _, r := range refs {
		fmt.Printf(" %s", r.ID())
	}
	fmt.Println()
}

func init() {
	atrCmd.AddCommand(atrInspectCmd)
	rootCmd.AddCommand(atrCmd)
}

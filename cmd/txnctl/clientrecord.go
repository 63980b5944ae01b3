package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/veloxdb/txncore/pkg/cleaner"
	"github.com/veloxdb/txncore/pkg/docid"
	"github.com/veloxdb/txncore/pkg/kvstore"
)

var clientRecordCmd = &cobra.Command{
	Use:   "client-record",
	Short: "Inspect a keyspace's client record",
}

var clientRecordShowCmd = &cobra.Command{
	Use:   "show KEYSPACE",
	Short: "Print the client record document's active clients and override",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ks, err := parseKeyspaceArg(args[0])
		if err != nil {
			return err
		}

		store, err := kvstore.NewBoltStore(dbPath(cmd), 1)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer store.Close()

		id := docid.New(ks.Bucket, ks.Scope, ks.Collection, "_txn:client-record")
		doc, err := store.Get(cmd.Context(), id, false)
		if err == kvstore.ErrDocumentNotFound {
			fmt.Printf("%s: no client record yet\n", ks)
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", id, err)
		}

		var rec cleaner.ClientRecord
		if err := json.Unmarshal(doc.Body, &rec); err != nil {
			return fmt.Errorf("decoding client record: %w", err)
		}

		if rec.Override.Enabled {
			expires := time.UnixMilli(rec.Override.Expires)
			fmt.Printf("override: enabled, expires %s\n", expires.Format(time.RFC3339))
		} else {
			fmt.Println("override: disabled")
		}

		if len(rec.Clients) == 0 {
			fmt.Println("clients: none")
			return nil
		}
		fmt.Println("clients:")
		for id, ce := range rec.Clients {
			fmt.Printf("  %s  heartbeat=%d expires_in=%dms num_atrs=%d\n", id, ce.HeartbeatMs, ce.ExpiresMs, ce.NumATRs)
		}
		return nil
	},
}

func init() {
	clientRecordCmd.AddCommand(clientRecordShowCmd)
	rootCmd.AddCommand(clientRecordCmd)
}

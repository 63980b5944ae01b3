// Command txnctl is an operator CLI for the transaction core: a
// smoke-test runner and inspection tools for the ATR and client-record
// documents the engine maintains.
//
// Grounded on the teacher's cmd/warren cobra tree: a package-level
// rootCmd with persistent --log-level/--log-json flags initialized via
// cobra.OnInitialize, and one file per noun adding its subcommands to
// rootCmd from its own init().
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/veloxdb/txncore/pkg/txnlog"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "txnctl",
	Short: "Operator CLI for the transaction core",
	Long: `txnctl drives and inspects the document-transaction engine:
run-demo exercises a full commit/rollback scenario against an
in-process store, atr/client-record/cleaner subcommands inspect or
trigger the engine's persisted state directly.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("db", "./txnctl.db", "Path to the bbolt database file")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	txnlog.Init(txnlog.Config{
		Level:      txnlog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func dbPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("db")
	return path
}

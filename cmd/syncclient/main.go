// Command syncclient pulls a shared record space into a local database and
// writes records to it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "syncclient",
	Short: "Sync a shared record space into a local database",
	Long: `syncclient keeps a local SQLite database in step with a shared record store.

Configuration comes from the environment:
  REMOTE_ADDRESS   record store address
  COLLECTIONS      priority sequence, parents first, e.g. "Owner,Pet+Dog+Cat"
  LOCAL_DB_PATH    local database file
  PRIVATE_KEY      hex key used to sign writes (put only)`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(syncCmd, watchCmd, putCmd, listCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

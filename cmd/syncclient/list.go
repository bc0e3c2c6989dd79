package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/breez/public-sync/config"
	"github.com/breez/public-sync/localstore"
	"github.com/breez/public-sync/syncer"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list <record type>",
	Short: "Print the local records of a type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewClientConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		db, err := localstore.Open(cfg.LocalDBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return err
		}

		records, err := db.List(cmd.Context(), syncer.RecordType(args[0]))
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPARENT\tREVISION\tAUTHOR\tDATA")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.ID, r.ParentID, r.Revision, r.Author, r.Data)
		}
		return w.Flush()
	},
}

package main

import (
	"fmt"
	"time"

	"github.com/breez/public-sync/syncer"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull every configured record type once",
	Long: `Pull all records of every configured collection, commit them to the local
database parents first, and make sure push subscriptions exist.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		orchestrator, err := syncer.NewOrchestrator(s.remote, s.objects, s.syncOptions()...)
		if err != nil {
			return err
		}
		defer orchestrator.Close()
		lifecycle := syncer.NewLifecycleController(s.objects, orchestrator.Dispatcher(), s.logger)
		lifecycle.RegisterLocalDatabase()
		defer lifecycle.CleanUp()

		start := time.Now()
		syncErr := orchestrator.Sync(ctx)
		subscriptions := syncer.NewSubscriptionManager(s.remote, s.logger).EnsureSubscriptions(ctx, s.objects)
		if syncErr != nil {
			return fmt.Errorf("sync failed: %w", syncErr)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		for _, obj := range s.objects {
			for _, t := range obj.RecordTypes() {
				n, err := s.db.Count(ctx, t)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "   %s: %d\n", t, n)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "   Subscriptions: %d\n", len(subscriptions))
		return nil
	},
}

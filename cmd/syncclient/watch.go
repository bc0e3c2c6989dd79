package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/breez/public-sync/remote"
	"github.com/breez/public-sync/rpc"
	"github.com/breez/public-sync/syncer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync, then keep syncing on pushed changes until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		engine, err := syncer.NewEngine(s.remote, s.objects, s.syncOptions()...)
		if err != nil {
			return err
		}
		defer engine.Close()

		if err := engine.Start(ctx); err != nil {
			s.logger.Printf("Initial sync failed: %v", err)
		}
		ids := engine.SubscriptionIDs()
		s.logger.Printf("Watching %d subscriptions", len(ids))

		listener := remote.NewListener(s.remote, ids, func(n *rpc.Notification) {
			s.logger.Printf("Change %s %s at revision %d", n.RecordType, n.RecordId, n.Revision)
			engine.Trigger()
		}, s.logger)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := listener.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		if addr := s.config.MetricsListenAddress; addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}
		return g.Wait()
	},
}

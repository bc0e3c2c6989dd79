package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/breez/public-sync/config"
	"github.com/breez/public-sync/middleware"
	"github.com/breez/public-sync/rpc"
	"github.com/breez/public-sync/store"
	"github.com/breez/public-sync/store/postgres"
	"github.com/breez/public-sync/store/sqlite"
	"github.com/breez/public-sync/telemetry"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	config, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if config.LogFile != "" {
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "public-sync-server", config.OtelEndpoint)
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("failed to flush traces: %v", err)
		}
	}()

	storage, err := openStorage(config)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer storage.Close()

	quitChan := make(chan struct{})
	syncServer := NewRecordStoreServer(config, storage, log.Default())
	syncServer.Start(quitChan)

	serverMetrics := grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram())
	prometheus.MustRegister(serverMetrics)
	s := CreateServer(config, syncServer, serverMetrics)
	serverMetrics.InitializeMetrics(s)

	grpcListener, err := net.Listen("tcp", config.GrpcListenAddress)
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}

	var httpServers []*http.Server
	if config.GrpcWebListenAddress != "" {
		httpServers = append(httpServers, &http.Server{
			Addr:              config.GrpcWebListenAddress,
			Handler:           grpcWebHandler(s),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
	if config.MetricsListenAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		httpServers = append(httpServers, &http.Server{
			Addr:              config.MetricsListenAddress,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Server listening at %s", config.GrpcListenAddress)
		return s.Serve(grpcListener)
	})
	for _, srv := range httpServers {
		srv := srv
		g.Go(func() error {
			log.Printf("HTTP server listening at %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("Shutting down")
		close(quitChan)
		s.GracefulStop()
		for _, srv := range httpServers {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("failed to shut down %s: %v", srv.Addr, err)
			}
			cancel()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}

func openStorage(config *config.Config) (store.SyncStorage, error) {
	if config.PgDatabaseUrl != "" {
		return postgres.NewPGSyncStorage(config.PgDatabaseUrl)
	}
	if err := os.MkdirAll(config.SQLiteDirPath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %v: %w", config.SQLiteDirPath, err)
	}
	return sqlite.NewSQLiteSyncStorage(filepath.Join(config.SQLiteDirPath, "records.db"))
}

func CreateServer(config *config.Config, syncServer rpc.RecordStoreServer, serverMetrics *grpcprom.ServerMetrics) *grpc.Server {
	s := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Second * 5,
			PermitWithoutStream: true,
		}),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			serverMetrics.UnaryServerInterceptor(),
			middleware.UnaryServerInterceptor(config.CACertificate()),
		),
		grpc.ChainStreamInterceptor(
			serverMetrics.StreamServerInterceptor(),
			middleware.StreamServerInterceptor(config.CACertificate()),
		),
	)
	rpc.RegisterRecordStoreServer(s, syncServer)
	return s
}

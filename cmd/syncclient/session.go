package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/breez/public-sync/config"
	"github.com/breez/public-sync/localstore"
	"github.com/breez/public-sync/remote"
	"github.com/breez/public-sync/retry"
	"github.com/breez/public-sync/syncer"
	"github.com/breez/public-sync/telemetry"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"gopkg.in/natefinch/lumberjack.v2"
)

// session holds everything a command needs to talk to the remote store and
// the local database.
type session struct {
	config   *config.ClientConfig
	logger   *log.Logger
	registry *prometheus.Registry
	db       *localstore.DB
	conn     *grpc.ClientConn
	remote   *remote.Client
	objects  []syncer.SyncObject

	shutdownTracing func(context.Context) error
	logFile         io.Closer
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.NewClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	s := &session{config: cfg, registry: prometheus.NewRegistry()}
	s.logger, s.logFile = newLogger(cfg.LogFile)

	s.shutdownTracing, err = telemetry.Setup(ctx, "public-sync-client", cfg.OtelEndpoint)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	s.db, err = localstore.Open(cfg.LocalDBPath)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.objects = buildCollections(s.db, cfg.Collections)

	clientMetrics := grpcprom.NewClientMetrics()
	s.registry.MustRegister(clientMetrics)
	s.conn, err = remote.Dial(cfg.RemoteAddress, remote.DialOptions(cfg.ApiKey, clientMetrics)...)
	if err != nil {
		s.Close()
		return nil, err
	}
	opts := []remote.Option{
		remote.WithPageSize(cfg.PageSize),
		remote.WithSchemaVersion(cfg.SchemaVersion),
	}
	if cfg.PrivateKey != nil {
		opts = append(opts, remote.WithSigningKey(cfg.PrivateKey.Key))
	}
	s.remote = remote.NewClient(s.conn, opts...)
	return s, nil
}

// newLogger logs to stderr and, when file is set, to a rotated log file.
func newLogger(file string) (*log.Logger, io.Closer) {
	if file == "" {
		return log.New(os.Stderr, "[syncclient] ", log.LstdFlags), nil
	}
	rotated := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    20,
		MaxBackups: 3,
		MaxAge:     14,
	}
	return log.New(io.MultiWriter(os.Stderr, rotated), "[syncclient] ", log.LstdFlags), rotated
}

func buildCollections(db *localstore.DB, collections config.Collections) []syncer.SyncObject {
	objects := make([]syncer.SyncObject, 0, len(collections))
	for _, c := range collections {
		others := make([]syncer.RecordType, 0, len(c.Types)-1)
		for _, t := range c.Types[1:] {
			others = append(others, syncer.RecordType(t))
		}
		objects = append(objects, localstore.NewCollection(db, syncer.RecordType(c.Primary), others...))
	}
	return objects
}

func (s *session) syncOptions() []syncer.Option {
	return []syncer.Option{
		syncer.WithLogger(s.logger),
		syncer.WithMaxRetries(s.config.MaxRetries),
		syncer.WithClassifier(retry.NewPolicy(s.config.RetryDelay())),
		syncer.WithMetrics(syncer.NewMetrics(s.registry)),
	}
}

func (s *session) Close() error {
	var result *multierror.Error
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.shutdownTracing(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		cancel()
	}
	if s.logFile != nil {
		if err := s.logFile.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

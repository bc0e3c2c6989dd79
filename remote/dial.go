package remote

import (
	"fmt"
	"time"

	"github.com/breez/public-sync/middleware"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// DialOptions returns the client options used to reach a record store.
// metrics may be nil; an empty apiKey sends no authorization header.
func DialOptions(apiKey string, metrics *grpcprom.ClientMetrics) []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if metrics != nil {
		opts = append(opts,
			grpc.WithChainUnaryInterceptor(metrics.UnaryClientInterceptor()),
			grpc.WithChainStreamInterceptor(metrics.StreamClientInterceptor()),
		)
	}
	if apiKey != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(middleware.ApiKeyCredentials{ApiKey: apiKey}))
	}
	return opts
}

// Dial creates a lazily connecting client connection to address.
func Dial(address string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return conn, nil
}

package middleware

import (
	"context"
	"crypto/x509"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor checks the API key when caCert is set and
// authenticates signed writes.
func UnaryServerInterceptor(caCert *x509.Certificate) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if caCert != nil {
			if err := CheckApiKey(caCert, ctx); err != nil {
				return nil, status.Error(codes.Unauthenticated, err.Error())
			}
		}
		newCtx, err := Authenticate(ctx, req)
		if err != nil {
			return nil, status.Error(codes.PermissionDenied, err.Error())
		}
		return handler(newCtx, req)
	}
}

func StreamServerInterceptor(caCert *x509.Certificate) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if caCert != nil {
			if err := CheckApiKey(caCert, ss.Context()); err != nil {
				return status.Error(codes.Unauthenticated, err.Error())
			}
		}
		return handler(srv, ss)
	}
}

// ApiKeyCredentials attaches the API key to every call of a client
// connection.
type ApiKeyCredentials struct {
	ApiKey string
	Secure bool
}

func (c ApiKeyCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + c.ApiKey}, nil
}

func (c ApiKeyCredentials) RequireTransportSecurity() bool {
	return c.Secure
}

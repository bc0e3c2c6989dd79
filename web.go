package main

import (
	"net/http"

	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"github.com/rs/cors"
	"google.golang.org/grpc"
)

// grpcWebHandler serves the gRPC server to browsers over grpc-web.
func grpcWebHandler(s *grpc.Server) http.Handler {
	wrapped := grpcweb.WrapServer(s,
		grpcweb.WithOriginFunc(func(string) bool { return true }),
	)
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"grpc-status", "grpc-message"},
	}).Handler(wrapped)
}

// Package rpcserver provides the coordinator-side gRPC bootstrap: transport
// selection (TCP vs UDS), health checking, optional reflection, and
// graceful shutdown.
//
// Grounded on client/go/server.go's CreateServer/RunServer, generalized
// from the domain-SDK's single-service registrar to the coordinator's
// several simultaneously-exposed services (AggregateCoordinatorService,
// EventQueryService, SpeculativeService).
package rpcserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/angzarr-io/angzarr/internal/rpcerr"
)

// errorMappingUnaryInterceptor applies rpcerr.ToStatus to every unary
// handler's returned error, generalizing examples/go/angzarr/grpc_errors.go's
// per-handler MapCommandError call into one seam shared by every service
// this coordinator exposes.
func errorMappingUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	return resp, rpcerr.ToStatus(err)
}

// errorMappingStreamInterceptor does the same for the streaming services
// (EventQueryService.GetEvents/Subscribe).
func errorMappingStreamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	return rpcerr.ToStatus(handler(srv, ss))
}

// TransportConfig holds the resolved listen address for a gRPC server.
type TransportConfig struct {
	Type    string // "tcp" or "uds"
	Address string
}

// Resolve reads TRANSPORT_TYPE/UDS_BASE_PATH/PORT from the environment,
// falling back to the given config-file values when the env var is unset.
func Resolve(transportType, udsBasePath, serviceName, port string) TransportConfig {
	if v := os.Getenv("TRANSPORT_TYPE"); v != "" {
		transportType = v
	}
	if transportType == "uds" {
		if v := os.Getenv("UDS_BASE_PATH"); v != "" {
			udsBasePath = v
		}
		if udsBasePath == "" {
			udsBasePath = "/tmp/angzarr"
		}
		socketPath := filepath.Join(udsBasePath, serviceName+".sock")
		_ = os.MkdirAll(filepath.Dir(socketPath), 0o755)
		_ = os.Remove(socketPath)
		return TransportConfig{Type: "uds", Address: socketPath}
	}
	if v := os.Getenv("PORT"); v != "" {
		port = v
	}
	if port == "" {
		port = "50051"
	}
	return TransportConfig{Type: "tcp", Address: "[::]:" + port}
}

// Options configures the coordinator's gRPC listener.
type Options struct {
	ServiceName      string
	TransportType    string
	UDSBasePath      string
	Port             string
	EnableReflection bool
}

// Registrar registers one or more services on a freshly created server.
type Registrar func(*grpc.Server)

// Create builds a *grpc.Server and listener with health checking and
// optional reflection wired in, and a cleanup function the caller must
// defer.
func Create(register Registrar, opts Options) (*grpc.Server, net.Listener, func(), error) {
	cfg := Resolve(opts.TransportType, opts.UDSBasePath, opts.ServiceName, opts.Port)

	var listener net.Listener
	var err error
	if cfg.Type == "uds" {
		listener, err = net.Listen("unix", cfg.Address)
	} else {
		listener, err = net.Listen("tcp", cfg.Address)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}

	server := grpc.NewServer(
		grpc.UnaryInterceptor(errorMappingUnaryInterceptor),
		grpc.StreamInterceptor(errorMappingStreamInterceptor),
	)
	register(server)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	if opts.ServiceName != "" {
		healthServer.SetServingStatus(opts.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	}

	if opts.EnableReflection {
		reflection.Register(server)
	}

	cleanup := func() {
		if cfg.Type == "uds" {
			_ = os.Remove(cfg.Address)
		}
	}
	return server, listener, cleanup, nil
}

// Run blocks serving until SIGINT/SIGTERM, then gracefully stops the
// server.
func Run(logger *zap.Logger, server *grpc.Server, listener net.Listener, cleanup func()) error {
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("coordinator listening", zap.String("address", listener.Addr().String()))

	go func() {
		<-ctx.Done()
		logger.Info("shutting down coordinator")
		server.GracefulStop()
	}()

	if err := server.Serve(listener); err != nil {
		return fmt.Errorf("serve failed: %w", err)
	}
	return nil
}

// FormatEndpoint converts a configured endpoint into a grpc.NewClient
// target string, mirroring client/go/client.go's formatEndpoint: paths
// become unix:// URIs, everything else passes through as host:port.
func FormatEndpoint(endpoint string) string {
	if len(endpoint) == 0 {
		return endpoint
	}
	if endpoint[0] == '/' || (len(endpoint) > 1 && endpoint[0] == '.' && endpoint[1] == '/') {
		return "unix://" + endpoint
	}
	return endpoint
}

// Package grpcserver serves the standard gRPC health service for pool worker processes.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName returns the health service name of one queue consumer.
func ServiceName(queueName string) string {
	return "envpool.worker." + queueName
}

// HealthServer reports overall and per-consumer serving status.
type HealthServer struct {
	health *health.Server
	server *grpc.Server
	logger *zap.Logger
}

// NewHealthServer registers the health and reflection services. Every listed
// service starts as NOT_SERVING.
func NewHealthServer(logger *zap.Logger, services ...string) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, service := range services {
		healthServer.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	return &HealthServer{health: healthServer, server: grpcServer, logger: logger}
}

// SetServing marks service as serving or not.
func (server *HealthServer) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	server.health.SetServingStatus(service, status)
}

// Serve listens on listenAddr until ctx is canceled, then stops gracefully.
func (server *HealthServer) Serve(ctx context.Context, listenAddr string) error {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return server.ServeListener(ctx, listener)
}

// ServeListener serves on an existing listener.
func (server *HealthServer) ServeListener(ctx context.Context, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("gRPC health server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- server.server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		server.health.Shutdown()
		server.server.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		response, err := handler(ctx, request)
		fields := []zap.Field{zap.String("method", info.FullMethod), zap.Duration("elapsed", time.Since(started))}
		if err != nil {
			logger.Warn("grpc call failed", append(fields, zap.Error(err))...)
			return response, err
		}
		logger.Debug("grpc call", fields...)
		return response, nil
	}
}

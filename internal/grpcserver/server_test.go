package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

func TestHealthReflectsConsumerStatus(test *testing.T) {
	test.Parallel()
	service := ServiceName(pool.QueueCleanAccounts)
	server := NewHealthServer(nil, service)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		test.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.ServeListener(ctx, listener) }()

	conn, err := grpc.NewClient(listener.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		test.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func(name string) healthpb.HealthCheckResponse_ServingStatus {
		test.Helper()
		callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer callCancel()
		response, err := client.Check(callCtx, &healthpb.HealthCheckRequest{Service: name})
		if err != nil {
			test.Fatalf("check %q: %v", name, err)
		}
		return response.GetStatus()
	}

	if status := check(""); status != healthpb.HealthCheckResponse_SERVING {
		test.Fatalf("expected overall SERVING, got %v", status)
	}
	if status := check(service); status != healthpb.HealthCheckResponse_NOT_SERVING {
		test.Fatalf("expected consumer NOT_SERVING before start, got %v", status)
	}
	server.SetServing(service, true)
	if status := check(service); status != healthpb.HealthCheckResponse_SERVING {
		test.Fatalf("expected consumer SERVING, got %v", status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			test.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		test.Fatalf("server did not stop")
	}
}

func TestServiceName(test *testing.T) {
	test.Parallel()
	if name := ServiceName(pool.QueueReserveAccounts); name != "envpool.worker.reserve-accounts" {
		test.Fatalf("unexpected service name %s", name)
	}
}

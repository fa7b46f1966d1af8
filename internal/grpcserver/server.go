// Package grpcserver exposes the standard gRPC health service so process
// supervisors can probe the relay and its model backend.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// ModelBackendService is the health service name that reports the model
// backend's availability.
const ModelBackendService = "model-backend"

// Prober checks the model backend.
type Prober interface {
	Probe(ctx context.Context) error
}

// HealthService answers grpc.health.v1.Health/Check.
type HealthService struct {
	healthpb.UnimplementedHealthServer

	prober  Prober
	timeout time.Duration
	logger  *slog.Logger
}

// Check reports SERVING for the relay itself and the probe result for the
// model backend.
func (h *HealthService) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	switch req.GetService() {
	case "":
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
	case ModelBackendService:
		if h.prober == nil {
			return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVICE_UNKNOWN}, nil
		}
		ctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		if err := h.prober.Probe(ctx); err != nil {
			h.logger.Debug("Model backend health probe failed", "error", err)
			return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
		}
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
	default:
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
}

// Server wraps a grpc.Server carrying the health service.
type Server struct {
	srv    *grpc.Server
	addr   string
	logger *slog.Logger
}

// New creates a Server listening on addr once started.
func New(addr string, prober Prober, probeTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}

	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(srv, &HealthService{
		prober:  prober,
		timeout: probeTimeout,
		logger:  logger,
	})

	return &Server{srv: srv, addr: addr, logger: logger}
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(lis)
}

// Serve blocks serving lis until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", "address", lis.Addr().String())
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc: %w", err)
	}
	return nil
}

// Shutdown stops gracefully, forcing a stop when ctx expires first.
func (s *Server) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("gRPC graceful stop timed out, forcing stop")
		s.srv.Stop()
		<-done
	}
}

package grpcx

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/samber/lo"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name operators probe for the chat gateway.
const ServiceName = "chat.v1.Gateway"

// Probe reports whether a dependency answers.
type Probe func(ctx context.Context) error

type Config struct {
	// CheckInterval is how often probes run; defaults to 5s.
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
}

// Server is the operations endpoint: gRPC health checking plus reflection.
// Chat traffic itself stays on WebSocket and REST.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	probes map[string]Probe
	cfg    Config
	log    *slog.Logger
}

func NewServer(cfg Config, probes map[string]Probe, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}

	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor(log)),
		grpc.ChainStreamInterceptor(StreamServerInterceptor(log)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	s := &Server{grpc: gs, health: hs, probes: probes, cfg: cfg, log: log}
	s.setAll(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// GRPC exposes the underlying server so callers can register more services.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// Check runs every probe once and publishes the result. The overall status
// ("") and ServiceName are SERVING only when all probes pass.
func (s *Server) Check(ctx context.Context) bool {
	failed := lo.PickBy(s.probes, func(name string, p Probe) bool {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		defer cancel()
		if err := p(pctx); err != nil {
			s.log.Warn("health probe failed", "probe", name, "err", err)
			return true
		}
		return false
	})

	if len(failed) > 0 {
		s.setAll(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	s.setAll(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Watch re-runs Check until ctx is done.
func (s *Server) Watch(ctx context.Context) {
	s.Check(ctx)
	t := time.NewTicker(s.cfg.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Check(ctx)
		}
	}
}

func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop marks the server NOT_SERVING for watchers and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) setAll(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

package grpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Checker reports whether the daemon's storage is reachable. A nil
// checker leaves the probe permanently SERVING once started.
type Checker interface {
	Ping(ctx context.Context) error
}

// Server wraps a gRPC server that exposes the grpc.health.v1 service.
// A background loop pings the checker and flips the serving status.
type Server struct {
	mu sync.RWMutex

	grpcServer *grpc.Server
	health     *health.Server
	checker    Checker
	config     *ProbeConfig
	log        *zap.Logger

	listener net.Listener
	stopped  chan struct{}
	running  bool
}

// NewServer creates a probe server with the given configuration.
func NewServer(cfg *ProbeConfig, checker Checker, log *zap.Logger) (*Server, error) {
	if cfg == nil {
		cfg = DefaultProbeConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(cfg.MaxSendMsgSize),
		grpc.UnaryInterceptor(loggingInterceptor(log)),
	}
	grpcServer := grpc.NewServer(opts...)

	h := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, h)
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{
		grpcServer: grpcServer,
		health:     h,
		checker:    checker,
		config:     cfg,
		log:        log,
	}, nil
}

// Start starts the probe server and blocks until it is stopped or an
// error occurs.
func (s *Server) Start() error {
	listener, err := s.listen()
	if err != nil {
		return err
	}
	return s.grpcServer.Serve(listener)
}

// StartAsync starts the probe server in a goroutine and returns once the
// listener is bound. Returns an error if the server is already running
// or the address cannot be bound.
func (s *Server) StartAsync() error {
	listener, err := s.listen()
	if err != nil {
		return err
	}
	go func() {
		if err := s.grpcServer.Serve(listener); err != nil {
			s.log.Error("probe: serve", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil, errors.New("server is already running")
	}
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return nil, err
	}
	s.listener = listener
	s.stopped = make(chan struct{})
	s.running = true

	s.refresh()
	go s.watch(s.stopped)

	s.log.Info("probe: listening", zap.String("address", listener.Addr().String()))
	return listener, nil
}

// watch pings the checker on an interval and mirrors the result into the
// serving status.
func (s *Server) watch(stopped <-chan struct{}) {
	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopped:
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *Server) refresh() {
	if s.checker == nil {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.CheckTimeout)
	defer cancel()

	if err := s.checker.Ping(ctx); err != nil {
		s.log.Warn("probe: storage check failed", zap.Error(err))
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// Stop gracefully stops the probe server. In-flight checks complete;
// watchers streaming the Watch RPC see NOT_SERVING before the
// connection drops.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	close(s.stopped)
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.running = false
}

// StopNow immediately stops the probe server without waiting for
// connections.
func (s *Server) StopNow() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	close(s.stopped)
	s.grpcServer.Stop()
	s.running = false
}

// IsRunning returns true if the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the address the server is listening on. Returns an
// empty string if the server never started.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// GetGRPCServer returns the underlying grpc.Server, so boot code can
// register additional services before Start.
func (s *Server) GetGRPCServer() *grpc.Server {
	return s.grpcServer
}

// loggingInterceptor logs each unary call with its outcome.
func loggingInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			log.Warn("probe: rpc",
				zap.String("method", info.FullMethod),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
		} else {
			log.Debug("probe: rpc",
				zap.String("method", info.FullMethod),
				zap.Duration("duration", time.Since(start)))
		}
		return resp, err
	}
}

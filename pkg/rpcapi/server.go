package rpcapi

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/grps-serving/grps/pkg/grpslog"
)

// maxFrameSize is the documented 1 GiB message cap.
const maxFrameSize = 1 << 30

// Server wraps grpc.Server with the GrpsService registered against the
// JSON codec. max_connections caps the concurrent streams of each client
// connection; calls spread over several connections are not capped in
// total.
type Server struct {
	server *grpc.Server
	health *grpchealth.Server
	logger *grpslog.Loggers

	host string
	port int
}

// NewServer builds the gRPC transport around an already-constructed
// Service. maxConnections caps concurrent streams per connection.
func NewServer(svc *Service, logger *grpslog.Loggers, host string, port int, maxConnections int) *Server {
	kaParams := keepalive.ServerParameters{
		MaxConnectionIdle: 5 * time.Minute,
		Time:              2 * time.Minute,
		Timeout:           20 * time.Second,
	}
	kaPolicy := keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.MaxRecvMsgSize(maxFrameSize),
		grpc.MaxSendMsgSize(maxFrameSize),
		grpc.MaxConcurrentStreams(uint32(maxConnections)),
		grpc.KeepaliveParams(kaParams),
		grpc.KeepaliveEnforcementPolicy(kaPolicy),
		grpc.ChainUnaryInterceptor(UnaryInterceptors(logger)...),
		grpc.ChainStreamInterceptor(StreamInterceptors(logger)...),
	}

	s := grpc.NewServer(opts...)
	s.RegisterService(&ServiceDesc, svc)

	h := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(s, h)
	h.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	reflection.Register(s)

	return &Server{
		server: s,
		health: h,
		logger: logger,
		host:   host,
		port:   port,
	}
}

// Engine exposes the underlying grpc.Server, for tests and embedding.
func (s *Server) Engine() *grpc.Server { return s.server }

// Run binds the listener and serves until the server is stopped. A bind
// failure is returned immediately so bootstrap can abort.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	lis, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.host, s.port))
	if err != nil {
		return fmt.Errorf("rpcapi: listen %s:%d: %w", s.host, s.port, err)
	}
	s.logger.Framework.Info("rpc server listening", "host", s.host, "port", s.port)
	return s.server.Serve(lis)
}

// GracefulStop drains in-flight calls, then stops.
func (s *Server) GracefulStop() {
	s.health.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	s.server.GracefulStop()
}

// Stop stops immediately.
func (s *Server) Stop() {
	s.server.Stop()
}

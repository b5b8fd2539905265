package transport

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zde37/rangedht/internal/topology"
	"github.com/zde37/rangedht/pkg"
)

// Processor is the node side of the transport.
type Processor interface {
	Process(ctx context.Context, req *topology.Request) *topology.Response
	ProcessResponse(ctx context.Context, resp *topology.Response)
}

// GRPCServer serves the rangedht.Node service for one operator.
type GRPCServer struct {
	node      Processor
	server    *grpc.Server
	health    *health.Server
	logger    *pkg.Logger
	authToken string // Authentication token for node-to-node communication

	address  string
	listener net.Listener
}

// NewGRPCServer creates a new gRPC server for node.
func NewGRPCServer(node Processor, address string, authToken string, logger *pkg.Logger) (*GRPCServer, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &GRPCServer{
		node:      node,
		address:   address,
		authToken: authToken,
		logger:    logger.WithFields(pkg.Fields{"component": "grpc_server"}),
	}, nil
}

// Start starts the gRPC server.
func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
		grpc.UnaryInterceptor(AuthInterceptor(s.authToken)),
	)
	s.server.RegisterService(&serviceDesc, s)

	s.health = health.NewServer()
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.server, s.health)

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting gRPC server")

	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	return nil
}

// Addr returns the bound listen address.
func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() error {
	s.logger.Info().Msg("Stopping gRPC server")

	if s.health != nil {
		s.health.Shutdown()
	}
	if s.server != nil {
		s.server.GracefulStop()
	}
	return nil
}

// Call implements the Call RPC.
func (s *GRPCServer) Call(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.logger.Debug().Str("method", req.Method).Str("sender", req.Sender).Msg("Call received")

	out, err := encodeResponse(s.node.Process(ctx, req))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Deliver implements the Deliver RPC.
func (s *GRPCServer) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	resp, err := decodeResponse(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.node.ProcessResponse(ctx, resp)
	return &emptypb.Empty{}, nil
}

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zde37/rangedht/internal/topology"
	"github.com/zde37/rangedht/pkg"
)

// Compile-time check to ensure GRPCClient implements topology.Transport
var _ topology.Transport = (*GRPCClient)(nil)

// GRPCClient sends packets to remote nodes.
type GRPCClient struct {
	logger    *pkg.Logger
	authToken string

	connections map[string]*grpc.ClientConn
	connMu      sync.RWMutex

	// Default timeout for calls without a deadline
	timeout time.Duration
}

// NewGRPCClient creates a new gRPC client.
func NewGRPCClient(logger *pkg.Logger, timeout time.Duration, authToken string) *GRPCClient {
	if logger == nil {
		logger = pkg.Nop()
	}

	return &GRPCClient{
		logger:      logger.WithFields(pkg.Fields{"component": "grpc_client"}),
		authToken:   authToken,
		connections: make(map[string]*grpc.ClientConn),
		timeout:     timeout,
	}
}

// getConnection returns a connection to the given address, creating one if needed.
func (c *GRPCClient) getConnection(address string) (*grpc.ClientConn, error) {
	c.connMu.RLock()
	conn, exists := c.connections[address]
	c.connMu.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	// Double-check after acquiring write lock
	conn, exists = c.connections[address]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	newConn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(TokenInterceptor(c.authToken)),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}

	c.connections[address] = newConn
	c.logger.Debug().Str("address", address).Msg("Created new gRPC connection")

	return newConn, nil
}

// withTimeout applies the default timeout when ctx has no deadline.
func (c *GRPCClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Send calls the Call RPC on address.
func (c *GRPCClient) Send(ctx context.Context, address string, req *topology.Request) (*topology.Response, error) {
	conn, err := c.getConnection(address)
	if err != nil {
		return nil, err
	}
	in, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, callMethod, in, out); err != nil {
		return nil, fmt.Errorf("%s RPC to %s failed: %w", req.Method, address, err)
	}
	return decodeResponse(out)
}

// Deliver calls the Deliver RPC on address.
func (c *GRPCClient) Deliver(ctx context.Context, address string, resp *topology.Response) error {
	conn, err := c.getConnection(address)
	if err != nil {
		return err
	}
	in, err := encodeResponse(resp)
	if err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := conn.Invoke(ctx, deliverMethod, in, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("Deliver RPC to %s failed: %w", address, err)
	}
	return nil
}

// Close closes all connections.
func (c *GRPCClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.logger.Info().
		Int("connections", len(c.connections)).
		Msg("Closing all gRPC connections")

	for address, conn := range c.connections {
		if err := conn.Close(); err != nil {
			c.logger.Error().
				Err(err).
				Str("address", address).
				Msg("Failed to close connection")
		}
	}

	c.connections = make(map[string]*grpc.ClientConn)
	return nil
}

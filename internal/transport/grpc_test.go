package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/zde37/rangedht/internal/config"
	"github.com/zde37/rangedht/internal/topology"
	"github.com/zde37/rangedht/pkg"
)

type echoProcessor struct {
	mu        sync.Mutex
	delivered []*topology.Response
}

func (p *echoProcessor) Process(_ context.Context, req *topology.Request) *topology.Response {
	return &topology.Response{
		MessageID: req.MessageID,
		RetCode:   topology.RCOK,
		Params:    req.Params,
		Binary:    req.Binary,
		From:      "echo",
	}
}

func (p *echoProcessor) ProcessResponse(_ context.Context, resp *topology.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delivered = append(p.delivered, resp)
}

func (p *echoProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.delivered)
}

func startServer(t *testing.T, node Processor, address, token string) *GRPCServer {
	t.Helper()
	server, err := NewGRPCServer(node, address, token, pkg.Nop())
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func newClient(t *testing.T, token string) *GRPCClient {
	t.Helper()
	client := NewGRPCClient(pkg.Nop(), 2*time.Second, token)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewGRPCServer(t *testing.T) {
	tests := []struct {
		name    string
		node    Processor
		logger  *pkg.Logger
		wantErr bool
	}{
		{name: "valid", node: &echoProcessor{}, logger: pkg.Nop()},
		{name: "nil node", logger: pkg.Nop(), wantErr: true},
		{name: "nil logger", node: &echoProcessor{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, err := NewGRPCServer(tt.node, "127.0.0.1:0", "", tt.logger)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "127.0.0.1:0", server.Addr())
		})
	}
}

func TestNewGRPCClient_NilLogger(t *testing.T) {
	client := NewGRPCClient(nil, 5*time.Second, "")
	assert.NotNil(t, client.logger)
	assert.Empty(t, client.connections)
	assert.Equal(t, 5*time.Second, client.timeout)
}

func TestSendAndDeliver(t *testing.T) {
	node := &echoProcessor{}
	server := startServer(t, node, "127.0.0.1:0", "")
	client := newClient(t, "")
	ctx := context.Background()

	req := topology.MustRequest("Echo", map[string]string{"hello": "world"})
	req.Binary = []byte{0, 1, 2, 255}
	resp, err := client.Send(ctx, server.Addr(), req)
	require.NoError(t, err)
	assert.Equal(t, req.MessageID, resp.MessageID)
	assert.Equal(t, "echo", resp.From)
	assert.Equal(t, req.Binary, resp.Binary)
	var params map[string]string
	require.NoError(t, resp.Decode(&params))
	assert.Equal(t, "world", params["hello"])

	require.NoError(t, client.Deliver(ctx, server.Addr(), &topology.Response{MessageID: "m1", RetCode: topology.RCNoData}))
	assert.Equal(t, 1, node.count())

	// the connection is pooled
	assert.Len(t, client.connections, 1)
}

func TestAuthToken(t *testing.T) {
	server := startServer(t, &echoProcessor{}, "127.0.0.1:0", "secret")

	tests := []struct {
		name     string
		token    string
		wantCode codes.Code
	}{
		{name: "valid token", token: "secret", wantCode: codes.OK},
		{name: "wrong token", token: "guess", wantCode: codes.Unauthenticated},
		{name: "missing token", token: "", wantCode: codes.Unauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newClient(t, tt.token)
			_, err := client.Send(context.Background(), server.Addr(), topology.MustRequest("Echo", nil))
			assert.Equal(t, tt.wantCode, status.Code(err))
		})
	}
}

func TestHealthService(t *testing.T) {
	server := startServer(t, &echoProcessor{}, "127.0.0.1:0", "")

	conn, err := grpc.NewClient(server.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestSendUnreachable(t *testing.T) {
	client := NewGRPCClient(pkg.Nop(), 300*time.Millisecond, "")
	defer client.Close()

	_, err := client.Send(context.Background(), "127.0.0.1:1", topology.MustRequest("Echo", nil))
	assert.Error(t, err)
}

func TestOperatorsOverGRPC(t *testing.T) {
	newOperator := func(port int) *topology.Operator {
		cfg := config.DefaultConfig()
		cfg.Port = port
		cfg.HomeDir = t.TempDir()
		cfg.CallTimeout = 2 * time.Second
		op, err := topology.New(cfg, topology.Options{Transport: newClient(t, "token")})
		require.NoError(t, err)
		startServer(t, op, cfg.Address(), "token")
		op.Start()
		t.Cleanup(op.Stop)
		return op
	}
	a := newOperator(19301)
	b := newOperator(19302)

	require.NoError(t, b.Discover(context.Background(), []string{a.Self()}))

	assert.Equal(t, []string{a.Self()}, b.Neighbours(topology.Superior))
	assert.Equal(t, []string{b.Self()}, a.Neighbours(topology.Upper))
}

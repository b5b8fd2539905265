package topology_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zde37/rangedht/internal/topology"
	"github.com/zde37/rangedht/internal/topology/topologytest"
)

// buildMesh starts n nodes and discovers each through the first one.
func buildMesh(t *testing.T, net *topologytest.LocalNetwork, clk clock.Clock, n int) []*testNode {
	t.Helper()
	nodes := make([]*testNode, n)
	for i := range nodes {
		nodes[i] = newTestNode(t, net, clk, 7001+i)
	}
	ctx := context.Background()
	require.NoError(t, nodes[0].Discover(ctx, nil))
	for _, node := range nodes[1:] {
		require.NoError(t, node.Discover(ctx, []string{nodes[0].Self()}))
	}
	return nodes
}

// assertSymmetric checks that every Superior relation is mirrored by an
// Upper relation on the peer and the other way round.
func assertSymmetric(t *testing.T, nodes []*testNode) {
	t.Helper()
	byAddr := make(map[string]*testNode)
	for _, n := range nodes {
		byAddr[n.Self()] = n
	}
	for _, n := range nodes {
		for _, sup := range n.Neighbours(topology.Superior) {
			peer, ok := byAddr[sup]
			require.True(t, ok, sup)
			assert.Contains(t, peer.Neighbours(topology.Upper), n.Self(), "%s superior %s", n.Self(), sup)
		}
		for _, up := range n.Neighbours(topology.Upper) {
			peer, ok := byAddr[up]
			require.True(t, ok, up)
			assert.Contains(t, peer.Neighbours(topology.Superior), n.Self(), "%s upper %s", n.Self(), up)
		}
	}
}

func TestDiscoverFirstNode(t *testing.T) {
	net := topologytest.NewLocalNetwork()
	a := newTestNode(t, net, clock.NewMock(), 7001)

	require.NoError(t, a.Discover(context.Background(), []string{a.Self()}))
	assert.Empty(t, a.Neighbours(topology.Superior))
	assert.Empty(t, a.Neighbours(topology.Upper))
}

func TestDiscoverUnreachableBootstrap(t *testing.T) {
	net := topologytest.NewLocalNetwork()
	a := newTestNode(t, net, clock.NewMock(), 7001)

	err := a.Discover(context.Background(), []string{"127.0.0.1:9999"})
	assert.ErrorIs(t, err, topologytest.ErrUnreachable)
}

func TestDiscoverMesh(t *testing.T) {
	tests := []struct {
		name  string
		nodes int
		check func(t *testing.T, nodes []*testNode)
	}{
		{
			name:  "two nodes pair both ways",
			nodes: 2,
			check: func(t *testing.T, nodes []*testNode) {
				a, b := nodes[0], nodes[1]
				assert.Equal(t, []string{b.Self()}, a.Neighbours(topology.Superior))
				assert.Equal(t, []string{b.Self()}, a.Neighbours(topology.Upper))
				assert.Equal(t, []string{a.Self()}, b.Neighbours(topology.Superior))
				assert.Equal(t, []string{a.Self()}, b.Neighbours(topology.Upper))
			},
		},
		{
			name:  "three nodes reach fanout",
			nodes: 3,
			check: func(t *testing.T, nodes []*testNode) {
				for _, n := range nodes {
					assert.Len(t, n.Neighbours(topology.Superior), 2, n.Self())
					assert.Len(t, n.Neighbours(topology.Upper), 2, n.Self())
				}
			},
		},
		{
			name:  "four nodes stay within fanout plus one",
			nodes: 4,
			check: func(t *testing.T, nodes []*testNode) {
				d := nodes[3]
				assert.Len(t, d.Neighbours(topology.Superior), 2)
				assert.Len(t, d.Neighbours(topology.Upper), 2)
				for _, n := range nodes {
					assert.LessOrEqual(t, len(n.Neighbours(topology.Superior)), 3, n.Self())
					assert.LessOrEqual(t, len(n.Neighbours(topology.Upper)), 3, n.Self())
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net := topologytest.NewLocalNetwork()
			nodes := buildMesh(t, net, clock.NewMock(), tt.nodes)
			tt.check(t, nodes)
			assertSymmetric(t, nodes)
		})
	}
}

func TestManageNeighbour(t *testing.T) {
	net := topologytest.NewLocalNetwork()
	a := newTestNode(t, net, clock.NewMock(), 7001)
	ctx := context.Background()

	call := func(op string, node string, force bool) (bool, error) {
		return a.ManageNeighbour(ctx, a.Self(), topology.ManageNeighbourParams{
			Operation:     op,
			NeighbourType: string(topology.Upper),
			Node:          node,
			Force:         force,
		})
	}

	// fanout 2 accepts up to 3
	for _, peer := range []string{"p1:1", "p2:1", "p3:1"} {
		added, err := call(topology.NeighbourAppend, peer, false)
		require.NoError(t, err)
		assert.True(t, added)
	}
	added, err := call(topology.NeighbourAppend, "p1:1", false)
	require.NoError(t, err)
	assert.False(t, added)

	_, err = call(topology.NeighbourAppend, "p4:1", false)
	var remote *topology.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, topology.RCDontAppend, remote.Code)

	_, err = call(topology.NeighbourAppend, a.Self(), false)
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, topology.RCDontAppend, remote.Code)

	removed, err := call(topology.NeighbourRemove, "p3:1", false)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = call(topology.NeighbourRemove, "p2:1", false)
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, topology.RCDontRemove, remote.Code)

	removed, err = call(topology.NeighbourRemove, "p2:1", true)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = call(topology.NeighbourRemove, "absent:1", false)
	require.NoError(t, err)
	assert.False(t, removed)

	assert.Equal(t, []string{"p1:1"}, a.Neighbours(topology.Upper))
	assert.Equal(t, 3, a.events.count(topology.EventNeighbourAdded, ""))
	assert.Equal(t, 2, a.events.count(topology.EventNeighbourRemoved, ""))
}

func TestDiscoveryRollback(t *testing.T) {
	net := topologytest.NewLocalNetwork()
	clk := clock.NewMock()
	a := newTestNode(t, net, clk, 7001)
	b := newTestNode(t, net, clk, 7002)

	// b refuses every new Upper, so a's Superior entry must be rolled back
	for _, peer := range []string{"x1:1", "x2:1", "x3:1"} {
		b.SetNeighbour(topology.Upper, peer)
	}

	var res topology.DiscoveryResult
	require.NoError(t, a.Call(context.Background(), a.Self(), topology.MethodDiscovery, topology.DiscoveryParams{
		Node:         b.Self(),
		NodeType:     "dht",
		NeedUpper:    2,
		NeedSuperior: 2,
	}, &res))

	assert.Empty(t, res.Uppers)
	assert.Equal(t, []string{a.Self()}, res.Superiors)
	assert.NotContains(t, a.Neighbours(topology.Superior), b.Self())
	assert.Contains(t, a.Neighbours(topology.Upper), b.Self())
	assert.Contains(t, b.Neighbours(topology.Superior), a.Self())
}

func TestCallNetwork(t *testing.T) {
	net := topologytest.NewLocalNetwork()
	nodes := buildMesh(t, net, clock.NewMock(), 4)

	ops := make([]*callbackOp, len(nodes))
	for i, n := range nodes {
		ops[i] = &callbackOp{}
		n.Register("Announce", ops[i])
		n.Start()
	}

	req := topology.MustRequest("Announce", nil)
	require.NoError(t, nodes[1].CallNetwork(context.Background(), req))

	require.Eventually(t, func() bool {
		return len(ops[1].received()) == len(nodes)
	}, 2*time.Second, 10*time.Millisecond)

	for i, op := range ops {
		assert.Equal(t, int32(1), op.processed.Load(), nodes[i].Self())
	}
	from := make(map[string]bool)
	for _, resp := range ops[1].received() {
		assert.Equal(t, req.MessageID, resp.MessageID)
		from[resp.From] = true
	}
	assert.Len(t, from, len(nodes))
}

func TestCallNetworkCountsResponses(t *testing.T) {
	net := topologytest.NewLocalNetwork()
	nodes := buildMesh(t, net, clock.NewMock(), 3)

	var total atomic.Int32
	for _, n := range nodes {
		n.Register("Count", topology.OperationFunc(func(context.Context, *topology.Request) (*topology.Response, error) {
			total.Add(1)
			return topology.OK(nil)
		}))
		n.Start()
	}

	req := topology.MustRequest("Count", nil)
	require.NoError(t, nodes[0].CallNetwork(context.Background(), req))
	require.Eventually(t, func() bool {
		rec, ok := nodes[0].MessageRecord(req.MessageID)
		return ok && rec.ResponseCount == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), total.Load())
}

package topology_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zde37/rangedht/internal/topology"
	"github.com/zde37/rangedht/internal/topology/topologytest"
)

func TestCheckNeighboursDropsFailingSuperior(t *testing.T) {
	net := topologytest.NewLocalNetwork()
	nodes := buildMesh(t, net, clock.NewMock(), 2)
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	a.CheckNeighbours(ctx)
	assert.Contains(t, a.Neighbours(topology.Superior), b.Self())

	select {
	case <-a.PendingRebalances():
	default:
	}

	net.SetDown(b.Self(), true)
	for i := 0; i < a.Config().KeepAliveTryCount-1; i++ {
		a.CheckNeighbours(ctx)
		assert.Contains(t, a.Neighbours(topology.Superior), b.Self(), "attempt %d", i+1)
	}
	assert.Empty(t, a.PendingRebalances())

	a.CheckNeighbours(ctx)
	assert.NotContains(t, a.Neighbours(topology.Superior), b.Self())
	assert.Equal(t, 1, a.events.count(topology.EventNeighbourRemoved, b.Self()))
	require.Len(t, a.PendingRebalances(), 1, "removal schedules a rebalance")

	<-a.PendingRebalances()
	before := a.events.count(topology.EventRebalance, "")
	a.Rebalance(ctx)
	assert.Greater(t, a.events.count(topology.EventRebalance, ""), before, "the lost superior is reported as a deficit")
}

func TestCheckNeighboursResetsFailures(t *testing.T) {
	net := topologytest.NewLocalNetwork()
	nodes := buildMesh(t, net, clock.NewMock(), 2)
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	net.SetDown(b.Self(), true)
	a.CheckNeighbours(ctx)
	a.CheckNeighbours(ctx)
	net.SetDown(b.Self(), false)
	a.CheckNeighbours(ctx)
	net.SetDown(b.Self(), true)
	a.CheckNeighbours(ctx)
	a.CheckNeighbours(ctx)

	assert.Contains(t, a.Neighbours(topology.Superior), b.Self())
}

func TestCheckNeighboursNotMyNeighbour(t *testing.T) {
	net := topologytest.NewLocalNetwork()
	nodes := buildMesh(t, net, clock.NewMock(), 2)
	a, b := nodes[0], nodes[1]

	require.True(t, b.RemoveNeighbour(topology.Upper, a.Self()))

	a.CheckNeighbours(context.Background())
	assert.NotContains(t, a.Neighbours(topology.Superior), b.Self())
}

func TestCheckNeighboursDropsSilentUpper(t *testing.T) {
	net := topologytest.NewLocalNetwork()
	clk := clock.NewMock()
	nodes := buildMesh(t, net, clk, 2)
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	// b keeps a alive while it checks its Superiors
	clk.Add(a.Config().KeepAliveMaxWait / 2)
	b.CheckNeighbours(ctx)
	clk.Add(a.Config().KeepAliveMaxWait/2 + time.Second)
	a.CheckNeighbours(ctx)
	assert.Contains(t, a.Neighbours(topology.Upper), b.Self())

	clk.Add(a.Config().KeepAliveMaxWait + time.Second)
	net.SetDown(b.Self(), true)
	a.CheckNeighbours(ctx)
	assert.NotContains(t, a.Neighbours(topology.Upper), b.Self())
	assert.Contains(t, a.Neighbours(topology.Superior), b.Self())
}

func TestRebalanceReleasesSurplus(t *testing.T) {
	net := topologytest.NewLocalNetwork()
	nodes := buildMesh(t, net, clock.NewMock(), 4)
	a := nodes[0]
	require.Len(t, a.Neighbours(topology.Superior), 3)

	a.Rebalance(context.Background())

	assert.Len(t, a.Neighbours(topology.Superior), 2)
	assertSymmetric(t, nodes)
	assert.GreaterOrEqual(t, a.events.count(topology.EventRebalance, ""), 1)
}

func TestRebalanceRemembersRefusal(t *testing.T) {
	net := topologytest.NewLocalNetwork()
	clk := clock.NewMock()
	a := newTestNode(t, net, clk, 7001)
	peers := make([]*testNode, 3)
	for i := range peers {
		peers[i] = newTestNode(t, net, clk, 7002+i)
		a.SetNeighbour(topology.Superior, peers[i].Self())
		peers[i].SetNeighbour(topology.Upper, a.Self())
	}

	a.Rebalance(context.Background())

	// every peer holds a single Upper and refuses to drop it
	assert.Len(t, a.Neighbours(topology.Superior), 3)
	for _, p := range peers {
		assert.True(t, a.Refused(topology.Superior, p.Self()))
	}

	before := len(net.Requests(topology.MethodManageNeighbour))
	a.Rebalance(context.Background())
	assert.Len(t, net.Requests(topology.MethodManageNeighbour), before)
}

func TestRebalanceFillsDeficit(t *testing.T) {
	net := topologytest.NewLocalNetwork()
	clk := clock.NewMock()
	nodes := buildMesh(t, net, clk, 3)
	b, c := nodes[1], nodes[2]

	// c loses b in both directions and asks the first node for help
	require.True(t, c.RemoveNeighbour(topology.Superior, b.Self()))
	require.True(t, c.RemoveNeighbour(topology.Upper, b.Self()))
	require.True(t, b.RemoveNeighbour(topology.Upper, c.Self()))
	require.True(t, b.RemoveNeighbour(topology.Superior, c.Self()))

	c.Rebalance(context.Background())

	assert.Len(t, c.Neighbours(topology.Superior), 2)
	assert.Len(t, c.Neighbours(topology.Upper), 2)
	assertSymmetric(t, nodes)
	assert.Equal(t, 1, c.events.count(topology.EventRebalance, ""))
	assert.NotEmpty(t, net.Requests(topology.MethodDiscovery))
}

func TestTriggerRebalanceDoesNotBlock(t *testing.T) {
	net := topologytest.NewLocalNetwork()
	a := newTestNode(t, net, clock.NewMock(), 7001)
	for i := 0; i < 10; i++ {
		a.TriggerRebalance()
	}
	assert.Len(t, a.PendingRebalances(), 1)
}

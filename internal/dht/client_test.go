package dht

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zde37/rangedht/internal/topology"
	"github.com/zde37/rangedht/internal/topology/topologytest"
	"github.com/zde37/rangedht/pkg"
	"github.com/zde37/rangedht/pkg/hash"
)

func TestClientDataRoundTrip(t *testing.T) {
	n := newTestNode(t, topologytest.NewLocalNetwork(), 7001)
	ctx := testContext(t)
	require.NoError(t, n.Start(ctx))

	res, err := n.PutData(ctx, []byte("object body"), "", 2)
	require.NoError(t, err)
	assert.Len(t, res.Key, hash.HexLen)
	assert.Equal(t, 2, res.ReplicaCount)
	assert.Zero(t, res.FailedReplicas)
	assert.Equal(t, 2, n.Store().Replicas().Count())
	assert.Equal(t, 1, n.Operator().LocalPartition().Count())

	payload, got, err := n.GetData(ctx, res.Key, 2)
	require.NoError(t, err)
	assert.Equal(t, "object body", string(payload))
	assert.Equal(t, res.Key, got.Key)
	assert.Equal(t, 2, got.ReplicaCount)

	// the primary copy is gone, a replica still answers
	primary := hash.MustParseKey(res.Key)
	require.NoError(t, n.Operator().LocalPartition().Delete(primary))
	payload, _, err = n.GetData(ctx, res.Key, 2)
	require.NoError(t, err)
	assert.Equal(t, "object body", string(payload))

	deleted, err := n.DeleteData(ctx, res.Key, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, _, err = n.GetData(ctx, res.Key, 2)
	assert.ErrorIs(t, err, pkg.ErrNoData)
	_, err = n.DeleteData(ctx, res.Key, 2)
	assert.ErrorIs(t, err, pkg.ErrNoData)
}

func TestPutDataKeepsFramedKey(t *testing.T) {
	n := newTestNode(t, topologytest.NewLocalNetwork(), 7001)
	ctx := testContext(t)
	require.NoError(t, n.Start(ctx))

	first, err := n.PutData(ctx, []byte("payload"), hash.KeyToHex(big.NewInt(77)), 1)
	require.NoError(t, err)
	framed, _, err := n.readBlock(big.NewInt(77), false)
	require.NoError(t, err)

	// re-putting a framed block ignores the requested key and count
	second, err := n.PutData(ctx, framed, hash.KeyToHex(big.NewInt(99)), 0)
	require.NoError(t, err)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, 1, second.ReplicaCount)
}

func TestPutDataNotReady(t *testing.T) {
	n := newTestNode(t, topologytest.NewLocalNetwork(), 7001)
	_, err := n.PutData(testContext(t), []byte("x"), "", 0)
	assert.ErrorIs(t, err, pkg.ErrNodeNotReady)
}

func TestKeysInfo(t *testing.T) {
	_, a, b := startPair(t)

	info, err := a.KeysInfo(big.NewInt(0x10), 1)
	require.NoError(t, err)
	require.Len(t, info, 2)
	assert.Equal(t, KeyInfo{Key: hash.KeyToHex(big.NewInt(0x10)), Owner: a.Self()}, info[0])
	assert.Equal(t, b.Self(), info[1].Owner)
	assert.True(t, info[1].IsReplica)
}

func TestClientCall(t *testing.T) {
	n := newTestNode(t, topologytest.NewLocalNetwork(), 7001)
	ctx := testContext(t)
	require.NoError(t, n.Start(ctx))

	one, two, tooMany := 1, 2, 300
	key := hash.KeyToHex(big.NewInt(4242))

	resp, err := n.ClientCall(ctx, MethodClientPutData, ClientParams{Key: key, ReplicaCount: &one}, []byte("via client"))
	require.NoError(t, err)
	var put ClientData
	require.NoError(t, resp.Decode(&put))
	assert.Equal(t, key, put.Key)

	resp, err = n.ClientCall(ctx, MethodClientGetData, ClientParams{Key: key, ReplicaCount: &one}, nil)
	require.NoError(t, err)
	assert.Equal(t, "via client", string(resp.Binary))

	resp, err = n.ClientCall(ctx, MethodGetKeysInfo, ClientParams{Key: key, ReplicaCount: &two}, nil)
	require.NoError(t, err)
	var info []KeyInfo
	require.NoError(t, resp.Decode(&info))
	assert.Len(t, info, 3)

	resp, err = n.ClientCall(ctx, MethodPutKeysInfo, ClientParams{ReplicaCount: &one}, nil)
	require.NoError(t, err)
	require.NoError(t, resp.Decode(&info))
	assert.Len(t, info, 2)
	assert.False(t, info[0].IsReplica)

	_, err = n.ClientCall(ctx, MethodClientPutData, ClientParams{ReplicaCount: &tooMany}, []byte("x"))
	assert.Error(t, err)

	_, err = n.ClientCall(ctx, MethodPutDataBlock, blockParams{Key: key}, []byte("x"))
	assert.ErrorIs(t, err, pkg.ErrPermissionDenied)

	resp, err = n.ClientCall(ctx, MethodClientDeleteData, ClientParams{Key: key, ReplicaCount: &one}, nil)
	require.NoError(t, err)
	var del map[string]any
	require.NoError(t, resp.Decode(&del))
	assert.EqualValues(t, 2, del["deleted"])
}

func TestDefaultRoles(t *testing.T) {
	tests := []struct {
		role   string
		method string
		want   bool
	}{
		{role: RoleClient, method: MethodClientPutData, want: true},
		{role: RoleClient, method: MethodRepairDataBlocks, want: true},
		{role: RoleClient, method: MethodPutDataBlock, want: false},
		{role: RoleClient, method: MethodSplitRangeRequest, want: false},
		{role: "", method: MethodPutDataBlock, want: true},
		{role: "", method: topology.MethodKeepAlive, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.role+"/"+tt.method, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultRoles{}.Allow(tt.role, tt.method))
		})
	}
}

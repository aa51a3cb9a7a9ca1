package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmqd/config"
	"llmqd/llmq/quorums"
	"llmqd/network"
	"llmqd/types"
)

func newTestDevnet(t *testing.T, nodes int) *devnet {
	t.Helper()
	params, ok := config.GetLLMQParams(types.LLMQ_TEST)
	require.True(t, ok)
	d := &devnet{
		opts: devnetOptions{
			nodes:     nodes,
			blocks:    40,
			interval:  time.Millisecond,
			dataDir:   t.TempDir(),
			recoverer: 2,
		},
		params:  params,
		loop:    network.NewLoopbackNetwork(),
		source:  quorums.NewMemoryCommitmentSource(),
		addrs:   make(map[types.Hash]string),
		dealtAt: make(map[int32]bool),
	}
	require.NoError(t, d.initNodes())
	t.Cleanup(func() {
		for _, n := range d.nodes {
			n.Stop()
		}
	})
	d.connect()
	return d
}

func TestDevnetFormsChainLocks(t *testing.T) {
	d := newTestDevnet(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, n := range d.nodes {
		require.NoError(t, n.Start(ctx))
	}

	require.NoError(t, d.mine(ctx))
	assert.Len(t, d.dealtAt, 1)
	assert.Equal(t, 2, d.imported)

	for _, n := range d.nodes {
		require.Eventually(t, func() bool {
			return n.ChainLocks.GetBestChainLock().Height == 40
		}, 10*time.Second, 20*time.Millisecond, "%s never locked the tip", n.Name)
		assert.Equal(t, int32(40), n.Chain.LockedHeight())
	}

	// 未导入 DKG 结果的成员通过 QGETDATA 恢复
	rec := d.nodes[d.opts.recoverer]
	tip := rec.Chain.Tip()
	qs := rec.Quorums.ScanQuorums(types.LLMQ_TEST, tip.Height, 1)
	require.Len(t, qs, 1)
	require.Eventually(t, func() bool {
		data := rec.Quorums.GetLocalArtifacts(qs[0])
		return data.HasVerificationVector() && data.HasSecretKeyShare()
	}, 10*time.Second, 20*time.Millisecond)

	// 观察节点只拿验证向量
	watcher := d.nodes[3]
	require.Eventually(t, func() bool {
		return watcher.Quorums.GetLocalArtifacts(qs[0]).HasVerificationVector()
	}, 10*time.Second, 20*time.Millisecond)
	assert.False(t, watcher.Quorums.GetLocalArtifacts(qs[0]).HasSecretKeyShare())
}

func TestDevnetNodeConfig(t *testing.T) {
	d := newTestDevnet(t, 4)
	require.Len(t, d.nodes, 4)
	require.Len(t, d.members, 3)

	for i, n := range d.nodes[:3] {
		assert.True(t, n.Config.Node.Masternode)
		assert.Equal(t, d.members[i].ProTxHash, n.Config.Node.ProTxHash)
		assert.Len(t, n.Conn.Peers(), 3)
	}
	w := d.nodes[3]
	assert.False(t, w.Config.Node.Masternode)
	assert.True(t, w.Config.Node.WatchQuorums)
	assert.Equal(t, []types.LLMQType{types.LLMQ_TEST}, w.Config.QuorumData.RequestsQVVEC)

	p := d.nodes[0].Conn.PeerByAddr("node-1")
	require.NotNil(t, p)
	assert.True(t, p.IsAuthenticated())
	assert.False(t, d.nodes[0].Conn.PeerByAddr("node-3").IsAuthenticated())
}

func TestAdvertisedAddr(t *testing.T) {
	assert.Equal(t, "localhost:9999", advertisedAddr(":9999"))
	assert.Equal(t, "10.0.0.1:9999", advertisedAddr("10.0.0.1:9999"))
	assert.Equal(t, "", advertisedAddr(""))
}

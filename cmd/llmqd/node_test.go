package main

import (
	"context"
	"crypto/x509"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmqd/config"
	"llmqd/crt"
	"llmqd/logs"
	"llmqd/network"
	"llmqd/types"
)

func newTestNode(t *testing.T, cfg *config.Config) *NodeInstance {
	t.Helper()
	cfg.Network.Name = config.NetworkRegtest
	cfg.Database.DataDir = filepath.Join(t.TempDir(), "node")
	require.NoError(t, cfg.Validate())
	loop := network.NewLoopbackNetwork()
	n, err := initializeNode(nodeOptions{
		Name:      "node-0",
		Config:    cfg,
		Transport: loop.Transport(network.Identity{Addr: "node-0"}),
		Logger:    logs.NewLogger("node-0"),
	})
	require.NoError(t, err)
	t.Cleanup(n.Stop)
	return n
}

func TestDialLoopConnectsConfiguredMasternodes(t *testing.T) {
	mn := chainhash.HashH([]byte("mn-1"))
	unknown := chainhash.HashH([]byte("mn-2"))
	cfg := config.DefaultConfig()
	cfg.Network.Masternodes = map[types.Hash]string{mn: "10.0.0.2:9999"}
	cfg.Network.DialInterval = 10 * time.Millisecond
	n := newTestNode(t, cfg)

	// 启动前排队、地址未知的 masternode 留在队列里
	n.Conn.AddPendingMasternode(unknown)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.Start(ctx))

	require.Eventually(t, func() bool {
		_, ok := n.Conn.PeerForProTx(mn)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	p, _ := n.Conn.PeerForProTx(mn)
	assert.Equal(t, "10.0.0.2:9999", p.Addr)
	assert.True(t, p.IsAuthenticated())

	// 断开后下一轮补连
	n.Conn.RemovePeer(p.ID)
	require.Eventually(t, func() bool {
		q, ok := n.Conn.PeerForProTx(mn)
		return ok && q.ID != p.ID
	}, 2*time.Second, 10*time.Millisecond)

	n.stopDial()
	n.dialWG.Wait()
	_, ok := n.Conn.PeerForProTx(unknown)
	assert.False(t, ok)
	assert.Equal(t, []types.Hash{unknown}, n.Conn.PendingMasternodes())
}

func TestLoadCertificateCarriesOperatorTag(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	cfg := config.DefaultConfig()
	cfg.Node.Masternode = true
	cfg.Node.ProTxHash = chainhash.HashH([]byte("protx"))
	cfg.Node.OperatorKey = priv.Serialize()
	n := newTestNode(t, cfg)

	cert, err := n.loadCertificate()
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	id, err := crt.VerifyNodeCert(leaf)
	require.NoError(t, err)
	assert.Equal(t, priv.PubKey().SerializeCompressed(), id.OperatorPubKey)

	// 第二次加载复用同一张证书
	again, err := n.loadCertificate()
	require.NoError(t, err)
	assert.Equal(t, cert.Certificate[0], again.Certificate[0])
}

package quorums

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmqd/config"
	"llmqd/consensus"
	"llmqd/db"
	"llmqd/llmq/dkg"
	"llmqd/types"
)

type fixture struct {
	cfg     *config.Config
	chain   *consensus.ChainState
	blocks  []*types.BlockHeader
	source  *MemoryCommitmentSource
	db      *db.Manager
	members []types.MemberInfo
}

func newFixture(t *testing.T, local int) *fixture {
	t.Helper()
	genesis := types.NewTestHeader(types.ZeroHash, 0, 0, 1)
	chain, err := consensus.NewChainState(genesis, nil, nil)
	require.NoError(t, err)
	blocks := []*types.BlockHeader{genesis}
	for i := 1; i <= 30; i++ {
		h := types.NewTestHeader(blocks[i-1].Hash, int32(i), 0, 1)
		require.NoError(t, chain.AddHeader(h))
		blocks = append(blocks, h)
	}

	members := make([]types.MemberInfo, 3)
	for i := range members {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		members[i] = types.MemberInfo{
			ProTxHash:      chainhash.HashH([]byte{byte(i), 'm'}),
			OperatorPubKey: priv.PubKey().SerializeCompressed(),
		}
	}

	cfg := config.DefaultConfig()
	if local >= 0 {
		cfg.Node.Masternode = true
		cfg.Node.ProTxHash = members[local].ProTxHash
	}
	dbm, err := db.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbm.Close() })

	return &fixture{cfg: cfg, chain: chain, blocks: blocks, source: NewMemoryCommitmentSource(), db: dbm, members: members}
}

func (f *fixture) mine(t *testing.T, height int, valid []bool) (*types.FinalCommitment, *dkg.Output) {
	out, err := dkg.Deal(f.members, valid, 2)
	require.NoError(t, err)
	c := out.Commitment(types.LLMQ_TEST, f.blocks[height].Hash, int32(height), f.members)
	require.NoError(t, f.source.AddCommitment(c))
	return c, out
}

func (f *fixture) manager(t *testing.T) *Manager {
	m, err := NewManager(f.cfg, f.chain, f.source, f.db)
	require.NoError(t, err)
	return m
}

func TestGetQuorum(t *testing.T) {
	f := newFixture(t, 0)
	c, _ := f.mine(t, 24, []bool{true, false, true})
	m := f.manager(t)

	q, err := m.GetQuorum(types.LLMQ_TEST, c.QuorumHash)
	require.NoError(t, err)
	assert.Equal(t, 2, q.Threshold)
	assert.Len(t, q.Members, 3)
	assert.Equal(t, 2, q.ValidMemberCount())
	assert.False(t, q.Members[1].IsValid)
	assert.Equal(t, int32(24), q.Height)

	member, ok := m.GetMember(q, f.members[2].ProTxHash)
	require.True(t, ok)
	assert.Equal(t, 2, member.Index)

	_, err = m.GetQuorum(types.LLMQType(103), c.QuorumHash)
	assert.ErrorIs(t, err, ErrQuorumTypeInvalid)
	_, err = m.GetQuorum(types.LLMQ_TEST, f.blocks[10].Hash)
	assert.ErrorIs(t, err, ErrQuorumNotFound)
	_, ok = m.LookupBlock(f.blocks[10].Hash)
	assert.True(t, ok)
}

func TestArtifactsAndValidity(t *testing.T) {
	f := newFixture(t, 0)
	c, out := f.mine(t, 24, nil)
	m := f.manager(t)

	q, err := m.GetQuorum(types.LLMQ_TEST, c.QuorumHash)
	require.NoError(t, err)
	assert.False(t, q.Members[0].HasVerificationVector)
	data := m.GetLocalArtifacts(q)
	assert.False(t, data.HasVerificationVector())
	assert.False(t, data.HasSecretKeyShare())
	_, ok := m.VerificationVector(q)
	assert.False(t, ok)

	require.NoError(t, m.ImportDealerOutput(q, out))
	q, err = m.GetQuorum(types.LLMQ_TEST, c.QuorumHash)
	require.NoError(t, err)
	assert.True(t, q.Members[0].HasVerificationVector)
	assert.True(t, q.Members[1].HasContributions)

	data = m.GetLocalArtifacts(q)
	assert.Equal(t, out.VerificationVector, data.VerificationVector)
	assert.Equal(t, out.SecretKeyShares[f.members[0].ProTxHash], data.SecretKeyShare)
	assert.Equal(t, out.EncryptedContributions[f.members[0].ProTxHash], data.EncryptedContributions)

	poly, ok := m.VerificationVector(q)
	require.True(t, ok)
	assert.Equal(t, 2, poly.Threshold())

	enc, ok := m.GetEncryptedContributions(q, f.members[2].ProTxHash)
	require.True(t, ok)
	assert.Len(t, enc, 3)

	require.NoError(t, m.MarkMemberValidity(q, f.members[1].ProTxHash, false))
	q, err = m.GetQuorum(types.LLMQ_TEST, c.QuorumHash)
	require.NoError(t, err)
	assert.False(t, q.IsValidMember(f.members[1].ProTxHash))

	// 重启后仍然保持
	m2 := f.manager(t)
	q2, err := m2.GetQuorum(types.LLMQ_TEST, c.QuorumHash)
	require.NoError(t, err)
	assert.False(t, q2.IsValidMember(f.members[1].ProTxHash))

	require.NoError(t, m2.MarkMemberValidity(q2, f.members[1].ProTxHash, true))
	q2, err = m2.GetQuorum(types.LLMQ_TEST, c.QuorumHash)
	require.NoError(t, err)
	assert.True(t, q2.IsValidMember(f.members[1].ProTxHash))

	assert.Error(t, m2.MarkMemberValidity(q2, chainhash.HashH([]byte("stranger")), false))
}

func TestScanQuorums(t *testing.T) {
	f := newFixture(t, -1)
	f.mine(t, 0, nil)
	c1, _ := f.mine(t, 12, nil)
	c2, _ := f.mine(t, 24, nil)
	m := f.manager(t)

	got := m.ScanQuorums(types.LLMQ_TEST, 30, 2)
	require.Len(t, got, 2)
	assert.Equal(t, c2.QuorumHash, got[0].Hash)
	assert.Equal(t, c1.QuorumHash, got[1].Hash)

	got = m.ScanQuorums(types.LLMQ_TEST, 20, 5)
	require.Len(t, got, 2)
	assert.Equal(t, c1.QuorumHash, got[0].Hash)

	assert.Empty(t, m.ScanQuorums(types.LLMQ_DEVNET, 30, 2))
}

func TestOperatorPubKey(t *testing.T) {
	f := newFixture(t, -1)
	f.mine(t, 12, nil)
	m := f.manager(t)

	key, ok := m.OperatorPubKey(f.members[1].ProTxHash)
	require.True(t, ok)
	assert.Equal(t, f.members[1].OperatorPubKey, key)

	// 换了 operator key 后以新的承诺为准
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	f.members = append([]types.MemberInfo(nil), f.members...)
	f.members[1].OperatorPubKey = priv.PubKey().SerializeCompressed()
	f.mine(t, 24, nil)
	key, ok = m.OperatorPubKey(f.members[1].ProTxHash)
	require.True(t, ok)
	assert.Equal(t, f.members[1].OperatorPubKey, key)

	_, ok = m.OperatorPubKey(chainhash.HashH([]byte("stranger")))
	assert.False(t, ok)
}

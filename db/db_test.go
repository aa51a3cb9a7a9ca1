package db

import (
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmqd/types"
)

func openTestDB(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestReadWriteDelete(t *testing.T) {
	m := openTestDB(t)

	_, err := m.Read("missing")
	assert.True(t, IsNotFound(err))

	require.NoError(t, m.Write("k", []byte("v")))
	val, err := m.Read("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	ok, err := m.Has("k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.Delete("k"))
	ok, err = m.Has("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScanPrefix(t *testing.T) {
	m := openTestDB(t)
	require.NoError(t, m.WriteBatch(map[string][]byte{
		"a_1": {1},
		"a_2": {2},
		"b_1": {3},
	}))

	var got []string
	require.NoError(t, m.ScanPrefix("a_", func(key string, _ []byte) error {
		got = append(got, key)
		return nil
	}))
	assert.Equal(t, []string{"a_1", "a_2"}, got)
}

func TestQuorumArtifacts(t *testing.T) {
	m := openTestDB(t)
	qh := chainhash.HashH([]byte("quorum"))
	pro := chainhash.HashH([]byte("member"))

	_, err := m.GetVerificationVector(types.LLMQ_TEST, qh)
	assert.True(t, IsNotFound(err))

	vvec := [][]byte{{1, 2, 3}, {4, 5, 6}}
	require.NoError(t, m.SaveQuorumData(types.LLMQ_TEST, qh, vvec, []byte{9}))
	got, err := m.GetVerificationVector(types.LLMQ_TEST, qh)
	require.NoError(t, err)
	assert.Equal(t, vvec, got)
	sk, err := m.GetSecretKeyShare(types.LLMQ_TEST, qh)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, sk)

	// 不同类型互不影响
	_, err = m.GetVerificationVector(types.LLMQ_DEVNET, qh)
	assert.True(t, IsNotFound(err))

	contrib := [][]byte{{7}, {8}}
	require.NoError(t, m.SaveEncryptedContributions(types.LLMQ_TEST, qh, pro, contrib))
	gotContrib, err := m.GetEncryptedContributions(types.LLMQ_TEST, qh, pro)
	require.NoError(t, err)
	assert.Equal(t, contrib, gotContrib)

	invalid, err := m.IsMemberInvalid(types.LLMQ_TEST, qh, pro)
	require.NoError(t, err)
	assert.False(t, invalid)
	require.NoError(t, m.SetMemberInvalid(types.LLMQ_TEST, qh, pro, true))
	invalid, err = m.IsMemberInvalid(types.LLMQ_TEST, qh, pro)
	require.NoError(t, err)
	assert.True(t, invalid)
	require.NoError(t, m.SetMemberInvalid(types.LLMQ_TEST, qh, pro, false))
	invalid, err = m.IsMemberInvalid(types.LLMQ_TEST, qh, pro)
	require.NoError(t, err)
	assert.False(t, invalid)
}

func TestCommitments(t *testing.T) {
	m := openTestDB(t)
	valid := roaring.BitmapOf(0, 2)
	c := &types.FinalCommitment{
		LLMQType:     types.LLMQ_TEST,
		QuorumHash:   chainhash.HashH([]byte("q1")),
		QuorumHeight: 24,
		Members: []types.MemberInfo{
			{ProTxHash: chainhash.HashH([]byte("m0")), OperatorPubKey: []byte{2, 1}},
			{ProTxHash: chainhash.HashH([]byte("m1")), OperatorPubKey: []byte{2, 2}},
			{ProTxHash: chainhash.HashH([]byte("m2")), OperatorPubKey: []byte{2, 3}},
		},
		ValidMembers:    valid,
		QuorumPublicKey: []byte{0xaa, 0xbb},
		QuorumVvecHash:  chainhash.HashH([]byte("vvec")),
		MinedBlockHash:  chainhash.HashH([]byte("mined")),
	}
	require.NoError(t, m.SaveCommitment(c))

	got, err := m.GetCommitment(types.LLMQ_TEST, c.QuorumHash)
	require.NoError(t, err)
	assert.Equal(t, c.QuorumHeight, got.QuorumHeight)
	assert.Equal(t, c.Members, got.Members)
	assert.True(t, c.ValidMembers.Equals(got.ValidMembers))
	assert.Equal(t, c.QuorumPublicKey, got.QuorumPublicKey)
	assert.Equal(t, c.MinedBlockHash, got.MinedBlockHash)

	list, err := m.ListCommitments(types.LLMQ_TEST)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = m.ListCommitments(types.LLMQ_DEVNET)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestBlockHeadersAndChainLock(t *testing.T) {
	m := openTestDB(t)
	genesis := types.NewTestHeader(types.ZeroHash, 0, 0, 1)
	next := types.NewTestHeader(genesis.Hash, 1, 0, 1)
	require.NoError(t, m.SaveBlockHeader(genesis))
	require.NoError(t, m.SaveBlockHeader(next))

	got, err := m.GetBlockHeader(next.Hash)
	require.NoError(t, err)
	assert.Equal(t, next.PrevHash, got.PrevHash)
	assert.Equal(t, int32(1), got.Height)

	all, err := m.LoadBlockHeaders()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = m.GetBestChainLock()
	assert.True(t, IsNotFound(err))

	cl := &types.ChainLock{Height: 1, BlockHash: next.Hash, Signature: make([]byte, 64)}
	require.NoError(t, m.SaveBestChainLock(cl))
	gotCL, err := m.GetBestChainLock()
	require.NoError(t, err)
	assert.Equal(t, cl.Height, gotCL.Height)
	assert.Equal(t, cl.BlockHash, gotCL.BlockHash)
}

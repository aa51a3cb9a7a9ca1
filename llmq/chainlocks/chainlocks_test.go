package chainlocks

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"llmqd/config"
	"llmqd/consensus"
	"llmqd/db"
	"llmqd/interfaces"
	"llmqd/llmq/dkg"
	"llmqd/llmq/quorums"
	"llmqd/llmq/signing"
	"llmqd/network"
	"llmqd/types"
	"llmqd/utils"
)

type fixture struct {
	t       *testing.T
	cfg     *config.Config
	dbm     *db.Manager
	bus     *consensus.EventBus
	chain   *consensus.ChainState
	blocks  []*types.BlockHeader
	members []types.MemberInfo
	dealt   map[types.Hash]*dkg.Output
	qm      *quorums.Manager
	signer  *signing.Manager
	handler *Handler
}

// newFixture 40 个块，高度 12 和 24 各有一个 quorum，本节点是 members[0]
func newFixture(t *testing.T, multi bool) *fixture {
	f := &fixture{t: t, dealt: make(map[types.Hash]*dkg.Output)}
	var err error
	f.dbm, err = db.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.dbm.Close() })

	f.bus = consensus.NewEventBus()
	genesis := types.NewTestHeader(types.ZeroHash, 0, 0, 1)
	f.chain, err = consensus.NewChainState(genesis, f.dbm, f.bus)
	require.NoError(t, err)
	f.blocks = []*types.BlockHeader{genesis}
	for i := 1; i <= 40; i++ {
		h := types.NewTestHeader(f.blocks[i-1].Hash, int32(i), 0, 1)
		require.NoError(t, f.chain.AddHeader(h))
		f.blocks = append(f.blocks, h)
	}

	for i := 0; i < 3; i++ {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		f.members = append(f.members, types.MemberInfo{
			ProTxHash:      chainhash.HashH([]byte{byte(i), 'c'}),
			OperatorPubKey: priv.PubKey().SerializeCompressed(),
		})
	}
	f.cfg = config.DefaultConfig()
	f.cfg.Node.Masternode = true
	f.cfg.Node.ProTxHash = f.members[0].ProTxHash
	f.cfg.ChainLocks.MultiQuorum = multi

	source := quorums.NewMemoryCommitmentSource()
	for _, height := range []int32{12, 24} {
		out, err := dkg.Deal(f.members, nil, 2)
		require.NoError(t, err)
		hash := f.blocks[height].Hash
		f.dealt[hash] = out
		require.NoError(t, source.AddCommitment(out.Commitment(types.LLMQ_TEST, hash, height, f.members)))
	}
	f.qm, err = quorums.NewManager(f.cfg, f.chain, source, f.dbm)
	require.NoError(t, err)
	for hash, out := range f.dealt {
		q, err := f.qm.GetQuorum(types.LLMQ_TEST, hash)
		require.NoError(t, err)
		require.NoError(t, f.qm.ImportDealerOutput(q, out))
	}

	conn := network.NewConnManager(f.cfg.Network, nil, nil)
	f.signer = signing.NewManager(f.cfg, signing.Deps{Registry: f.qm, Artifacts: f.qm, Conn: conn})
	f.handler = f.newHandler(f.chain, f.bus)
	f.signer.RegisterListener(f.handler)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		f.handler.Stop()
	})
	require.NoError(t, f.handler.Start(ctx))
	return f
}

func (f *fixture) newHandler(chain *consensus.ChainState, bus interfaces.EventBus) *Handler {
	h, err := NewHandler(f.cfg, Deps{
		Chain:    chain,
		Registry: f.qm,
		Signer:   f.signer,
		Store:    f.dbm,
		Bus:      bus,
		Conn:     network.NewConnManager(f.cfg.Network, nil, nil),
	})
	require.NoError(f.t, err)
	return h
}

// memberShare 成员 member 对 (q, id, blockHash) 的签名份额
func (f *fixture) memberShare(q *types.Quorum, member int, id, blockHash types.Hash) []byte {
	sk := f.dealt[q.Hash].SecretKeyShares[f.members[member].ProTxHash]
	signHash := types.BuildSignHash(q.Type, q.Hash, id, blockHash)
	sh, err := utils.SignShare(sk, member, signHash[:])
	require.NoError(f.t, err)
	return sh
}

// recoveredSig 成员 0 和 1 的份额恢复出的 quorum 签名
func (f *fixture) recoveredSig(q *types.Quorum, id, blockHash types.Hash) []byte {
	poly, err := utils.ParseVerificationVector(f.dealt[q.Hash].VerificationVector)
	require.NoError(f.t, err)
	signHash := types.BuildSignHash(q.Type, q.Hash, id, blockHash)
	sig, err := utils.RecoverSignature(poly, signHash[:], [][]byte{
		f.memberShare(q, 0, id, blockHash),
		f.memberShare(q, 1, id, blockHash),
	}, 2, 3)
	require.NoError(f.t, err)
	return sig
}

// legacyLock 传统模式下为 (height, blockHash) 构造合法的 CLSIG
func (f *fixture) legacyLock(height int32, blockHash types.Hash) *types.ChainLock {
	id := RequestID(height, nil)
	q, err := f.signer.SelectQuorumForSigning(types.LLMQ_TEST, id, height-8)
	require.NoError(f.t, err)
	return &types.ChainLock{Height: height, BlockHash: blockHash, Signature: f.recoveredSig(q, id, blockHash)}
}

func (f *fixture) mine(parent *types.BlockHeader, nonce uint64, work int64) *types.BlockHeader {
	h := types.NewTestHeader(parent.Hash, parent.Height+1, nonce, work)
	require.NoError(f.t, f.chain.AddHeader(h))
	return h
}

func TestRequestID(t *testing.T) {
	buf := []byte{5, 'c', 'l', 's', 'i', 'g', 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(buf[6:], 41)
	assert.Equal(t, chainhash.DoubleHashH(buf), RequestID(41, nil))

	q := chainhash.HashH([]byte("quorum"))
	assert.Equal(t, chainhash.DoubleHashH(append(buf, q[:]...)), RequestID(41, &q))
	assert.NotEqual(t, RequestID(41, nil), RequestID(42, nil))
}

func TestFutureChainLockRejected(t *testing.T) {
	f := newFixture(t, false)
	fake := chainhash.HashH([]byte("fake"))
	err := f.handler.ProcessChainLock(nil, f.legacyLock(40+9, fake))
	assert.ErrorIs(t, err, ErrFutureChainLock)
	assert.True(t, f.handler.GetMostRecentChainLock().IsNull())
}

func TestBoundaryLockIsRecentButNotActive(t *testing.T) {
	f := newFixture(t, false)
	fake := chainhash.HashH([]byte("fake"))
	require.NoError(t, f.handler.ProcessChainLock(nil, f.legacyLock(40+8, fake)))

	recent := f.handler.GetMostRecentChainLock()
	assert.Equal(t, int32(48), recent.Height)
	assert.Equal(t, fake, recent.BlockHash)
	assert.True(t, f.handler.GetBestChainLock().IsNull())

	// 下一个真实区块仍然正常签名
	next := f.mine(f.blocks[40], 0, 1)
	id := RequestID(41, nil)
	require.True(t, signedLocally(f.signer, id))
	q, err := f.signer.SelectQuorumForSigning(types.LLMQ_TEST, id, 33)
	require.NoError(t, err)
	require.NoError(t, f.signer.SubmitShare(q, 1, id, next.Hash, f.memberShare(q, 1, id, next.Hash)))

	best := f.handler.GetBestChainLock()
	assert.Equal(t, int32(41), best.Height)
	assert.Equal(t, next.Hash, best.BlockHash)
	assert.Equal(t, int32(48), f.handler.GetMostRecentChainLock().Height)
	assert.True(t, f.handler.HasChainLock(41, next.Hash))
	assert.True(t, f.handler.HasChainLock(40, f.blocks[40].Hash))
	state, _ := f.signer.State(id)
	assert.Equal(t, signing.StateAggregated, state)
}

func TestInvalidAndStaleLocks(t *testing.T) {
	f := newFixture(t, false)
	cl := f.legacyLock(40, f.blocks[40].Hash)
	bad := cl.Clone()
	bad.BlockHash = f.blocks[39].Hash
	assert.ErrorIs(t, f.handler.ProcessChainLock(nil, bad), ErrInvalidSignature)
	assert.True(t, f.handler.GetMostRecentChainLock().IsNull())

	require.NoError(t, f.handler.ProcessChainLock(nil, cl))
	assert.Equal(t, int32(40), f.handler.GetBestChainLock().Height)
	// 重复消息直接忽略
	require.NoError(t, f.handler.ProcessChainLock(nil, cl))

	older := f.legacyLock(39, f.blocks[39].Hash)
	assert.ErrorIs(t, f.handler.ProcessChainLock(nil, older), ErrStaleChainLock)
	assert.Equal(t, int32(40), f.handler.GetBestChainLock().Height)

	// 低于生效锁的记录会被清理
	assert.Equal(t, 0, f.handler.Cleanup())
	require.NoError(t, f.handler.ProcessChainLock(nil, f.legacyLock(41, chainhash.HashH([]byte("x")))))
	assert.Len(t, f.handler.Locks(), 2)
}

func TestLegacySignsOncePerHeight(t *testing.T) {
	f := newFixture(t, false)
	fake := chainhash.HashH([]byte("fake"))
	require.NoError(t, f.handler.ProcessChainLock(nil, f.legacyLock(41, fake)))

	// 已知高度 41 的锁，不再为真实区块签名
	f.mine(f.blocks[40], 0, 1)
	assert.False(t, signedLocally(f.signer, RequestID(41, nil)))
	assert.True(t, f.handler.GetBestChainLock().IsNull())
	assert.Equal(t, fake, f.handler.GetMostRecentChainLock().BlockHash)
}

func TestConflictingTipNeverSelected(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.handler.ProcessChainLock(nil, f.legacyLock(40, f.blocks[40].Hash)))

	// 从 38 分叉、工作量更大的链
	fork := f.blocks[38]
	var forkBlocks []*types.BlockHeader
	for i := 0; i < 3; i++ {
		fork = f.mine(fork, 7, 100)
		forkBlocks = append(forkBlocks, fork)
	}
	assert.Equal(t, f.blocks[40].Hash, f.chain.Tip().Hash)
	assert.True(t, f.handler.HasConflictingChainLock(39, forkBlocks[0].Hash))
	assert.False(t, f.handler.HasConflictingChainLock(39, f.blocks[39].Hash))
	assert.False(t, f.handler.HasConflictingChainLock(41, forkBlocks[2].Hash))

	found := false
	for _, tip := range f.chain.ChainTips() {
		if tip.Hash == fork.Hash.String() {
			assert.Equal(t, "conflicting", tip.Status)
			found = true
		}
	}
	assert.True(t, found)
}

func TestPendingLockActivatesWhenBlockArrives(t *testing.T) {
	f := newFixture(t, false)
	next := types.NewTestHeader(f.blocks[40].Hash, 41, 3, 1)
	require.NoError(t, f.handler.ProcessChainLock(nil, f.legacyLock(41, next.Hash)))
	assert.True(t, f.handler.GetBestChainLock().IsNull())

	require.NoError(t, f.chain.AddHeader(next))
	assert.Equal(t, next.Hash, f.handler.GetBestChainLock().BlockHash)
	assert.Equal(t, int32(41), f.chain.LockedHeight())
}

func TestLowerLockLosesActivationRace(t *testing.T) {
	f := newFixture(t, false)
	// 并发激活中更高的锁先到达链状态
	require.NoError(t, f.chain.EnforceChainLock(40, f.blocks[40].Hash))

	require.NoError(t, f.handler.ProcessChainLock(nil, f.legacyLock(39, f.blocks[39].Hash)))
	assert.True(t, f.handler.GetBestChainLock().IsNull())
	assert.Equal(t, int32(40), f.chain.LockedHeight())
	_, err := f.dbm.GetBestChainLock()
	assert.True(t, db.IsNotFound(err))

	require.NoError(t, f.handler.ProcessChainLock(nil, f.legacyLock(40, f.blocks[40].Hash)))
	assert.Equal(t, int32(40), f.handler.GetBestChainLock().Height)
	stored, err := f.dbm.GetBestChainLock()
	require.NoError(t, err)
	assert.Equal(t, f.blocks[40].Hash, stored.BlockHash)
}

func TestRestartReenforcesActiveLock(t *testing.T) {
	f := newFixture(t, false)
	// 较弱的 40 被锁定，另一条分叉工作量更大
	fork := f.blocks[37]
	for i := 0; i < 4; i++ {
		fork = f.mine(fork, 9, 50)
	}
	require.Equal(t, fork.Hash, f.chain.Tip().Hash)
	require.NoError(t, f.handler.ProcessChainLock(nil, f.legacyLock(40, f.blocks[40].Hash)))
	require.Equal(t, f.blocks[40].Hash, f.chain.Tip().Hash)

	// 重启：从存储重建链状态，先按工作量选出分叉
	restarted, err := consensus.NewChainState(f.blocks[0], f.dbm, nil)
	require.NoError(t, err)
	require.Equal(t, fork.Hash, restarted.Tip().Hash)

	h := f.newHandler(restarted, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))
	defer h.Stop()
	assert.Equal(t, f.blocks[40].Hash, restarted.Tip().Hash)
	assert.Equal(t, int32(40), h.GetBestChainLock().Height)
}

func TestMultiQuorumAggregation(t *testing.T) {
	f := newFixture(t, true)
	qs := f.handler.Policy().Quorums(33)
	require.Len(t, qs, 2)

	// 单个 quorum 为假区块签名：只是部分锁
	fake := chainhash.HashH([]byte("fake"))
	q0 := qs[0].Hash
	id0 := RequestID(41, &q0)
	partial := &types.ChainLock{Height: 41, BlockHash: fake, Signature: f.recoveredSig(qs[0], id0, fake), Signers: []bool{true, false}}
	require.NoError(t, f.handler.ProcessChainLock(nil, partial))
	assert.Equal(t, fake, f.handler.GetMostRecentChainLock().BlockHash)
	assert.True(t, f.handler.GetBestChainLock().IsNull())

	// 诚实的 quorum 仍为真实区块签名，过半后聚合生效
	next := f.mine(f.blocks[40], 0, 1)
	for _, q := range qs {
		h := q.Hash
		id := RequestID(41, &h)
		require.True(t, signedLocally(f.signer, id))
		require.NoError(t, f.signer.SubmitShare(q, 1, id, next.Hash, f.memberShare(q, 1, id, next.Hash)))
	}
	best := f.handler.GetBestChainLock()
	assert.Equal(t, next.Hash, best.BlockHash)
	assert.Equal(t, []bool{true, true}, best.Signers)
	assert.Equal(t, next.Hash, f.handler.GetMostRecentChainLock().BlockHash)

	// 聚合后的锁能被其他节点验证
	verdict, err := f.handler.Policy().Verify(best, 33)
	require.NoError(t, err)
	assert.True(t, verdict.Full)

	// signers 长度不对
	bad := best.Clone()
	bad.Signers = []bool{true}
	_, err = f.handler.Policy().Verify(bad, 33)
	assert.ErrorIs(t, err, ErrInvalidSigners)
}

func TestDisabledHandler(t *testing.T) {
	f := newFixture(t, false)
	f.cfg.ChainLocks.Enabled = false
	h := f.newHandler(f.chain, nil)
	assert.ErrorIs(t, h.ProcessChainLock(nil, f.legacyLock(40, f.blocks[40].Hash)), ErrDisabled)
}

func TestHandlerStartStop(t *testing.T) {
	f := newFixture(t, false)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := f.newHandler(f.chain, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Start(ctx))
	require.NoError(t, h.Start(ctx))
	cancel()
	h.Stop()
	h.Stop()
}

type switchSporks struct{ on bool }

func (s *switchSporks) ChainLocksEnabled() bool  { return s.on }
func (s *switchSporks) MultiQuorumEnabled() bool { return false }

func TestSporkToggle(t *testing.T) {
	f := newFixture(t, false)
	sporks := &switchSporks{}
	h, err := NewHandler(f.cfg, Deps{Chain: f.chain, Registry: f.qm, Signer: f.signer, Sporks: sporks})
	require.NoError(t, err)
	assert.Equal(t, "legacy", h.Policy().Name())

	cl := f.legacyLock(40, f.blocks[40].Hash)
	assert.ErrorIs(t, h.ProcessChainLock(nil, cl), ErrDisabled)
	sporks.on = true
	require.NoError(t, h.ProcessChainLock(nil, cl))
	assert.Equal(t, int32(40), h.GetBestChainLock().Height)
}

func signedLocally(m *signing.Manager, id types.Hash) bool {
	for _, s := range m.Sessions() {
		if s.ID == id.String() {
			return s.Signed
		}
	}
	return false
}

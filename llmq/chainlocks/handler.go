// llmq/chainlocks/handler.go
// Chain lock 处理：为新链尖发起签名、验证 CLSIG、维护 most-recent / active 锁

package chainlocks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	lru "github.com/hashicorp/golang-lru"

	"llmqd/config"
	"llmqd/consensus"
	"llmqd/db"
	"llmqd/interfaces"
	"llmqd/llmq/quorums"
	"llmqd/llmq/signing"
	"llmqd/logs"
	"llmqd/network"
	"llmqd/stats"
	"llmqd/types"
	"llmqd/utils"
)

var (
	// ErrDisabled chain lock 未启用
	ErrDisabled = errors.New("chain locks disabled")
	// ErrFutureChainLock 高度超过 tip + SignHeightOffset
	ErrFutureChainLock = errors.New("chain lock height too far in the future")
	// ErrStaleChainLock 不高于当前生效锁
	ErrStaleChainLock = errors.New("chain lock not above active lock")
	// ErrUnknownScanBlock 本地链上没有 height - SignHeightOffset 处的区块
	ErrUnknownScanBlock = errors.New("quorum scan block unknown")
)

// Chain 链状态：只读视图加上锁定能力
type Chain interface {
	interfaces.ChainView
	EnforceChainLock(height int32, hash types.Hash) error
}

// Signer 签名会话管理器
type Signer interface {
	QuorumSelector
	AsyncSignIfMember(q *types.Quorum, id, msgHash types.Hash) bool
	Abandon(id types.Hash)
	MarkAggregated(id types.Hash)
}

// Store 生效锁的持久化
type Store interface {
	SaveBestChainLock(cl *types.ChainLock) error
	GetBestChainLock() (*types.ChainLock, error)
}

// SporkSource 功能开关
type SporkSource interface {
	ChainLocksEnabled() bool
	MultiQuorumEnabled() bool
}

// StaticSporks 固定取值的开关（取自配置）
type StaticSporks struct {
	Enabled     bool
	MultiQuorum bool
}

func (s StaticSporks) ChainLocksEnabled() bool  { return s.Enabled }
func (s StaticSporks) MultiQuorumEnabled() bool { return s.MultiQuorum }

// Deps Handler 依赖；Sporks 为 nil 时按配置
type Deps struct {
	Chain    Chain
	Registry quorums.Registry
	Signer   Signer
	Store    Store
	Sporks   SporkSource
	Conn     *network.ConnManager
	Bus      interfaces.EventBus
	Stats    *stats.Stats
}

// heightState 某个高度上已验证的锁
type heightState struct {
	height int32
	// 可生效的完整锁，按区块哈希
	full map[types.Hash]*types.ChainLock
	// 多 quorum 模式下单个 quorum 的部分签名：区块哈希 -> quorum 下标 -> 签名
	partial map[types.Hash]map[int][]byte
}

func (s *heightState) Less(than btree.Item) bool {
	return s.height < than.(*heightState).height
}

func (s *heightState) hasAny() bool {
	return len(s.full) > 0 || len(s.partial) > 0
}

// Handler chain lock 处理器
type Handler struct {
	cfg    config.ChainLocksConfig
	chain  Chain
	signer Signer
	store  Store
	sporks SporkSource
	conn   *network.ConnManager
	bus    interfaces.EventBus
	stats  *stats.Stats
	logger logs.Logger
	policy SigningPolicy
	seen   *lru.Cache

	mu         sync.Mutex
	locks      *btree.BTree
	mostRecent *types.ChainLock
	active     *types.ChainLock

	lastSignedHeight int32
	lastSignedMsg    types.Hash
	lastSignedIDs    map[types.Hash]types.Hash // requestID -> quorumHash

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewHandler 创建处理器，签名策略在此选定
func NewHandler(cfg *config.Config, deps Deps) (*Handler, error) {
	c := cfg.ChainLocks
	sporks := deps.Sporks
	if sporks == nil {
		sporks = StaticSporks{Enabled: c.Enabled, MultiQuorum: c.MultiQuorum}
	}
	// 策略只在启动时选定一次
	policy, err := NewSigningPolicy(sporks.MultiQuorumEnabled(), c.LLMQType, deps.Registry, deps.Signer)
	if err != nil {
		return nil, err
	}
	size := c.SeenCacheSize
	if size <= 0 {
		size = 10000
	}
	seen, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Handler{
		cfg:              c,
		chain:            deps.Chain,
		signer:           deps.Signer,
		store:            deps.Store,
		sporks:           sporks,
		conn:             deps.Conn,
		bus:              deps.Bus,
		stats:            deps.Stats,
		logger:           logs.NewLogger("ChainLocks"),
		policy:           policy,
		seen:             seen,
		locks:            btree.New(8),
		mostRecent:       types.NullChainLock(),
		active:           types.NullChainLock(),
		lastSignedHeight: -1,
		lastSignedIDs:    make(map[types.Hash]types.Hash),
		stopCh:           make(chan struct{}),
	}, nil
}

// Policy 当前签名策略
func (h *Handler) Policy() SigningPolicy {
	return h.policy
}

// RegisterHandlers 注册 CLSIG
func (h *Handler) RegisterHandlers(r *network.Router, inbox *network.Inbox) {
	clsig := func(p *network.Peer, msg types.Message) {
		cl := msg.(*types.MsgCLSig).ChainLock
		if err := h.ProcessChainLock(p, &cl); err != nil {
			h.logger.Debug("clsig from %s: %v", p, err)
		}
	}
	if inbox != nil {
		clsig = network.Async(inbox, clsig)
	}
	r.Register(types.KindCLSig, clsig)
}

// ========== 生命周期 ==========

// Start 恢复持久化的生效锁并强制执行，然后订阅链事件
func (h *Handler) Start(ctx context.Context) error {
	if h.running.Swap(true) {
		return nil
	}
	h.reload()
	if h.bus != nil {
		h.bus.Subscribe(types.EventAcceptedBlockHeader, func(ev interfaces.Event) {
			if d, ok := ev.Data().(types.BlockEventData); ok {
				h.AcceptedBlockHeader(d.Height, d.Hash)
			}
		})
		h.bus.Subscribe(types.EventUpdatedBlockTip, func(ev interfaces.Event) {
			if d, ok := ev.Data().(types.BlockEventData); ok {
				if hdr, found := h.chain.LookupBlock(d.Hash); found {
					h.UpdatedBlockTip(hdr)
				}
			}
		})
	}

	interval := h.cfg.CleanupInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case <-ticker.C:
				h.Cleanup()
			}
		}
	}()
	h.logger.Info("started, policy=%s enabled=%v", h.policy.Name(), h.sporks.ChainLocksEnabled())
	return nil
}

// Stop 停止清理循环
func (h *Handler) Stop() {
	h.stopOnce.Do(func() {
		h.running.Store(false)
		close(h.stopCh)
		h.wg.Wait()
	})
}

func (h *Handler) reload() {
	if h.store == nil {
		return
	}
	cl, err := h.store.GetBestChainLock()
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			h.logger.Warn("load best chain lock: %v", err)
		}
		return
	}
	if cl.IsNull() {
		return
	}
	h.mu.Lock()
	h.active = cl.Clone()
	h.mostRecent = cl.Clone()
	h.recordLocked(cl, true)
	h.mu.Unlock()

	if err := h.chain.EnforceChainLock(cl.Height, cl.BlockHash); err != nil {
		h.logger.Warn("enforce persisted %s: %v", cl, err)
		return
	}
	h.stats.SetActiveChainLockHeight(cl.Height)
	h.logger.Info("restored active %s", cl)
}

// ========== 签名 ==========

// UpdatedBlockTip 新的最佳链尖
func (h *Handler) UpdatedBlockTip(tip *types.BlockHeader) {
	h.TrySignChainTip(tip)
}

// TrySignChainTip 为链尖发起签名（不等待结果）
func (h *Handler) TrySignChainTip(tip *types.BlockHeader) {
	if !h.sporks.ChainLocksEnabled() || tip == nil {
		return
	}
	scanHeight := tip.Height - h.cfg.SignHeightOffset
	if scanHeight < 0 {
		return
	}

	h.mu.Lock()
	if !h.active.IsNull() && h.active.Height >= tip.Height {
		h.mu.Unlock()
		return
	}
	if !h.policy.ShouldSign(tip.Height, h.getLocked(tip.Height), tip.Hash, h.lastSignedHeight, h.lastSignedMsg) {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	targets, err := h.policy.Targets(tip.Height, scanHeight)
	if err != nil {
		h.logger.Debug("no quorum to sign height %d: %v", tip.Height, err)
		return
	}

	h.mu.Lock()
	if h.lastSignedHeight == tip.Height && h.lastSignedMsg == tip.Hash {
		h.mu.Unlock()
		return
	}
	h.lastSignedHeight = tip.Height
	h.lastSignedMsg = tip.Hash
	h.lastSignedIDs = make(map[types.Hash]types.Hash, len(targets))
	for _, t := range targets {
		h.lastSignedIDs[t.ID] = t.Quorum.Hash
	}
	h.mu.Unlock()

	signed := 0
	for _, t := range targets {
		if h.signer.AsyncSignIfMember(t.Quorum, t.ID, tip.Hash) {
			signed++
		}
	}
	h.stats.RecordChainLock("sign-attempt")
	h.logger.Debug("try sign height=%d hash=%s, %d/%d quorums signed locally", tip.Height, tip.Hash, signed, len(targets))
}

// HandleNewRecoveredSig 本节点发起的签名恢复完成，组装 CLSIG
func (h *Handler) HandleNewRecoveredSig(rs *signing.RecoveredSig) {
	if !h.sporks.ChainLocksEnabled() {
		return
	}
	h.mu.Lock()
	quorumHash, ok := h.lastSignedIDs[rs.ID]
	if !ok || quorumHash != rs.QuorumHash || rs.MsgHash != h.lastSignedMsg {
		h.mu.Unlock()
		return
	}
	height := h.lastSignedHeight
	h.mu.Unlock()

	signers, err := h.policy.SignersFor(rs.QuorumHash, height-h.cfg.SignHeightOffset)
	if err != nil {
		h.logger.Warn("recovered sig for height %d: %v", height, err)
		return
	}
	cl := &types.ChainLock{Height: height, BlockHash: rs.MsgHash, Signature: rs.Sig, Signers: signers}
	h.signer.MarkAggregated(rs.ID)
	if err := h.ProcessChainLock(nil, cl); err != nil {
		h.logger.Debug("own %s: %v", cl, err)
	}
}

// ========== CLSIG ==========

// ProcessChainLock 处理 CLSIG；from 为 nil 表示本地产生
func (h *Handler) ProcessChainLock(from *network.Peer, cl *types.ChainLock) error {
	if !h.sporks.ChainLocksEnabled() {
		return ErrDisabled
	}
	if seen, _ := h.seen.ContainsOrAdd(cl.Hash(), struct{}{}); seen {
		return nil
	}

	tip := h.chain.Tip()
	h.mu.Lock()
	active := h.active
	h.mu.Unlock()
	if !active.IsNull() && cl.Height <= active.Height {
		h.stats.RecordChainLock("stale")
		return fmt.Errorf("%w: %d <= %d", ErrStaleChainLock, cl.Height, active.Height)
	}
	if tip == nil || cl.Height > tip.Height+h.cfg.SignHeightOffset {
		h.stats.RecordChainLock("future")
		return fmt.Errorf("%w: height %d", ErrFutureChainLock, cl.Height)
	}
	scanHeight := cl.Height - h.cfg.SignHeightOffset
	if scanHeight < 0 {
		return fmt.Errorf("%w: height %d", ErrUnknownScanBlock, scanHeight)
	}
	if _, ok := h.chain.GetAncestor(scanHeight); !ok {
		return fmt.Errorf("%w: height %d", ErrUnknownScanBlock, scanHeight)
	}

	// 验签不持锁
	verdict, err := h.policy.Verify(cl, scanHeight)
	if err != nil {
		h.stats.RecordChainLock("invalid")
		h.logger.Info("invalid %s from %s: %v", cl, peerName(from), err)
		return err
	}
	h.stats.RecordChainLock("accepted")

	h.mu.Lock()
	full := h.recordLocked(cl, verdict.Full)
	if full == nil && len(verdict.Signers) == 1 {
		full = h.addPartialLocked(cl, verdict.Signers[0])
	}
	if h.mostRecent.IsNull() || cl.Height >= h.mostRecent.Height {
		h.mostRecent = cl.Clone()
		if full != nil {
			h.mostRecent = full.Clone()
		}
	}
	var cancel []types.Hash
	if full != nil && full.Height == h.lastSignedHeight {
		for id := range h.lastSignedIDs {
			cancel = append(cancel, id)
		}
	}
	h.mu.Unlock()

	h.logger.Info("accepted %s from %s (full=%v)", cl, peerName(from), full != nil)
	for _, id := range cancel {
		h.signer.Abandon(id)
	}
	h.relay(from, cl)
	if full != nil {
		if full != cl {
			h.relay(nil, full)
		}
		h.tryActivate(full)
	}
	return nil
}

// recordLocked 记录完整锁，返回可生效的锁
func (h *Handler) recordLocked(cl *types.ChainLock, full bool) *types.ChainLock {
	st := h.getLocked(cl.Height)
	if st == nil {
		st = &heightState{
			height:  cl.Height,
			full:    make(map[types.Hash]*types.ChainLock),
			partial: make(map[types.Hash]map[int][]byte),
		}
		h.locks.ReplaceOrInsert(st)
	}
	if !full {
		return nil
	}
	if prev, ok := st.full[cl.BlockHash]; ok {
		return prev
	}
	st.full[cl.BlockHash] = cl.Clone()
	return cl
}

// addPartialLocked 累积单 quorum 签名，过半时聚合成完整锁
func (h *Handler) addPartialLocked(cl *types.ChainLock, quorumIdx int) *types.ChainLock {
	st := h.getLocked(cl.Height)
	sigs := st.partial[cl.BlockHash]
	if sigs == nil {
		sigs = make(map[int][]byte)
		st.partial[cl.BlockHash] = sigs
	}
	sigs[quorumIdx] = cl.Signature
	n := len(cl.Signers)
	if len(sigs)*2 <= n {
		return nil
	}

	signers := make([]bool, n)
	parts := make([][]byte, 0, len(sigs))
	for i := 0; i < n; i++ {
		if sig, ok := sigs[i]; ok {
			signers[i] = true
			parts = append(parts, sig)
		}
	}
	agg, err := utils.AggregateSignatures(parts...)
	if err != nil {
		h.logger.Warn("aggregate %d quorum signatures at height %d: %v", len(parts), cl.Height, err)
		return nil
	}
	full := &types.ChainLock{Height: cl.Height, BlockHash: cl.BlockHash, Signature: agg, Signers: signers}
	st.full[cl.BlockHash] = full
	h.seen.Add(full.Hash(), struct{}{})
	h.stats.RecordChainLock("aggregated")
	return full
}

func (h *Handler) getLocked(height int32) *heightState {
	item := h.locks.Get(&heightState{height: height})
	if item == nil {
		return nil
	}
	return item.(*heightState)
}

// tryActivate 区块已知且高于当前生效锁时生效
func (h *Handler) tryActivate(cl *types.ChainLock) bool {
	blk, ok := h.chain.LookupBlock(cl.BlockHash)
	if !ok {
		h.logger.Debug("%s waits for its block", cl)
		return false
	}
	if blk.Height != cl.Height {
		h.logger.Warn("%s points at block of height %d", cl, blk.Height)
		return false
	}
	h.mu.Lock()
	stale := !h.active.IsNull() && cl.Height <= h.active.Height
	h.mu.Unlock()
	if stale {
		return false
	}

	// 链状态只接受更高的锁，并发激活以它为准；切换链尖不持有本组件的锁
	if err := h.chain.EnforceChainLock(cl.Height, cl.BlockHash); err != nil {
		if !errors.Is(err, consensus.ErrStaleLock) {
			h.logger.Warn("enforce %s: %v", cl, err)
		}
		return false
	}
	h.mu.Lock()
	if !h.active.IsNull() && cl.Height <= h.active.Height {
		h.mu.Unlock()
		return false
	}
	h.active = cl.Clone()
	if h.store != nil {
		if err := h.store.SaveBestChainLock(cl); err != nil {
			h.logger.Error("persist %s: %v", cl, err)
		}
	}
	h.mu.Unlock()

	h.stats.RecordChainLock("activated")
	h.stats.SetActiveChainLockHeight(cl.Height)
	h.logger.Info("activated %s", cl)
	if h.bus != nil {
		h.bus.Publish(types.BaseEvent{
			EventType: types.EventChainLockActivated,
			EventData: types.BlockEventData{Hash: cl.BlockHash, Height: cl.Height},
		})
	}
	return true
}

// AcceptedBlockHeader 新区块头到达，检查是否有等待它的锁
func (h *Handler) AcceptedBlockHeader(height int32, hash types.Hash) {
	h.mu.Lock()
	var cl *types.ChainLock
	if st := h.getLocked(height); st != nil {
		cl = st.full[hash]
	}
	h.mu.Unlock()
	if cl != nil {
		h.tryActivate(cl)
	}
}

func (h *Handler) relay(from *network.Peer, cl *types.ChainLock) {
	if h.conn == nil {
		return
	}
	h.conn.Broadcast(&types.MsgCLSig{ChainLock: *cl}, func(p *network.Peer) bool {
		return from == nil || p.ID != from.ID
	})
}

func peerName(p *network.Peer) string {
	if p == nil {
		return "local"
	}
	return p.String()
}

// Cleanup 删除低于生效锁的记录
func (h *Handler) Cleanup() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active.IsNull() {
		return 0
	}
	var old []btree.Item
	h.locks.AscendLessThan(&heightState{height: h.active.Height}, func(i btree.Item) bool {
		old = append(old, i)
		return true
	})
	for _, i := range old {
		h.locks.Delete(i)
	}
	return len(old)
}

// ========== 查询 ==========

// GetMostRecentChainLock 最近验证通过的锁（区块可能未知）
func (h *Handler) GetMostRecentChainLock() *types.ChainLock {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mostRecent.Clone()
}

// GetBestChainLock 当前生效的锁
func (h *Handler) GetBestChainLock() *types.ChainLock {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active.Clone()
}

// HasChainLock (height, hash) 被生效锁覆盖
func (h *Handler) HasChainLock(height int32, hash types.Hash) bool {
	h.mu.Lock()
	active := h.active
	h.mu.Unlock()
	if active.IsNull() || height > active.Height {
		return false
	}
	if height == active.Height {
		return hash == active.BlockHash
	}
	if !h.chain.IsOnActiveChain(active.BlockHash) {
		return false
	}
	anc, ok := h.chain.GetAncestor(height)
	return ok && anc.Hash == hash
}

// HasConflictingChainLock 生效锁锁定了该高度上的另一个区块
func (h *Handler) HasConflictingChainLock(height int32, hash types.Hash) bool {
	h.mu.Lock()
	active := h.active
	h.mu.Unlock()
	if active.IsNull() || height > active.Height {
		return false
	}
	return !h.HasChainLock(height, hash)
}

// LockInfo 某高度的锁概况
type LockInfo struct {
	Height   int32    `json:"height"`
	Full     []string `json:"full"`
	Partials int      `json:"partials"`
}

// Locks 高度从低到高的锁记录
func (h *Handler) Locks() []LockInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []LockInfo
	h.locks.Ascend(func(i btree.Item) bool {
		st := i.(*heightState)
		info := LockInfo{Height: st.height}
		for hash := range st.full {
			info.Full = append(info.Full, hash.String())
		}
		for _, sigs := range st.partial {
			info.Partials += len(sigs)
		}
		out = append(out, info)
		return true
	})
	return out
}

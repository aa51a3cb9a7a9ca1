// consensus/chainstate.go
// 区块索引与最佳链选择：工作量最大者胜出，但不得与生效的 chain lock 冲突

package consensus

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"llmqd/interfaces"
	"llmqd/logs"
	"llmqd/types"
)

var (
	ErrUnknownBlock  = errors.New("unknown block")
	ErrUnknownParent = errors.New("unknown parent block")
	ErrBadHeight     = errors.New("header height does not follow parent")
	ErrChainLocked   = errors.New("block is protected by a chain lock")
	ErrStaleLock     = errors.New("chain lock not above the enforced one")
)

// BlockStatus 区块状态
type BlockStatus uint8

const (
	StatusValid       BlockStatus = iota
	StatusConflicting             // 与生效 chain lock 冲突
	StatusInvalid                 // 手动 invalidate（或其祖先被 invalidate）
)

func (s BlockStatus) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusConflicting:
		return "conflicting"
	case StatusInvalid:
		return "invalid"
	}
	return "unknown"
}

// HeaderStore 区块头持久化
type HeaderStore interface {
	SaveBlockHeader(h *types.BlockHeader) error
	LoadBlockHeaders() ([]*types.BlockHeader, error)
}

type blockIndex struct {
	header    *types.BlockHeader
	parent    *blockIndex
	chainWork *big.Int
	seq       uint64 // 接收顺序，同等工作量时先到者优先
	invalid   bool
}

// ChainTip 一个分叉链尖
type ChainTip struct {
	Height    int32  `json:"height"`
	Hash      string `json:"hash"`
	BranchLen int32  `json:"branchlen"`
	Status    string `json:"status"` // active / valid-fork / conflicting / invalid
}

// ChainState 区块索引 + 主链
type ChainState struct {
	mu      sync.RWMutex
	index   map[types.Hash]*blockIndex
	active  []*blockIndex // 主链，下标即高度
	nextSeq uint64

	// 生效的 chain lock
	lockHeight int32
	lockHash   types.Hash

	store  HeaderStore
	bus    interfaces.EventBus
	logger logs.Logger
}

// NewChainState 以 genesis 初始化；store 非空时加载已保存的区块头
func NewChainState(genesis *types.BlockHeader, store HeaderStore, bus interfaces.EventBus) (*ChainState, error) {
	cs := &ChainState{
		index:      make(map[types.Hash]*blockIndex),
		lockHeight: -1,
		store:      store,
		bus:        bus,
		logger:     logs.NewLogger("ChainState"),
	}
	g := &blockIndex{header: genesis, chainWork: headerWork(genesis)}
	cs.index[genesis.Hash] = g
	cs.active = []*blockIndex{g}

	if store == nil {
		return cs, nil
	}
	if err := store.SaveBlockHeader(genesis); err != nil {
		return nil, err
	}
	headers, err := store.LoadBlockHeaders()
	if err != nil {
		return nil, fmt.Errorf("load headers: %w", err)
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].Height < headers[j].Height })
	for _, h := range headers {
		if _, ok := cs.index[h.Hash]; ok {
			continue
		}
		if _, err := cs.insertLocked(h); err != nil {
			cs.logger.Warn("skip stored header %s: %v", h.Hash, err)
		}
	}
	cs.activateBestChainLocked()
	cs.logger.Info("loaded %d headers, tip height=%d", len(cs.index), cs.tipLocked().header.Height)
	return cs, nil
}

func headerWork(h *types.BlockHeader) *big.Int {
	if h.Work == nil || h.Work.Sign() <= 0 {
		return big.NewInt(1)
	}
	return new(big.Int).Set(h.Work)
}

// ========== 写操作 ==========

// AddHeader 接收新区块头并重新选择最佳链
func (cs *ChainState) AddHeader(h *types.BlockHeader) error {
	cs.mu.Lock()
	if _, ok := cs.index[h.Hash]; ok {
		cs.mu.Unlock()
		return nil
	}
	if _, err := cs.insertLocked(h); err != nil {
		cs.mu.Unlock()
		return err
	}
	if cs.store != nil {
		if err := cs.store.SaveBlockHeader(h); err != nil {
			cs.logger.Warn("persist header %s: %v", h.Hash, err)
		}
	}
	events := []interfaces.Event{types.BaseEvent{
		EventType: types.EventAcceptedBlockHeader,
		EventData: types.BlockEventData{Hash: h.Hash, Height: h.Height},
	}}
	events = append(events, cs.activateBestChainLocked()...)
	cs.mu.Unlock()

	cs.publish(events)
	return nil
}

func (cs *ChainState) insertLocked(h *types.BlockHeader) (*blockIndex, error) {
	parent, ok := cs.index[h.PrevHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParent, h.PrevHash)
	}
	if h.Height != parent.header.Height+1 {
		return nil, fmt.Errorf("%w: %d after %d", ErrBadHeight, h.Height, parent.header.Height)
	}
	cs.nextSeq++
	bi := &blockIndex{
		header:    h,
		parent:    parent,
		chainWork: new(big.Int).Add(parent.chainWork, headerWork(h)),
		seq:       cs.nextSeq,
	}
	cs.index[h.Hash] = bi
	return bi, nil
}

// EnforceChainLock 生效一个 chain lock：冲突区块被排除在最佳链选择之外。
// 高度只能递增，重复生效同一个锁不报错
func (cs *ChainState) EnforceChainLock(height int32, hash types.Hash) error {
	cs.mu.Lock()
	bi, ok := cs.index[hash]
	if !ok {
		cs.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownBlock, hash)
	}
	if bi.header.Height != height {
		cs.mu.Unlock()
		return fmt.Errorf("%w: lock height %d, block height %d", ErrBadHeight, height, bi.header.Height)
	}
	if lh := cs.lockHeight; lh >= 0 && height <= lh {
		same := height == lh && hash == cs.lockHash
		cs.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("%w: %d <= %d", ErrStaleLock, height, lh)
	}
	cs.lockHeight = height
	cs.lockHash = hash
	events := cs.activateBestChainLocked()
	cs.mu.Unlock()

	cs.logger.Info("enforced chain lock height=%d hash=%s", height, hash)
	cs.publish(events)
	return nil
}

// InvalidateBlock 手动标记区块及其后代无效
func (cs *ChainState) InvalidateBlock(hash types.Hash) error {
	cs.mu.Lock()
	bi, ok := cs.index[hash]
	if !ok {
		cs.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownBlock, hash)
	}
	if cs.lockHeight >= 0 && bi.header.Height <= cs.lockHeight && cs.isAncestorLocked(bi, cs.index[cs.lockHash]) {
		cs.mu.Unlock()
		return ErrChainLocked
	}
	bi.invalid = true
	events := cs.activateBestChainLocked()
	cs.mu.Unlock()

	cs.publish(events)
	return nil
}

// ReconsiderBlock 清除区块及其祖先、后代上的手动无效标记
func (cs *ChainState) ReconsiderBlock(hash types.Hash) error {
	cs.mu.Lock()
	bi, ok := cs.index[hash]
	if !ok {
		cs.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownBlock, hash)
	}
	for _, other := range cs.index {
		if other.invalid && (cs.isAncestorLocked(other, bi) || cs.isAncestorLocked(bi, other)) {
			other.invalid = false
		}
	}
	events := cs.activateBestChainLocked()
	cs.mu.Unlock()

	cs.publish(events)
	return nil
}

// activateBestChainLocked 重新选择链尖，返回需要发布的事件
func (cs *ChainState) activateBestChainLocked() []interfaces.Event {
	var best *blockIndex
	for _, bi := range cs.index {
		if cs.statusLocked(bi) != StatusValid {
			continue
		}
		if best == nil || better(bi, best) {
			best = bi
		}
	}
	old := cs.tipLocked()
	if best == nil || best == old {
		return nil
	}

	chain := make([]*blockIndex, best.header.Height+1)
	for p := best; p != nil; p = p.parent {
		chain[p.header.Height] = p
	}
	cs.active = chain
	cs.logger.Debug("new tip height=%d hash=%s", best.header.Height, best.header.Hash)
	return []interfaces.Event{types.BaseEvent{
		EventType: types.EventUpdatedBlockTip,
		EventData: types.BlockEventData{Hash: best.header.Hash, Height: best.header.Height},
	}}
}

func better(a, b *blockIndex) bool {
	if c := a.chainWork.Cmp(b.chainWork); c != 0 {
		return c > 0
	}
	return a.seq < b.seq
}

func (cs *ChainState) publish(events []interfaces.Event) {
	if cs.bus == nil {
		return
	}
	for _, ev := range events {
		cs.bus.Publish(ev)
	}
}

// ========== 状态判定 ==========

// statusLocked 区块自身或祖先无效 -> invalid；不在 chain lock 所在链上 -> conflicting
func (cs *ChainState) statusLocked(bi *blockIndex) BlockStatus {
	for p := bi; p != nil; p = p.parent {
		if p.invalid {
			return StatusInvalid
		}
	}
	if cs.lockHeight < 0 {
		return StatusValid
	}
	locked, ok := cs.index[cs.lockHash]
	if !ok {
		return StatusValid
	}
	if bi.header.Height >= cs.lockHeight {
		if ancestor(bi, cs.lockHeight) != locked {
			return StatusConflicting
		}
		return StatusValid
	}
	if ancestor(locked, bi.header.Height) != bi {
		return StatusConflicting
	}
	return StatusValid
}

func ancestor(bi *blockIndex, height int32) *blockIndex {
	if height < 0 || height > bi.header.Height {
		return nil
	}
	p := bi
	for p != nil && p.header.Height > height {
		p = p.parent
	}
	return p
}

// isAncestorLocked a 是否为 b 的祖先（含自身）
func (cs *ChainState) isAncestorLocked(a, b *blockIndex) bool {
	if a == nil || b == nil {
		return false
	}
	return ancestor(b, a.header.Height) == a
}

func (cs *ChainState) tipLocked() *blockIndex {
	return cs.active[len(cs.active)-1]
}

// ========== 读操作 ==========

// Tip 当前最佳链尖
func (cs *ChainState) Tip() *types.BlockHeader {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.tipLocked().header
}

// Height 当前主链高度
func (cs *ChainState) Height() int32 {
	return cs.Tip().Height
}

// LookupBlock 按哈希查找任意已知区块
func (cs *ChainState) LookupBlock(hash types.Hash) (*types.BlockHeader, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	bi, ok := cs.index[hash]
	if !ok {
		return nil, false
	}
	return bi.header, true
}

// GetAncestor 主链上指定高度的区块
func (cs *ChainState) GetAncestor(height int32) (*types.BlockHeader, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if height < 0 || int(height) >= len(cs.active) {
		return nil, false
	}
	return cs.active[height].header, true
}

// IsOnActiveChain 区块是否在主链上
func (cs *ChainState) IsOnActiveChain(hash types.Hash) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	bi, ok := cs.index[hash]
	if !ok || int(bi.header.Height) >= len(cs.active) {
		return false
	}
	return cs.active[bi.header.Height] == bi
}

// Status 区块状态
func (cs *ChainState) Status(hash types.Hash) (BlockStatus, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	bi, ok := cs.index[hash]
	if !ok {
		return StatusValid, false
	}
	return cs.statusLocked(bi), true
}

// LockedHeight 当前生效 chain lock 的高度，没有为 -1
func (cs *ChainState) LockedHeight() int32 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.lockHeight
}

// ChainTips 所有分叉链尖
func (cs *ChainState) ChainTips() []ChainTip {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	hasChild := make(map[*blockIndex]bool, len(cs.index))
	for _, bi := range cs.index {
		if bi.parent != nil {
			hasChild[bi.parent] = true
		}
	}
	tip := cs.tipLocked()
	var out []ChainTip
	for _, bi := range cs.index {
		if hasChild[bi] {
			continue
		}
		ct := ChainTip{Height: bi.header.Height, Hash: bi.header.Hash.String()}
		// 分叉点到链尖的长度
		fork := bi
		for fork != nil && (int(fork.header.Height) >= len(cs.active) || cs.active[fork.header.Height] != fork) {
			fork = fork.parent
		}
		if fork != nil {
			ct.BranchLen = bi.header.Height - fork.header.Height
		}
		switch {
		case bi == tip:
			ct.Status = "active"
		case cs.statusLocked(bi) == StatusValid:
			ct.Status = "valid-fork"
		default:
			ct.Status = cs.statusLocked(bi).String()
		}
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Height != out[j].Height {
			return out[i].Height > out[j].Height
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

var _ interfaces.ChainView = (*ChainState)(nil)

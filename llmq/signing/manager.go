// llmq/signing/manager.go
// 签名会话管理：份额校验、阈值恢复、QSIGSHARE/QSIGREC 收发

package signing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"llmqd/config"
	"llmqd/interfaces"
	"llmqd/llmq/quorums"
	"llmqd/logs"
	"llmqd/network"
	"llmqd/stats"
	"llmqd/types"
	"llmqd/utils"
)

var (
	// ErrConflictingShare 同一成员对同一 requestID 给出了不同的份额或消息
	ErrConflictingShare = errors.New("conflicting signature share")
	// ErrInvalidShare 份额无法用成员公钥份额验证
	ErrInvalidShare = errors.New("invalid signature share")
	// ErrShareIndex 份额携带的下标与成员下标不符
	ErrShareIndex = errors.New("signature share index mismatch")
	// ErrNotValidMember 成员下标越界或成员无效
	ErrNotValidMember = errors.New("member is not a valid quorum member")
	// ErrQuorumMismatch requestID 已在另一个 quorum 上签名
	ErrQuorumMismatch = errors.New("request id belongs to another quorum")
	// ErrNoVerificationVector 本地没有该 quorum 的验证向量
	ErrNoVerificationVector = errors.New("verification vector missing")
)

// RecoveredSigListener 恢复签名的订阅者
type RecoveredSigListener interface {
	HandleNewRecoveredSig(rs *RecoveredSig)
}

// Deps Manager 依赖
type Deps struct {
	Registry  quorums.Registry
	Artifacts quorums.ArtifactStore
	Conn      *network.ConnManager
	Bus       interfaces.EventBus
	Stats     *stats.Stats
}

type signedEntry struct {
	msgHash  types.Hash
	signedAt time.Time
}

// Manager 恢复签名会话管理器
type Manager struct {
	cfg       config.SigningConfig
	penalty   int
	localPro  types.Hash
	registry  quorums.Registry
	artifacts quorums.ArtifactStore
	conn      *network.ConnManager
	bus       interfaces.EventBus
	stats     *stats.Stats
	logger    logs.Logger
	now       func() time.Time

	mu        sync.Mutex
	sessions  map[types.Hash]*session
	signed    map[types.Hash]signedEntry
	listeners []RecoveredSigListener

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager 创建签名管理器
func NewManager(cfg *config.Config, deps Deps) *Manager {
	var local types.Hash
	if cfg.Node.Masternode {
		local = cfg.Node.ProTxHash
	}
	return &Manager{
		cfg:       cfg.Signing,
		penalty:   cfg.QuorumData.Penalties.InvalidSigShare,
		localPro:  local,
		registry:  deps.Registry,
		artifacts: deps.Artifacts,
		conn:      deps.Conn,
		bus:       deps.Bus,
		stats:     deps.Stats,
		logger:    logs.NewLogger("Signing"),
		now:       time.Now,
		sessions:  make(map[types.Hash]*session),
		signed:    make(map[types.Hash]signedEntry),
		stopCh:    make(chan struct{}),
	}
}

// RegisterListener 订阅恢复签名
func (m *Manager) RegisterListener(l RecoveredSigListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// RegisterHandlers 注册 QSIGSHARE / QSIGREC
func (m *Manager) RegisterHandlers(r *network.Router, inbox *network.Inbox) {
	sigShare := func(p *network.Peer, msg types.Message) {
		m.HandleSigShare(p, msg.(*types.MsgQSigShare))
	}
	recSig := func(p *network.Peer, msg types.Message) {
		m.HandleRecoveredSig(p, msg.(*types.MsgQSigRec))
	}
	if inbox != nil {
		sigShare = network.Async(inbox, sigShare)
		recSig = network.Async(inbox, recSig)
	}
	r.Register(types.KindQSigShare, sigShare)
	r.Register(types.KindQSigRec, recSig)
}

// ========== 份额 ==========

// SubmitShare 校验并记录一个成员份额，达到阈值时恢复签名
func (m *Manager) SubmitShare(q *types.Quorum, memberIndex int, id, msgHash types.Hash, share []byte) error {
	if memberIndex < 0 || memberIndex >= len(q.Members) || !q.Members[memberIndex].IsValid {
		return ErrNotValidMember
	}
	idx, err := utils.ShareIndex(share)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidShare, err)
	}
	if idx != memberIndex {
		return ErrShareIndex
	}
	poly, ok := m.artifacts.VerificationVector(q)
	if !ok {
		return ErrNoVerificationVector
	}
	signHash := types.BuildSignHash(q.Type, q.Hash, id, msgHash)
	// 验签在锁外
	if err := utils.VerifyShare(poly, signHash[:], share); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidShare, err)
	}

	now := m.now()
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		s = newSession(q, id, now)
		m.sessions[id] = s
		m.stats.RecordSession(StateCollecting.String())
	}
	if s.quorumHash != q.Hash || s.quorumType != q.Type {
		m.mu.Unlock()
		return ErrQuorumMismatch
	}
	// 只有同一成员对同一 id 签了两个不同消息才算冲突
	if prevMsg, ok := s.signedBy[memberIndex]; ok {
		prev := s.shares[prevMsg][memberIndex]
		m.mu.Unlock()
		if prevMsg == msgHash && bytes.Equal(prev, share) {
			return nil
		}
		return ErrConflictingShare
	}
	if s.state != StateCollecting {
		m.mu.Unlock()
		return nil
	}
	count := s.addShare(memberIndex, msgHash, share)
	s.lastProgress = now
	if count < s.threshold {
		m.mu.Unlock()
		return nil
	}

	sig, err := utils.RecoverSignature(poly, signHash[:], s.shareList(msgHash), s.threshold, len(q.Members))
	if err == nil {
		err = utils.Verify(q.PublicKey, signHash[:], sig)
	}
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("recover signature for id %s failed: %v", id, err)
		return err
	}
	s.msgHash = msgHash
	s.sig = sig
	s.state = StateRecovered
	s.recoveredAt = now
	rs := s.recovered()
	listeners := append([]RecoveredSigListener(nil), m.listeners...)
	m.mu.Unlock()

	m.stats.RecordSession(StateRecovered.String())
	m.logger.Info("recovered signature for id %s msgHash %s with %d shares", id, msgHash, s.threshold)
	m.broadcast(rs.ToMessage(), nil)
	m.notify(rs, listeners)
	return nil
}

// AsyncSignIfMember 本节点是有效成员且有私钥份额时签名并广播份额
func (m *Manager) AsyncSignIfMember(q *types.Quorum, id, msgHash types.Hash) bool {
	if m.localPro == types.ZeroHash {
		return false
	}
	idx := q.MemberIndex(m.localPro)
	if idx < 0 || !q.Members[idx].IsValid {
		return false
	}
	data := m.artifacts.GetLocalArtifacts(q)
	if !data.HasSecretKeyShare() {
		m.logger.Debug("no secret key share for quorum %s", q.Hash)
		return false
	}

	m.mu.Lock()
	if e, ok := m.signed[id]; ok {
		m.mu.Unlock()
		if e.msgHash != msgHash {
			m.logger.Warn("refusing to sign id %s for %s, already signed %s", id, msgHash, e.msgHash)
			return false
		}
		return true
	}
	m.signed[id] = signedEntry{msgHash: msgHash, signedAt: m.now()}
	m.mu.Unlock()

	signHash := types.BuildSignHash(q.Type, q.Hash, id, msgHash)
	sh, err := utils.SignShare(data.SecretKeyShare, idx, signHash[:])
	if err != nil {
		m.logger.Error("sign share for id %s: %v", id, err)
		return false
	}
	msg := &types.MsgQSigShare{
		QuorumType:  q.Type,
		QuorumHash:  q.Hash,
		MemberIndex: uint16(idx),
		ID:          id,
		MsgHash:     msgHash,
		Share:       sh,
	}
	sent := m.broadcast(msg, func(p *network.Peer) bool {
		return q.IsMember(p.VerifiedProTxHash())
	})
	m.logger.Debug("signed id %s in quorum %s, share sent to %d members", id, q.Hash, sent)
	if err := m.SubmitShare(q, idx, id, msgHash, sh); err != nil {
		m.logger.Warn("submit own share for id %s: %v", id, err)
	}
	return true
}

// HandleSigShare 处理 peer 发来的份额
func (m *Manager) HandleSigShare(p *network.Peer, msg *types.MsgQSigShare) {
	q, err := m.registry.GetQuorum(msg.QuorumType, msg.QuorumHash)
	if err != nil {
		m.logger.Debug("sig share from %s for unknown quorum %s: %v", p, msg.QuorumHash, err)
		return
	}
	err = m.SubmitShare(q, int(msg.MemberIndex), msg.ID, msg.MsgHash, msg.Share)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidShare), errors.Is(err, ErrShareIndex), errors.Is(err, ErrConflictingShare):
		m.logger.Info("bad sig share from %s: %v", p, err)
		m.conn.Misbehaving(p, m.penalty, "qsigshare-invalid")
	default:
		m.logger.Debug("sig share from %s ignored: %v", p, err)
	}
}

// HandleRecoveredSig 处理 peer 转发的恢复签名
func (m *Manager) HandleRecoveredSig(p *network.Peer, msg *types.MsgQSigRec) {
	m.mu.Lock()
	if s, ok := m.sessions[msg.ID]; ok && s.state != StateCollecting && s.state != StateAbandoned {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	q, err := m.registry.GetQuorum(msg.QuorumType, msg.QuorumHash)
	if err != nil {
		m.logger.Debug("recovered sig from %s for unknown quorum %s: %v", p, msg.QuorumHash, err)
		return
	}
	signHash := types.BuildSignHash(q.Type, q.Hash, msg.ID, msg.MsgHash)
	if err := utils.Verify(q.PublicKey, signHash[:], msg.Sig); err != nil {
		m.logger.Info("invalid recovered sig from %s: %v", p, err)
		m.conn.Misbehaving(p, m.penalty, "qsigrec-invalid")
		return
	}

	now := m.now()
	m.mu.Lock()
	s, ok := m.sessions[msg.ID]
	if ok && s.state != StateCollecting && s.state != StateAbandoned {
		m.mu.Unlock()
		return
	}
	if !ok || s.quorumHash != q.Hash {
		s = newSession(q, msg.ID, now)
		m.sessions[msg.ID] = s
	}
	s.msgHash = msg.MsgHash
	s.sig = msg.Sig
	s.state = StateRecovered
	s.recoveredAt = now
	s.lastProgress = now
	rs := s.recovered()
	listeners := append([]RecoveredSigListener(nil), m.listeners...)
	m.mu.Unlock()

	m.stats.RecordSession(StateRecovered.String())
	m.broadcast(rs.ToMessage(), func(o *network.Peer) bool { return o.ID != p.ID })
	m.notify(rs, listeners)
}

func (m *Manager) broadcast(msg types.Message, filter func(*network.Peer) bool) int {
	if m.conn == nil {
		return 0
	}
	return m.conn.Broadcast(msg, filter)
}

func (m *Manager) notify(rs *RecoveredSig, listeners []RecoveredSigListener) {
	for _, l := range listeners {
		l.HandleNewRecoveredSig(rs)
	}
	if m.bus != nil {
		m.bus.Publish(types.BaseEvent{EventType: types.EventRecoveredSig, EventData: rs})
	}
}

// ========== 查询 / 状态 ==========

// GetRecoveredSignature recovered 之后可用
func (m *Manager) GetRecoveredSignature(id types.Hash) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || (s.state != StateRecovered && s.state != StateAggregated) {
		return nil, false
	}
	return s.sig, true
}

// State 会话状态
func (m *Manager) State(id types.Hash) (SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return 0, false
	}
	return s.state, true
}

// MarkAggregated 签名已被上层使用
func (m *Manager) MarkAggregated(id types.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.state == StateRecovered {
		s.state = StateAggregated
		m.stats.RecordSession(StateAggregated.String())
	}
}

// Abandon 放弃仍在收集的会话（例如网络上已有同高度的 chain lock）
func (m *Manager) Abandon(id types.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.state == StateCollecting {
		s.state = StateAbandoned
		m.stats.RecordSession(StateAbandoned.String())
	}
}

// Sessions 会话快照
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for id, s := range m.sessions {
		_, signed := m.signed[id]
		out = append(out, SessionInfo{
			ID:         id.String(),
			QuorumHash: s.quorumHash.String(),
			State:      s.state.String(),
			Shares:     len(s.signedBy),
			Threshold:  s.threshold,
			Signed:     signed,
		})
	}
	return out
}

// Cleanup 无进展的会话放弃并删除，恢复完成的会话保留 RecoveredTTL
func (m *Manager) Cleanup(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		switch s.state {
		case StateCollecting:
			if now.Sub(s.lastProgress) < m.cfg.SessionTimeout {
				continue
			}
			s.state = StateAbandoned
			m.stats.RecordSession(StateAbandoned.String())
			m.logger.Debug("abandon session %s with %d/%d shares", id, len(s.signedBy), s.threshold)
		case StateAbandoned:
		default:
			if now.Sub(s.recoveredAt) < m.cfg.RecoveredTTL {
				continue
			}
		}
		delete(m.sessions, id)
		removed++
	}
	for id, e := range m.signed {
		if now.Sub(e.signedAt) >= m.cfg.RecoveredTTL {
			delete(m.signed, id)
		}
	}
	return removed
}

// ========== quorum 选择 ==========

// SelectQuorumForSigning 在 baseHeight 处最近的 signingActiveQuorumCount 个 quorum 中
// 选 hash(type, quorumHash, id) 最小的一个
func (m *Manager) SelectQuorumForSigning(llmqType types.LLMQType, id types.Hash, baseHeight int32) (*types.Quorum, error) {
	params, ok := config.GetLLMQParams(llmqType)
	if !ok || !m.registry.IsKnownType(llmqType) {
		return nil, quorums.ErrQuorumTypeInvalid
	}
	candidates := m.registry.ScanQuorums(llmqType, baseHeight, params.SigningActiveQuorumCount)
	if len(candidates) == 0 {
		return nil, quorums.ErrQuorumNotFound
	}
	var (
		best     *types.Quorum
		bestHash types.Hash
	)
	for _, q := range candidates {
		h := selectionHash(llmqType, q.Hash, id)
		if best == nil || bytes.Compare(h[:], bestHash[:]) < 0 {
			best, bestHash = q, h
		}
	}
	return best, nil
}

func selectionHash(t types.LLMQType, quorumHash, id types.Hash) types.Hash {
	buf := make([]byte, 0, 1+64)
	buf = append(buf, byte(t))
	buf = append(buf, quorumHash[:]...)
	buf = append(buf, id[:]...)
	return chainhash.DoubleHashH(buf)
}

// ========== 生命周期 ==========

// Start 启动清理循环
func (m *Manager) Start(ctx context.Context) error {
	if m.running.Swap(true) {
		return nil
	}
	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if n := m.Cleanup(m.now()); n > 0 {
					m.logger.Trace("cleaned %d sessions", n)
				}
			}
		}
	}()
	return nil
}

// Stop 停止清理循环
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.running.Store(false)
		close(m.stopCh)
		m.wg.Wait()
	})
}

package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"llmqd/config"
	"llmqd/logs"
	"llmqd/stats"
	"llmqd/types"
)

var (
	// ErrPeerDisconnected 目标连接已断开
	ErrPeerDisconnected = errors.New("peer disconnected")
	// ErrNoTransport 未配置传输层
	ErrNoTransport = errors.New("no transport configured")
	// ErrBanned 身份仍在封禁期内
	ErrBanned = errors.New("peer identity is banned")
)

// MasternodeResolver 由 masternode 列表把 proTxHash 解析成地址
type MasternodeResolver func(proTxHash types.Hash) (addr string, ok bool)

// ConnManager 维护连接表，负责发送与按 ban score 断开
type ConnManager struct {
	cfg       config.NetworkConfig
	transport Transport
	stats     *stats.Stats
	logger    logs.Logger

	mu      sync.RWMutex
	peers   map[PeerID]*Peer
	byAddr  map[string]*Peer
	byKey   map[string]*Peer
	banned  map[string]time.Time // 身份键 -> 解封时间
	pending map[types.Hash]struct{}
	nextID  atomic.Int64

	resolver MasternodeResolver
	now      func() time.Time
}

// NewConnManager 创建连接管理器
func NewConnManager(cfg config.NetworkConfig, transport Transport, st *stats.Stats) *ConnManager {
	return &ConnManager{
		cfg:       cfg,
		transport: transport,
		stats:     st,
		logger:    logs.NewLogger("Network"),
		peers:     make(map[PeerID]*Peer),
		byAddr:    make(map[string]*Peer),
		byKey:     make(map[string]*Peer),
		banned:    make(map[string]time.Time),
		pending:   make(map[types.Hash]struct{}),
		now:       time.Now,
	}
}

// SetTransport 替换传输层（启动前调用）
func (cm *ConnManager) SetTransport(t Transport) {
	cm.mu.Lock()
	cm.transport = t
	cm.mu.Unlock()
}

// SetMasternodeResolver 设置 masternode 地址解析
func (cm *ConnManager) SetMasternodeResolver(r MasternodeResolver) {
	cm.mu.Lock()
	cm.resolver = r
	cm.mu.Unlock()
}

// AddPeer 新建一条出站连接，身份待入站消息确认
func (cm *ConnManager) AddPeer(addr string) *Peer {
	p := newPeer(PeerID(cm.nextID.Add(1)), addr, cm.now())
	cm.mu.Lock()
	cm.registerLocked(p)
	cm.mu.Unlock()
	cm.logger.Debug("connected %s", p)
	return p
}

// AddMasternodePeer 连接 masternode 列表中的成员，按其 proTxHash 登记
func (cm *ConnManager) AddMasternodePeer(addr string, proTxHash types.Hash) *Peer {
	p := newPeer(PeerID(cm.nextID.Add(1)), addr, cm.now())
	p.verifiedProTxHash = proTxHash
	p.key = MasternodeKey(proTxHash)
	cm.mu.Lock()
	cm.registerLocked(p)
	cm.mu.Unlock()
	cm.logger.Debug("connected %s as masternode %s", p, proTxHash)
	return p
}

func (cm *ConnManager) registerLocked(p *Peer) {
	cm.peers[p.ID] = p
	if p.Addr != "" {
		cm.byAddr[p.Addr] = p
	}
	if p.key != "" {
		cm.byKey[p.key] = p
	}
}

// PeerByAddr 按地址查找存活的连接，没有时返回 nil
func (cm *ConnManager) PeerByAddr(addr string) *Peer {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if p, ok := cm.byAddr[addr]; ok && p.IsConnected() {
		return p
	}
	return nil
}

// Accept 按已验证的身份定位入站连接，必要时新建；封禁中的身份返回 ErrBanned。
// 出站连接只有在它代表的身份与入站身份一致时才会被复用
func (cm *ConnManager) Accept(env Envelope) (*Peer, error) {
	key := env.PeerKey
	if key == "" {
		key = AddrKey(env.FromAddr)
	}
	now := cm.now()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.isBannedLocked(key, now) {
		return nil, fmt.Errorf("%w: %s", ErrBanned, key)
	}
	delete(cm.banned, key)
	if p, ok := cm.byKey[key]; ok && p.IsConnected() {
		return p, nil
	}
	if p, ok := cm.byAddr[env.FromAddr]; ok && p.IsConnected() && p.key == "" && p.identityKey() == key {
		p.key = key
		cm.byKey[key] = p
		return p, nil
	}

	p := newPeer(PeerID(cm.nextID.Add(1)), env.FromAddr, now)
	p.verifiedProTxHash = env.FromProTx
	p.key = key
	cm.peers[p.ID] = p
	cm.byKey[key] = p
	if old, ok := cm.byAddr[p.Addr]; p.Addr != "" && (!ok || !old.IsConnected()) {
		cm.byAddr[p.Addr] = p
	}
	cm.logger.Debug("accepted %s as %s", p, key)
	return p, nil
}

// Banned 封禁中的身份键及解封时间
func (cm *ConnManager) Banned() map[string]time.Time {
	now := cm.now()
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make(map[string]time.Time, len(cm.banned))
	for k, until := range cm.banned {
		if now.Before(until) {
			out[k] = until
		}
	}
	return out
}

// RemovePeer 断开连接；peer 的请求记录随之失效
func (cm *ConnManager) RemovePeer(id PeerID) {
	cm.mu.Lock()
	p, ok := cm.peers[id]
	if ok {
		delete(cm.peers, id)
		if cm.byAddr[p.Addr] == p {
			delete(cm.byAddr, p.Addr)
		}
		if p.key != "" && cm.byKey[p.key] == p {
			delete(cm.byKey, p.key)
		}
	}
	cm.mu.Unlock()
	if ok {
		p.connected.Store(false)
		cm.logger.Debug("disconnected %s", p)
	}
}

// GetPeer 按 id 查找
func (cm *ConnManager) GetPeer(id PeerID) (*Peer, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	p, ok := cm.peers[id]
	return p, ok
}

// Peers 当前连接快照，按 id 排序
func (cm *ConnManager) Peers() []*Peer {
	cm.mu.RLock()
	out := make([]*Peer, 0, len(cm.peers))
	for _, p := range cm.peers {
		out = append(out, p)
	}
	cm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ForEachPeer 遍历连接，fn 返回 false 停止
func (cm *ConnManager) ForEachPeer(fn func(*Peer) bool) {
	for _, p := range cm.Peers() {
		if !fn(p) {
			return
		}
	}
}

// PeerForProTx 找到已认证为 proTxHash 的连接
func (cm *ConnManager) PeerForProTx(proTxHash types.Hash) (*Peer, bool) {
	var found *Peer
	cm.ForEachPeer(func(p *Peer) bool {
		if p.VerifiedProTxHash() == proTxHash {
			found = p
			return false
		}
		return true
	})
	return found, found != nil
}

// AddPendingMasternode 请求与某 masternode 建立连接；可解析地址时立即连接，
// 否则留在待连接队列里等 DialPending 重试。返回是否新建了连接
func (cm *ConnManager) AddPendingMasternode(proTxHash types.Hash) bool {
	if _, ok := cm.PeerForProTx(proTxHash); ok {
		return false
	}
	cm.mu.Lock()
	if cm.isBannedLocked(MasternodeKey(proTxHash), cm.now()) {
		cm.mu.Unlock()
		return false
	}
	resolver := cm.resolver
	cm.mu.Unlock()

	if resolver != nil {
		if addr, ok := resolver(proTxHash); ok {
			cm.AddMasternodePeer(addr, proTxHash)
			return true
		}
		cm.logger.Debug("no address for masternode %s yet", proTxHash)
	}
	cm.mu.Lock()
	cm.pending[proTxHash] = struct{}{}
	cm.mu.Unlock()
	return false
}

// PendingMasternodes 取出待连接的 masternode
func (cm *ConnManager) PendingMasternodes() []types.Hash {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]types.Hash, 0, len(cm.pending))
	for h := range cm.pending {
		out = append(out, h)
	}
	cm.pending = make(map[types.Hash]struct{})
	return out
}

// DialPending 重新解析待连接队列，返回新建的连接数
func (cm *ConnManager) DialPending() int {
	dialed := 0
	for _, h := range cm.PendingMasternodes() {
		if cm.AddPendingMasternode(h) {
			dialed++
		}
	}
	return dialed
}

func (cm *ConnManager) isBannedLocked(key string, now time.Time) bool {
	until, ok := cm.banned[key]
	return ok && now.Before(until)
}

// PushMessage 编码并发送
func (cm *ConnManager) PushMessage(p *Peer, msg types.Message) error {
	if !p.IsConnected() {
		return ErrPeerDisconnected
	}
	cm.mu.RLock()
	t := cm.transport
	cm.mu.RUnlock()
	if t == nil {
		return ErrNoTransport
	}
	data, err := types.EncodeMessage(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cm.connectionTimeout())
	defer cancel()
	return t.Send(ctx, p, data)
}

// Broadcast 发给所有满足 filter 的连接，filter 为 nil 表示全部
func (cm *ConnManager) Broadcast(msg types.Message, filter func(*Peer) bool) int {
	sent := 0
	cm.ForEachPeer(func(p *Peer) bool {
		if filter != nil && !filter(p) {
			return true
		}
		if err := cm.PushMessage(p, msg); err != nil {
			cm.logger.Debug("broadcast %s to %s failed: %v", msg.Kind(), p, err)
			return true
		}
		sent++
		return true
	})
	return sent
}

// Misbehaving 给 peer 加 ban score，超过阈值断开；返回是否已断开
func (cm *ConnManager) Misbehaving(p *Peer, points int, reason string) bool {
	if p == nil || points <= 0 {
		return false
	}
	score := p.addScore(points, cm.now())
	cm.stats.RecordPenalty(reason, points)
	cm.logger.Info("%s misbehaving (%s): +%d -> %d", p, reason, points, score)
	if score < cm.cfg.BanThreshold {
		return false
	}
	cm.mu.Lock()
	key := p.key
	if key == "" {
		key = p.identityKey()
	}
	cm.banned[key] = cm.now().Add(cm.banDuration())
	cm.mu.Unlock()
	cm.logger.Warn("%s crossed ban threshold %d, disconnecting and banning %s", p, cm.cfg.BanThreshold, key)
	cm.stats.RecordBanDisconnect()
	cm.RemovePeer(p.ID)
	return true
}

// ExpireScores 对长时间没有新惩罚的连接清零，并清理到期的封禁
func (cm *ConnManager) ExpireScores(now time.Time, window time.Duration) {
	cm.ForEachPeer(func(p *Peer) bool {
		if p.expireScore(now, window) {
			cm.logger.Debug("%s ban score reset", p)
		}
		return true
	})
	cm.mu.Lock()
	for k, until := range cm.banned {
		if !now.Before(until) {
			delete(cm.banned, k)
		}
	}
	cm.mu.Unlock()
}

func (cm *ConnManager) banDuration() time.Duration {
	if cm.cfg.BanDuration <= 0 {
		return 24 * time.Hour
	}
	return cm.cfg.BanDuration
}

func (cm *ConnManager) connectionTimeout() time.Duration {
	if cm.cfg.ConnectionTimeout <= 0 {
		return 5 * time.Second
	}
	return cm.cfg.ConnectionTimeout
}

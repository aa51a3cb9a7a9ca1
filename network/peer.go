package network

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"llmqd/types"
)

// PeerID 连接句柄，每条连接唯一，断开后不复用
type PeerID int64

// MasternodeKey 已认证 masternode 的身份键
func MasternodeKey(proTxHash types.Hash) string {
	return "mn:" + proTxHash.String()
}

// TagKey 证书节点标签的身份键
func TagKey(tag string) string {
	return "tag:" + tag
}

// AddrKey 只有地址可依的身份键（进程内回环）
func AddrKey(addr string) string {
	return "addr:" + addr
}

// Peer 一条对等连接，ban score 归连接所有，断开即释放
type Peer struct {
	ID   PeerID
	Addr string

	key string // 已验证的身份键，受 ConnManager.mu 保护

	mu                sync.Mutex
	verifiedProTxHash types.Hash // MNAUTH 通过后的 masternode 身份
	qwatch            bool       // -watchquorums 观察连接
	score             int
	lastPenaltyAt     time.Time
	lastResetAt       time.Time

	connected atomic.Bool
}

func newPeer(id PeerID, addr string, now time.Time) *Peer {
	p := &Peer{ID: id, Addr: addr, lastResetAt: now}
	p.connected.Store(true)
	return p
}

// IsConnected 连接是否仍然存活
func (p *Peer) IsConnected() bool {
	return p != nil && p.connected.Load()
}

// VerifiedProTxHash 已认证身份，未认证为零值
func (p *Peer) VerifiedProTxHash() types.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verifiedProTxHash
}

// SetQWatch 标记观察连接
func (p *Peer) SetQWatch(v bool) {
	p.mu.Lock()
	p.qwatch = v
	p.mu.Unlock()
}

// IsQWatch 是否观察连接
func (p *Peer) IsQWatch() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.qwatch
}

// IsAuthenticated 已认证 masternode 或 qwatch 连接
func (p *Peer) IsAuthenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.qwatch || p.verifiedProTxHash != types.ZeroHash
}

// Score 当前 ban score
func (p *Peer) Score() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.score
}

// addScore 累加分数，返回新分数
func (p *Peer) addScore(points int, now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.score += points
	p.lastPenaltyAt = now
	return p.score
}

// expireScore 距离最后一次惩罚超过 window 时清零
func (p *Peer) expireScore(now time.Time, window time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.score == 0 || now.Sub(p.lastPenaltyAt) < window {
		return false
	}
	p.score = 0
	p.lastResetAt = now
	return true
}

// identityKey 连接当前代表的身份：已认证的 masternode 或地址本身
func (p *Peer) identityKey() string {
	if h := p.VerifiedProTxHash(); h != types.ZeroHash {
		return MasternodeKey(h)
	}
	return AddrKey(p.Addr)
}

func (p *Peer) String() string {
	return fmt.Sprintf("peer=%d(%s)", p.ID, p.Addr)
}

// PeerInfo 对外展示
type PeerInfo struct {
	ID                PeerID `json:"id"`
	Addr              string `json:"addr"`
	VerifiedProTxHash string `json:"verified_proregtx_hash,omitempty"`
	QWatch            bool   `json:"qwatch"`
	BanScore          int    `json:"banscore"`
	LastPenalty       int64  `json:"last_penalty_time,omitempty"`
	LastScoreReset    int64  `json:"banscore_reset_time"`
}

// Info 快照
func (p *Peer) Info() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := PeerInfo{ID: p.ID, Addr: p.Addr, QWatch: p.qwatch, BanScore: p.score, LastScoreReset: p.lastResetAt.Unix()}
	if !p.lastPenaltyAt.IsZero() {
		info.LastPenalty = p.lastPenaltyAt.Unix()
	}
	if p.verifiedProTxHash != types.ZeroHash {
		info.VerifiedProTxHash = p.verifiedProTxHash.String()
	}
	return info
}

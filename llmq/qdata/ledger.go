// llmq/qdata/ledger.go
// 请求账本：按 (peer, type, quorumHash, proTxHash) 记录收发的 QGETDATA，带过期

package qdata

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"llmqd/network"
	"llmqd/types"
	"llmqd/utils"
)

// ErrAlreadyRequested 同一 key 的请求尚未过期
var ErrAlreadyRequested = errors.New("quorum data already requested")

// Direction 请求方向
type Direction uint8

const (
	Outbound Direction = iota // 本节点发出的请求
	Inbound                   // peer 发给本节点的请求
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// RequestKey 账本 key
type RequestKey struct {
	Peer       network.PeerID
	QuorumType types.LLMQType
	QuorumHash types.Hash
	ProTxHash  types.Hash
}

// Request 一条请求记录
type Request struct {
	RequestKey
	DataMask  types.DataMask
	SentAt    time.Time
	ExpiresAt time.Time
	Processed bool
}

// IsExpired 是否过期
func (r *Request) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

type slot struct {
	used bool
	dir  Direction
	req  Request
}

// Ledger slot 数组 + siphash 索引；释放的 slot 复用
type Ledger struct {
	mu     sync.Mutex
	sipKey utils.SipKey
	expiry time.Duration
	slots  []slot
	free   []int
	index  map[uint64][]int
}

// NewLedger 创建账本，sipKey 为零时随机生成
func NewLedger(sipKey utils.SipKey, expiry time.Duration) *Ledger {
	if sipKey.IsZero() {
		sipKey = utils.NewSipKey()
	}
	return &Ledger{
		sipKey: sipKey,
		expiry: expiry,
		index:  make(map[uint64][]int),
	}
}

func (l *Ledger) hash(dir Direction, k RequestKey) uint64 {
	var head [9]byte
	head[0] = byte(dir)
	binary.LittleEndian.PutUint64(head[1:], uint64(k.Peer))
	return utils.SipHash(l.sipKey, head[:], []byte{byte(k.QuorumType)}, k.QuorumHash[:], k.ProTxHash[:])
}

// findLocked 返回 slot 下标，不存在返回 -1
func (l *Ledger) findLocked(dir Direction, k RequestKey, h uint64) int {
	for _, idx := range l.index[h] {
		s := &l.slots[idx]
		if s.used && s.dir == dir && s.req.RequestKey == k {
			return idx
		}
	}
	return -1
}

func (l *Ledger) releaseLocked(idx int, h uint64) {
	bucket := l.index[h]
	for i, v := range bucket {
		if v == idx {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(l.index, h)
	} else {
		l.index[h] = bucket
	}
	l.slots[idx] = slot{}
	l.free = append(l.free, idx)
}

// Add 新增一条记录；已有未过期记录时返回 ErrAlreadyRequested，过期记录被替换
func (l *Ledger) Add(dir Direction, k RequestKey, mask types.DataMask, now time.Time) (Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.hash(dir, k)
	if idx := l.findLocked(dir, k, h); idx >= 0 {
		if !l.slots[idx].req.IsExpired(now) {
			return l.slots[idx].req, ErrAlreadyRequested
		}
		l.releaseLocked(idx, h)
	}

	req := Request{RequestKey: k, DataMask: mask, SentAt: now, ExpiresAt: now.Add(l.expiry)}
	var idx int
	if n := len(l.free); n > 0 {
		idx = l.free[n-1]
		l.free = l.free[:n-1]
	} else {
		l.slots = append(l.slots, slot{})
		idx = len(l.slots) - 1
	}
	l.slots[idx] = slot{used: true, dir: dir, req: req}
	l.index[h] = append(l.index[h], idx)
	return req, nil
}

// Get 查询未过期的记录
func (l *Ledger) Get(dir Direction, k RequestKey, now time.Time) (Request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.findLocked(dir, k, l.hash(dir, k))
	if idx < 0 || l.slots[idx].req.IsExpired(now) {
		return Request{}, false
	}
	return l.slots[idx].req, true
}

// MarkProcessed 掩码一致时标记已处理，返回标记前的记录。
// 掩码不一致时记录保持未处理
func (l *Ledger) MarkProcessed(dir Direction, k RequestKey, mask types.DataMask, now time.Time) (Request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.findLocked(dir, k, l.hash(dir, k))
	if idx < 0 || l.slots[idx].req.IsExpired(now) {
		return Request{}, false
	}
	prev := l.slots[idx].req
	if prev.DataMask == mask {
		l.slots[idx].req.Processed = true
	}
	return prev, true
}

// Expire 清理过期记录和已断开 peer 的记录，返回清理数量
func (l *Ledger) Expire(now time.Time, alive func(network.PeerID) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for idx := range l.slots {
		s := &l.slots[idx]
		if !s.used {
			continue
		}
		if s.req.IsExpired(now) || (alive != nil && !alive(s.req.Peer)) {
			l.releaseLocked(idx, l.hash(s.dir, s.req.RequestKey))
			n++
		}
	}
	return n
}

// Len 某方向的记录数
func (l *Ledger) Len(dir Direction) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.slots {
		if s.used && s.dir == dir {
			n++
		}
	}
	return n
}

// Snapshot 某方向全部记录
func (l *Ledger) Snapshot(dir Direction) []Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Request
	for _, s := range l.slots {
		if s.used && s.dir == dir {
			out = append(out, s.req)
		}
	}
	return out
}

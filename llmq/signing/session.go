// llmq/signing/session.go
// 恢复签名会话：按 requestID 收集签名份额

package signing

import (
	"time"

	"llmqd/types"
)

// SessionState 会话状态
type SessionState int

const (
	// StateCollecting 收集份额
	StateCollecting SessionState = iota
	// StateRecovered 已恢复出 quorum 签名
	StateRecovered
	// StateAggregated 签名已被聚合进上层消息（如 CLSIG）
	StateAggregated
	// StateAbandoned 超时无进展
	StateAbandoned
)

func (s SessionState) String() string {
	switch s {
	case StateCollecting:
		return "COLLECTING"
	case StateRecovered:
		return "RECOVERED"
	case StateAggregated:
		return "AGGREGATED"
	case StateAbandoned:
		return "ABANDONED"
	default:
		return "UNKNOWN"
	}
}

// RecoveredSig 恢复出的 quorum 签名
type RecoveredSig struct {
	QuorumType types.LLMQType
	QuorumHash types.Hash
	ID         types.Hash
	MsgHash    types.Hash
	Sig        []byte
}

// SignHash 实际被签名的消息
func (r *RecoveredSig) SignHash() types.Hash {
	return types.BuildSignHash(r.QuorumType, r.QuorumHash, r.ID, r.MsgHash)
}

// ToMessage QSIGREC 消息
func (r *RecoveredSig) ToMessage() *types.MsgQSigRec {
	return &types.MsgQSigRec{QuorumType: r.QuorumType, QuorumHash: r.QuorumHash, ID: r.ID, MsgHash: r.MsgHash, Sig: r.Sig}
}

// session 单个 requestID 的会话
// 份额按 msgHash 分桶，任一桶达到阈值即恢复；恢复前 msgHash 为空
type session struct {
	quorumType types.LLMQType
	quorumHash types.Hash
	id         types.Hash
	msgHash    types.Hash
	threshold  int

	// msgHash -> 成员下标 -> 份额
	shares map[types.Hash]map[int][]byte
	// 成员下标 -> 它签过的 msgHash，每个成员只能签一个消息
	signedBy map[int]types.Hash
	state    SessionState
	sig      []byte

	createdAt    time.Time
	lastProgress time.Time
	recoveredAt  time.Time
}

func newSession(q *types.Quorum, id types.Hash, now time.Time) *session {
	return &session{
		quorumType:   q.Type,
		quorumHash:   q.Hash,
		id:           id,
		threshold:    q.Threshold,
		shares:       make(map[types.Hash]map[int][]byte),
		signedBy:     make(map[int]types.Hash),
		state:        StateCollecting,
		createdAt:    now,
		lastProgress: now,
	}
}

// addShare 记录份额，返回该 msgHash 桶当前份额数
func (s *session) addShare(memberIndex int, msgHash types.Hash, share []byte) int {
	bucket, ok := s.shares[msgHash]
	if !ok {
		bucket = make(map[int][]byte)
		s.shares[msgHash] = bucket
	}
	bucket[memberIndex] = share
	s.signedBy[memberIndex] = msgHash
	return len(bucket)
}

func (s *session) shareList(msgHash types.Hash) [][]byte {
	bucket := s.shares[msgHash]
	out := make([][]byte, 0, len(bucket))
	for _, sh := range bucket {
		out = append(out, sh)
	}
	return out
}

func (s *session) recovered() *RecoveredSig {
	return &RecoveredSig{QuorumType: s.quorumType, QuorumHash: s.quorumHash, ID: s.id, MsgHash: s.msgHash, Sig: s.sig}
}

// SessionInfo 会话快照
type SessionInfo struct {
	ID         string `json:"id"`
	QuorumHash string `json:"quorum_hash"`
	State      string `json:"state"`
	Shares     int    `json:"shares"`
	Threshold  int    `json:"threshold"`
	Signed     bool   `json:"signed"` // 本节点已出过份额
}

package types

import (
	"bytes"
	"encoding/binary"

	"github.com/RoaringBitmap/roaring"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ============================================
// Quorum 数据模型
// ============================================

// Member quorum 成员
type Member struct {
	ProTxHash      Hash
	OperatorPubKey []byte // 33 字节压缩 secp256k1 公钥，用于加密贡献
	Index          int    // 在 quorum 成员列表中的位置（0-based）
	IsValid        bool   // DKG 结束时有效，且本地未标记为失效

	// 本地视图：该成员的数据在本节点是否可用
	HasVerificationVector bool
	HasContributions      bool
}

// FinalCommitment 链上挖出的 quorum 最终承诺
type FinalCommitment struct {
	LLMQType        LLMQType
	QuorumHash      Hash // quorum 所基于的区块哈希
	QuorumHeight    int32
	Members         []MemberInfo
	ValidMembers    *roaring.Bitmap // 有效成员下标集合
	QuorumPublicKey []byte          // G2 点
	QuorumVvecHash  Hash
	MinedBlockHash  Hash
}

// MemberInfo masternode 列表里的成员描述
type MemberInfo struct {
	ProTxHash      Hash
	OperatorPubKey []byte
}

// CountValidMembers 有效成员数量
func (c *FinalCommitment) CountValidMembers() int {
	if c.ValidMembers == nil {
		return 0
	}
	return int(c.ValidMembers.GetCardinality())
}

// Quorum 已建立的 quorum，挖出后不可变
type Quorum struct {
	Type           LLMQType
	Hash           Hash
	Height         int32
	Threshold      int
	Members        []*Member
	PublicKey      []byte
	VvecHash       Hash
	MinedBlockHash Hash

	// 链上承诺里的有效成员，不受本地标记影响；加密贡献按此集合排列
	CommittedValid *roaring.Bitmap
}

// CommittedValidCount 链上承诺的有效成员数
func (q *Quorum) CommittedValidCount() int {
	if q.CommittedValid == nil {
		return 0
	}
	return int(q.CommittedValid.GetCardinality())
}

// MemberIndex 返回 proTxHash 在成员列表中的位置，不存在返回 -1
func (q *Quorum) MemberIndex(proTxHash Hash) int {
	for i, m := range q.Members {
		if m.ProTxHash == proTxHash {
			return i
		}
	}
	return -1
}

// IsMember 是否为成员
func (q *Quorum) IsMember(proTxHash Hash) bool {
	return q.MemberIndex(proTxHash) >= 0
}

// IsValidMember 是否为有效成员
func (q *Quorum) IsValidMember(proTxHash Hash) bool {
	idx := q.MemberIndex(proTxHash)
	return idx >= 0 && q.Members[idx].IsValid
}

// ValidMembers 返回全部有效成员
func (q *Quorum) ValidMembers() []*Member {
	out := make([]*Member, 0, len(q.Members))
	for _, m := range q.Members {
		if m.IsValid {
			out = append(out, m)
		}
	}
	return out
}

// ValidMemberCount 有效成员数量
func (q *Quorum) ValidMemberCount() int {
	n := 0
	for _, m := range q.Members {
		if m.IsValid {
			n++
		}
	}
	return n
}

// DKGData 本地持有的 DKG 产物
type DKGData struct {
	VerificationVector     [][]byte // 每个元素一个 G2 承诺点，长度 == 阈值
	EncryptedContributions [][]byte // 每个有效成员给本成员的一份加密贡献
	SecretKeyShare         []byte   // 解密聚合后的私钥份额
}

// HasVerificationVector 是否持有验证向量
func (d *DKGData) HasVerificationVector() bool {
	return d != nil && len(d.VerificationVector) > 0
}

// HasSecretKeyShare 是否持有私钥份额
func (d *DKGData) HasSecretKeyShare() bool {
	return d != nil && len(d.SecretKeyShare) > 0
}

// VerificationVectorHash 验证向量的哈希，与 FinalCommitment.QuorumVvecHash 对比
func VerificationVectorHash(vvec [][]byte) Hash {
	var buf bytes.Buffer
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(vvec)))
	buf.Write(n[:])
	for _, p := range vvec {
		buf.Write(p)
	}
	return chainhash.DoubleHashH(buf.Bytes())
}

// BuildSignHash quorum 签名的实际消息：H(type || quorumHash || id || msgHash)
func BuildSignHash(llmqType LLMQType, quorumHash, id, msgHash Hash) Hash {
	buf := make([]byte, 0, 1+32*3)
	buf = append(buf, byte(llmqType))
	buf = append(buf, quorumHash[:]...)
	buf = append(buf, id[:]...)
	buf = append(buf, msgHash[:]...)
	return chainhash.DoubleHashH(buf)
}

// llmq/quorums/registry.go
// Quorum 注册表与 DKG 产物存储的对外接口

package quorums

import (
	"errors"

	"go.dedis.ch/kyber/v3/share"

	"llmqd/types"
)

var (
	// ErrQuorumNotFound 该区块上没有形成 quorum
	ErrQuorumNotFound = errors.New("quorum not found")
	// ErrQuorumTypeInvalid 未知或未启用的类型
	ErrQuorumTypeInvalid = errors.New("quorum type invalid")
	// ErrArtifactMissing 本地没有所需的 DKG 产物
	ErrArtifactMissing = errors.New("dkg artifact missing")
)

// Registry (type, quorumHash) -> quorum 成员与有效性
type Registry interface {
	IsKnownType(llmqType types.LLMQType) bool
	LookupBlock(hash types.Hash) (*types.BlockHeader, bool)
	GetQuorum(llmqType types.LLMQType, quorumHash types.Hash) (*types.Quorum, error)
	GetMember(q *types.Quorum, proTxHash types.Hash) (*types.Member, bool)
	// ScanQuorums 主链上高度不超过 baseHeight 的最近 count 个 quorum，新的在前
	ScanQuorums(llmqType types.LLMQType, baseHeight int32, count int) []*types.Quorum
}

// ArtifactStore 持久化的 DKG 产物，读取失败一律视为缺失
type ArtifactStore interface {
	GetLocalArtifacts(q *types.Quorum) *types.DKGData
	StoreArtifacts(q *types.Quorum, data *types.DKGData) error
	MarkMemberValidity(q *types.Quorum, proTxHash types.Hash, valid bool) error
	GetEncryptedContributions(q *types.Quorum, proTxHash types.Hash) ([][]byte, bool)
	// VerificationVector 解析后的验证向量（公钥份额多项式）
	VerificationVector(q *types.Quorum) (*share.PubPoly, bool)
}

// CommitmentSource 已挖出的最终承诺（代替区块处理器 + masternode 列表）
type CommitmentSource interface {
	GetCommitment(llmqType types.LLMQType, quorumHash types.Hash) (*types.FinalCommitment, bool)
	ListCommitments(llmqType types.LLMQType) []*types.FinalCommitment
}

// llmq/chainlocks/policy.go
// 签名策略：传统单 quorum / 多 quorum，启动时选定

package chainlocks

import (
	"errors"
	"fmt"

	"llmqd/config"
	"llmqd/llmq/quorums"
	"llmqd/types"
	"llmqd/utils"
)

var (
	// ErrInvalidSignature 聚合签名验证失败
	ErrInvalidSignature = errors.New("invalid chain lock signature")
	// ErrInvalidSigners signers 位图与活跃 quorum 列表不符
	ErrInvalidSigners = errors.New("invalid chain lock signers")
)

// SigningTarget 一个需要签名的 (quorum, requestID)
type SigningTarget struct {
	Quorum *types.Quorum
	ID     types.Hash
}

// Verdict 验证结果
type Verdict struct {
	// Full 足以生效；多 quorum 模式下只有过半 quorum 签名时为 true
	Full bool
	// Signers 多 quorum 模式下参与签名的 quorum 下标
	Signers []int
}

// SigningPolicy chain lock 签名策略
type SigningPolicy interface {
	Name() string
	// ShouldSign 本高度是否允许再发起签名
	ShouldSign(height int32, st *heightState, tipHash types.Hash, lastSignedHeight int32, lastSignedMsg types.Hash) bool
	// Targets scanHeight 处需要签名的 quorum
	Targets(height, scanHeight int32) ([]SigningTarget, error)
	// Verify 验证 CLSIG 的签名
	Verify(cl *types.ChainLock, scanHeight int32) (Verdict, error)
	// SignersFor 由本地恢复签名构造 signers 位图
	SignersFor(quorumHash types.Hash, scanHeight int32) ([]bool, error)
	// Quorums scanHeight 处的活跃 quorum 列表
	Quorums(scanHeight int32) []*types.Quorum
}

// QuorumSelector 传统模式下为 request id 选 quorum
type QuorumSelector interface {
	SelectQuorumForSigning(llmqType types.LLMQType, id types.Hash, baseHeight int32) (*types.Quorum, error)
}

// NewSigningPolicy 按配置创建策略
func NewSigningPolicy(multi bool, llmqType types.LLMQType, registry quorums.Registry, selector QuorumSelector) (SigningPolicy, error) {
	params, ok := config.GetLLMQParams(llmqType)
	if !ok {
		return nil, fmt.Errorf("%w: %d", quorums.ErrQuorumTypeInvalid, llmqType)
	}
	base := basePolicy{llmqType: llmqType, activeCount: params.SigningActiveQuorumCount, registry: registry}
	if multi {
		return &multiQuorumPolicy{basePolicy: base}, nil
	}
	return &legacyPolicy{basePolicy: base, selector: selector}, nil
}

type basePolicy struct {
	llmqType    types.LLMQType
	activeCount int
	registry    quorums.Registry
}

func (b *basePolicy) Quorums(scanHeight int32) []*types.Quorum {
	return b.registry.ScanQuorums(b.llmqType, scanHeight, b.activeCount)
}

// ========== 传统模式 ==========

type legacyPolicy struct {
	basePolicy
	selector QuorumSelector
}

func (p *legacyPolicy) Name() string { return "legacy" }

// ShouldSign 每个高度只签一次，已知任何该高度的锁都不再签
func (p *legacyPolicy) ShouldSign(height int32, st *heightState, _ types.Hash, lastSignedHeight int32, _ types.Hash) bool {
	if st != nil && st.hasAny() {
		return false
	}
	return height != lastSignedHeight
}

func (p *legacyPolicy) Targets(height, scanHeight int32) ([]SigningTarget, error) {
	id := RequestID(height, nil)
	q, err := p.selector.SelectQuorumForSigning(p.llmqType, id, scanHeight)
	if err != nil {
		return nil, err
	}
	return []SigningTarget{{Quorum: q, ID: id}}, nil
}

func (p *legacyPolicy) Verify(cl *types.ChainLock, scanHeight int32) (Verdict, error) {
	if len(cl.Signers) != 0 {
		return Verdict{}, ErrInvalidSigners
	}
	id := RequestID(cl.Height, nil)
	q, err := p.selector.SelectQuorumForSigning(p.llmqType, id, scanHeight)
	if err != nil {
		return Verdict{}, err
	}
	signHash := types.BuildSignHash(q.Type, q.Hash, id, cl.BlockHash)
	if err := utils.Verify(q.PublicKey, signHash[:], cl.Signature); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return Verdict{Full: true}, nil
}

func (p *legacyPolicy) SignersFor(types.Hash, int32) ([]bool, error) {
	return nil, nil
}

// ========== 多 quorum 模式 ==========

type multiQuorumPolicy struct {
	basePolicy
}

func (p *multiQuorumPolicy) Name() string { return "multi-quorum" }

// ShouldSign 本块还没有完整的锁，且没有对本块签过
func (p *multiQuorumPolicy) ShouldSign(height int32, st *heightState, tipHash types.Hash, lastSignedHeight int32, lastSignedMsg types.Hash) bool {
	if st != nil {
		if _, ok := st.full[tipHash]; ok {
			return false
		}
	}
	return height != lastSignedHeight || lastSignedMsg != tipHash
}

// Targets 每个活跃 quorum 各签自己的 request id
func (p *multiQuorumPolicy) Targets(height, scanHeight int32) ([]SigningTarget, error) {
	qs := p.Quorums(scanHeight)
	if len(qs) == 0 {
		return nil, quorums.ErrQuorumNotFound
	}
	out := make([]SigningTarget, len(qs))
	for i, q := range qs {
		h := q.Hash
		out[i] = SigningTarget{Quorum: q, ID: RequestID(height, &h)}
	}
	return out, nil
}

func (p *multiQuorumPolicy) Verify(cl *types.ChainLock, scanHeight int32) (Verdict, error) {
	qs := p.Quorums(scanHeight)
	if len(qs) == 0 {
		return Verdict{}, quorums.ErrQuorumNotFound
	}
	if len(cl.Signers) != len(qs) {
		return Verdict{}, fmt.Errorf("%w: %d bits for %d quorums", ErrInvalidSigners, len(cl.Signers), len(qs))
	}
	var (
		pubs    [][]byte
		msgs    [][]byte
		signers []int
	)
	for i, set := range cl.Signers {
		if !set {
			continue
		}
		h := qs[i].Hash
		signHash := types.BuildSignHash(qs[i].Type, h, RequestID(cl.Height, &h), cl.BlockHash)
		pubs = append(pubs, qs[i].PublicKey)
		msgs = append(msgs, signHash[:])
		signers = append(signers, i)
	}
	if len(signers) == 0 {
		return Verdict{}, ErrInvalidSigners
	}
	if err := utils.VerifyAggregated(pubs, msgs, cl.Signature); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return Verdict{Full: len(signers)*2 > len(qs), Signers: signers}, nil
}

func (p *multiQuorumPolicy) SignersFor(quorumHash types.Hash, scanHeight int32) ([]bool, error) {
	qs := p.Quorums(scanHeight)
	bits := make([]bool, len(qs))
	for i, q := range qs {
		if q.Hash == quorumHash {
			bits[i] = true
			return bits, nil
		}
	}
	return nil, fmt.Errorf("%w: quorum %s not active at %d", ErrInvalidSigners, quorumHash, scanHeight)
}

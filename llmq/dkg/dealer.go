// llmq/dkg/dealer.go
// 本地 dealer：在 regtest/devnet 上一次性生成整套 DKG 输出

package dkg

import (
	"errors"

	"github.com/RoaringBitmap/roaring"
	"go.dedis.ch/kyber/v3/share"

	"llmqd/llmq/security"
	"llmqd/types"
	"llmqd/utils"
)

// Output 一个 quorum 的 DKG 结果
type Output struct {
	VerificationVector [][]byte
	PublicKey          []byte
	VvecHash           types.Hash
	ValidMembers       *roaring.Bitmap

	// 接收者 proTxHash -> 各有效成员给它的加密贡献（按成员顺序）
	EncryptedContributions map[types.Hash][][]byte
	// 接收者 proTxHash -> 私钥份额（仅用于校验和本地种子数据）
	SecretKeyShares map[types.Hash][]byte
}

// Deal 为 members 中 valid 标记的成员生成 DKG 输出；valid 为 nil 表示全部有效
func Deal(members []types.MemberInfo, valid []bool, threshold int) (*Output, error) {
	if threshold <= 0 || threshold > len(members) {
		return nil, errors.New("invalid threshold")
	}
	bitmap := roaring.New()
	for i := range members {
		if valid == nil || valid[i] {
			bitmap.Add(uint32(i))
		}
	}
	if int(bitmap.GetCardinality()) < threshold {
		return nil, errors.New("not enough valid members")
	}

	// 每个有效成员作为 dealer 生成一个多项式
	n := int(bitmap.GetCardinality())
	dealers := make([]*utils.Polynomial, 0, n)
	pubs := make([]*share.PubPoly, 0, n)
	for d := 0; d < n; d++ {
		p := utils.NewRandomPolynomial(threshold)
		dealers = append(dealers, p)
		pubs = append(pubs, p.PubPoly())
	}
	quorumPoly, err := utils.SumPubPolys(pubs)
	if err != nil {
		return nil, err
	}

	out := &Output{
		VerificationVector:     utils.SerializeVerificationVector(quorumPoly),
		PublicKey:              utils.MarshalPoint(quorumPoly.Commit()),
		ValidMembers:           bitmap,
		EncryptedContributions: make(map[types.Hash][][]byte),
		SecretKeyShares:        make(map[types.Hash][]byte),
	}
	out.VvecHash = types.VerificationVectorHash(out.VerificationVector)

	for _, j := range bitmap.ToArray() {
		recipient := members[j]
		plain := make([][]byte, len(dealers))
		encrypted := make([][]byte, len(dealers))
		for d, dealer := range dealers {
			plain[d] = dealer.ShareFor(int(j))
			encrypted[d], err = security.ECIESEncryptRandom(recipient.OperatorPubKey, plain[d])
			if err != nil {
				return nil, err
			}
		}
		sk, err := utils.AggregateSecretKeyShares(plain)
		if err != nil {
			return nil, err
		}
		out.EncryptedContributions[recipient.ProTxHash] = encrypted
		out.SecretKeyShares[recipient.ProTxHash] = sk
	}
	return out, nil
}

// Commitment 把 DKG 结果包装成链上最终承诺
func (o *Output) Commitment(llmqType types.LLMQType, quorumHash types.Hash, height int32, members []types.MemberInfo) *types.FinalCommitment {
	return &types.FinalCommitment{
		LLMQType:        llmqType,
		QuorumHash:      quorumHash,
		QuorumHeight:    height,
		Members:         members,
		ValidMembers:    o.ValidMembers.Clone(),
		QuorumPublicKey: o.PublicKey,
		QuorumVvecHash:  o.VvecHash,
		MinedBlockHash:  quorumHash,
	}
}

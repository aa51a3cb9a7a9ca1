// llmq/dkg/contributions.go
// DKG 输出处理：解密贡献、聚合私钥份额

package dkg

import (
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3/share"

	"llmqd/llmq/security"
	"llmqd/utils"
)

var (
	// ErrContributionCount 贡献数量与有效成员数不符
	ErrContributionCount = errors.New("contribution count mismatch")
	// ErrContributionSize 单个密文长度错误
	ErrContributionSize = errors.New("contribution size mismatch")
)

// ContributionSize 单个加密贡献的长度
func ContributionSize() int {
	return security.Overhead + utils.ScalarSize()
}

// CheckContributionSizes 只做长度检查，不解密
func CheckContributionSizes(encrypted [][]byte, validMembers int) error {
	if len(encrypted) != validMembers {
		return fmt.Errorf("%w: got %d, want %d", ErrContributionCount, len(encrypted), validMembers)
	}
	want := ContributionSize()
	for i, c := range encrypted {
		if len(c) != want {
			return fmt.Errorf("%w: contribution %d has %d bytes", ErrContributionSize, i, len(c))
		}
	}
	return nil
}

// DecryptContributions 用 operator 私钥逐个解密
func DecryptContributions(operatorKey []byte, encrypted [][]byte) ([][]byte, error) {
	out := make([][]byte, len(encrypted))
	for i, c := range encrypted {
		plain, err := security.ECIESDecrypt(operatorKey, c)
		if err != nil {
			return nil, fmt.Errorf("contribution %d: %w", i, err)
		}
		out[i] = plain
	}
	return out, nil
}

// BuildSecretKeyShare 解密、聚合，并用验证向量校验结果
func BuildSecretKeyShare(operatorKey []byte, encrypted [][]byte, vvec *share.PubPoly, memberIndex, validMembers int) ([]byte, error) {
	if err := CheckContributionSizes(encrypted, validMembers); err != nil {
		return nil, err
	}
	plain, err := DecryptContributions(operatorKey, encrypted)
	if err != nil {
		return nil, err
	}
	sk, err := utils.AggregateSecretKeyShares(plain)
	if err != nil {
		return nil, err
	}
	if err := utils.CheckSecretKeyShare(sk, vvec, memberIndex); err != nil {
		return nil, err
	}
	return sk, nil
}

package quorums

import (
	"llmqd/llmq/dkg"
	"llmqd/types"
)

// ImportDealerOutput 把本地 dealer 的结果写入存储：验证向量、发给各成员的加密贡献，
// 本节点是有效成员时还有私钥份额
func (m *Manager) ImportDealerOutput(q *types.Quorum, out *dkg.Output) error {
	data := &types.DKGData{VerificationVector: out.VerificationVector}
	if sk, ok := out.SecretKeyShares[m.localPro]; ok && q.IsValidMember(m.localPro) {
		data.SecretKeyShare = sk
	}
	if err := m.StoreArtifacts(q, data); err != nil {
		return err
	}
	for proTxHash, enc := range out.EncryptedContributions {
		if err := m.StoreContributions(q, proTxHash, enc); err != nil {
			return err
		}
	}
	return nil
}

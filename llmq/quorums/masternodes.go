package quorums

import (
	"llmqd/types"
)

// OperatorPubKey 在已挖出的承诺里查 masternode 的 operator 公钥，取最新的一次登记
func (m *Manager) OperatorPubKey(proTxHash types.Hash) ([]byte, bool) {
	var (
		key    []byte
		height int32 = -1
	)
	for _, t := range m.netParams.LLMQs {
		for _, c := range m.source.ListCommitments(t) {
			if c.QuorumHeight <= height {
				continue
			}
			for _, mi := range c.Members {
				if mi.ProTxHash == proTxHash {
					key, height = mi.OperatorPubKey, c.QuorumHeight
					break
				}
			}
		}
	}
	return key, key != nil
}

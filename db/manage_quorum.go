// db/manage_quorum.go
// Quorum DKG 产物与最终承诺的存储

package db

import (
	"errors"

	"llmqd/keys"
	"llmqd/types"
)

// ========== 验证向量 / 私钥份额 ==========

// SaveVerificationVector 保存 quorum 验证向量
func (manager *Manager) SaveVerificationVector(llmqType types.LLMQType, quorumHash types.Hash, vvec [][]byte) error {
	return manager.Write(keys.KeyQuorumVvec(uint8(llmqType), quorumHash.String()), encodeByteList(vvec))
}

// GetVerificationVector 读取验证向量，不存在返回 ErrNotFound
func (manager *Manager) GetVerificationVector(llmqType types.LLMQType, quorumHash types.Hash) ([][]byte, error) {
	val, err := manager.Read(keys.KeyQuorumVvec(uint8(llmqType), quorumHash.String()))
	if err != nil {
		return nil, err
	}
	return decodeByteList(val)
}

// HasVerificationVector 是否已有验证向量
func (manager *Manager) HasVerificationVector(llmqType types.LLMQType, quorumHash types.Hash) (bool, error) {
	return manager.Has(keys.KeyQuorumVvec(uint8(llmqType), quorumHash.String()))
}

// SaveSecretKeyShare 保存本节点私钥份额
func (manager *Manager) SaveSecretKeyShare(llmqType types.LLMQType, quorumHash types.Hash, sk []byte) error {
	return manager.Write(keys.KeyQuorumSkShare(uint8(llmqType), quorumHash.String()), sk)
}

// GetSecretKeyShare 读取私钥份额
func (manager *Manager) GetSecretKeyShare(llmqType types.LLMQType, quorumHash types.Hash) ([]byte, error) {
	return manager.Read(keys.KeyQuorumSkShare(uint8(llmqType), quorumHash.String()))
}

// SaveQuorumData 验证向量与私钥份额一起落盘
func (manager *Manager) SaveQuorumData(llmqType types.LLMQType, quorumHash types.Hash, vvec [][]byte, sk []byte) error {
	kvs := make(map[string][]byte, 2)
	if len(vvec) > 0 {
		kvs[keys.KeyQuorumVvec(uint8(llmqType), quorumHash.String())] = encodeByteList(vvec)
	}
	if len(sk) > 0 {
		kvs[keys.KeyQuorumSkShare(uint8(llmqType), quorumHash.String())] = sk
	}
	if len(kvs) == 0 {
		return nil
	}
	return manager.WriteBatch(kvs)
}

// ========== 加密贡献 ==========

// SaveEncryptedContributions 保存某成员收到的加密贡献
func (manager *Manager) SaveEncryptedContributions(llmqType types.LLMQType, quorumHash, proTxHash types.Hash, contributions [][]byte) error {
	key := keys.KeyQuorumContributions(uint8(llmqType), quorumHash.String(), proTxHash.String())
	return manager.Write(key, encodeByteList(contributions))
}

// GetEncryptedContributions 读取某成员的加密贡献
func (manager *Manager) GetEncryptedContributions(llmqType types.LLMQType, quorumHash, proTxHash types.Hash) ([][]byte, error) {
	val, err := manager.Read(keys.KeyQuorumContributions(uint8(llmqType), quorumHash.String(), proTxHash.String()))
	if err != nil {
		return nil, err
	}
	return decodeByteList(val)
}

// ========== 成员有效性 ==========

// SetMemberInvalid 本地标记 / 取消标记成员失效
func (manager *Manager) SetMemberInvalid(llmqType types.LLMQType, quorumHash, proTxHash types.Hash, invalid bool) error {
	key := keys.KeyMemberInvalid(uint8(llmqType), quorumHash.String(), proTxHash.String())
	if invalid {
		return manager.Write(key, []byte{1})
	}
	return manager.Delete(key)
}

// IsMemberInvalid 成员是否被本地标记失效
func (manager *Manager) IsMemberInvalid(llmqType types.LLMQType, quorumHash, proTxHash types.Hash) (bool, error) {
	return manager.Has(keys.KeyMemberInvalid(uint8(llmqType), quorumHash.String(), proTxHash.String()))
}

// ========== 最终承诺 ==========

// SaveCommitment 保存最终承诺
func (manager *Manager) SaveCommitment(c *types.FinalCommitment) error {
	data, err := encodeCommitment(c)
	if err != nil {
		return err
	}
	return manager.Write(keys.KeyQuorumCommitment(uint8(c.LLMQType), c.QuorumHash.String()), data)
}

// GetCommitment 读取最终承诺
func (manager *Manager) GetCommitment(llmqType types.LLMQType, quorumHash types.Hash) (*types.FinalCommitment, error) {
	val, err := manager.Read(keys.KeyQuorumCommitment(uint8(llmqType), quorumHash.String()))
	if err != nil {
		return nil, err
	}
	return decodeCommitment(val)
}

// ListCommitments 某类型的全部最终承诺
func (manager *Manager) ListCommitments(llmqType types.LLMQType) ([]*types.FinalCommitment, error) {
	var out []*types.FinalCommitment
	err := manager.ScanPrefix(keys.PrefixQuorumCommitments(uint8(llmqType)), func(_ string, val []byte) error {
		c, err := decodeCommitment(val)
		if err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// IsNotFound 是否为 key 不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// db/manage_chain.go
// 区块头与 chain lock 的存储

package db

import (
	"bytes"

	"llmqd/keys"
	"llmqd/types"
)

// SaveBlockHeader 保存区块头
func (manager *Manager) SaveBlockHeader(h *types.BlockHeader) error {
	data, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	return manager.Write(keys.KeyBlockHeader(h.Hash.String()), data)
}

// GetBlockHeader 读取区块头
func (manager *Manager) GetBlockHeader(hash types.Hash) (*types.BlockHeader, error) {
	val, err := manager.Read(keys.KeyBlockHeader(hash.String()))
	if err != nil {
		return nil, err
	}
	h := &types.BlockHeader{}
	if err := h.UnmarshalBinary(val); err != nil {
		return nil, err
	}
	return h, nil
}

// LoadBlockHeaders 读取全部区块头（顺序不保证）
func (manager *Manager) LoadBlockHeaders() ([]*types.BlockHeader, error) {
	var out []*types.BlockHeader
	err := manager.ScanPrefix(keys.PrefixBlockHeaders(), func(_ string, val []byte) error {
		h := &types.BlockHeader{}
		if err := h.UnmarshalBinary(val); err != nil {
			return err
		}
		out = append(out, h)
		return nil
	})
	return out, err
}

// SaveBestChainLock 持久化当前生效的 chain lock
func (manager *Manager) SaveBestChainLock(cl *types.ChainLock) error {
	var buf bytes.Buffer
	if err := (&types.MsgCLSig{ChainLock: *cl}).Encode(&buf); err != nil {
		return err
	}
	return manager.Write(keys.KeyBestChainLock(), buf.Bytes())
}

// GetBestChainLock 读取持久化的 chain lock，不存在返回 ErrNotFound
func (manager *Manager) GetBestChainLock() (*types.ChainLock, error) {
	val, err := manager.Read(keys.KeyBestChainLock())
	if err != nil {
		return nil, err
	}
	msg := &types.MsgCLSig{}
	if err := msg.Decode(bytes.NewReader(val)); err != nil {
		return nil, err
	}
	return &msg.ChainLock, nil
}

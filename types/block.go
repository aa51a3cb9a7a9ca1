package types

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// BlockHeader 区块头（本模块只关心链结构与工作量）
type BlockHeader struct {
	Hash       Hash
	PrevHash   Hash
	Height     int32
	Work       *big.Int // 本区块自身的工作量
	Timestamp  int64
	ProposerID string
}

const blockHeaderSize = 32 + 32 + 4 + 8 + 32

var errShortHeader = errors.New("block header too short")

// MarshalBinary 固定布局：hash || prev || height || ts || work(32 字节大端) || proposer
func (h *BlockHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, blockHeaderSize, blockHeaderSize+len(h.ProposerID))
	copy(buf[0:32], h.Hash[:])
	copy(buf[32:64], h.PrevHash[:])
	binary.LittleEndian.PutUint32(buf[64:68], uint32(h.Height))
	binary.LittleEndian.PutUint64(buf[68:76], uint64(h.Timestamp))
	if h.Work != nil {
		h.Work.FillBytes(buf[76:108])
	}
	buf = append(buf, h.ProposerID...)
	return buf, nil
}

// UnmarshalBinary 对应 MarshalBinary
func (h *BlockHeader) UnmarshalBinary(data []byte) error {
	if len(data) < blockHeaderSize {
		return errShortHeader
	}
	copy(h.Hash[:], data[0:32])
	copy(h.PrevHash[:], data[32:64])
	h.Height = int32(binary.LittleEndian.Uint32(data[64:68]))
	h.Timestamp = int64(binary.LittleEndian.Uint64(data[68:76]))
	h.Work = new(big.Int).SetBytes(data[76:108])
	h.ProposerID = string(data[blockHeaderSize:])
	return nil
}

// NewTestHeader 由父块、高度和 nonce 构造一个确定性的区块头（devnet/测试用）
func NewTestHeader(prev Hash, height int32, nonce uint64, work int64) *BlockHeader {
	var seed [32 + 4 + 8]byte
	copy(seed[:32], prev[:])
	binary.LittleEndian.PutUint32(seed[32:36], uint32(height))
	binary.LittleEndian.PutUint64(seed[36:], nonce)
	return &BlockHeader{
		Hash:     chainhash.DoubleHashH(seed[:]),
		PrevHash: prev,
		Height:   height,
		Work:     big.NewInt(work),
	}
}

package types

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ChainLock 由 quorum 聚合签名锁定的 (高度, 区块哈希)
type ChainLock struct {
	Height    int32
	BlockHash Hash
	Signature []byte
	Signers   []bool // 多 quorum 模式下按活跃 quorum 列表的位图，传统模式为空
}

// IsNull 空锁（尚未形成任何 chain lock）
func (c *ChainLock) IsNull() bool {
	return c == nil || (c.Height == -1 && c.BlockHash == ZeroHash)
}

// NullChainLock 返回空锁
func NullChainLock() *ChainLock {
	return &ChainLock{Height: -1}
}

// SignerCount 签名 quorum 数
func (c *ChainLock) SignerCount() int {
	n := 0
	for _, s := range c.Signers {
		if s {
			n++
		}
	}
	return n
}

// Hash 消息哈希，用于去重
func (c *ChainLock) Hash() Hash {
	var buf bytes.Buffer
	_ = (&MsgCLSig{ChainLock: *c}).Encode(&buf)
	return chainhash.DoubleHashH(buf.Bytes())
}

// Clone 深拷贝
func (c *ChainLock) Clone() *ChainLock {
	if c == nil {
		return nil
	}
	out := &ChainLock{Height: c.Height, BlockHash: c.BlockHash}
	out.Signature = append([]byte(nil), c.Signature...)
	if c.Signers != nil {
		out.Signers = append([]bool(nil), c.Signers...)
	}
	return out
}

func (c *ChainLock) String() string {
	if c.IsNull() {
		return "ChainLock(null)"
	}
	return fmt.Sprintf("ChainLock(height=%d, blockHash=%s, signers=%d)", c.Height, c.BlockHash, c.SignerCount())
}

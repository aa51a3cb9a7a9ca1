// llmq/chainlocks/requestid.go

package chainlocks

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"llmqd/types"
)

const requestIDPrefix = "clsig"

// RequestID DoubleSHA256(varstr("clsig") || uint32le(height) [|| quorumHash])
// 多 quorum 模式下每个 quorum 有自己的 request id
func RequestID(height int32, quorumHash *types.Hash) types.Hash {
	var buf bytes.Buffer
	_ = wire.WriteVarString(&buf, 0, requestIDPrefix)
	var h [4]byte
	binary.LittleEndian.PutUint32(h[:], uint32(height))
	buf.Write(h[:])
	if quorumHash != nil {
		buf.Write(quorumHash[:])
	}
	return chainhash.DoubleHashH(buf.Bytes())
}

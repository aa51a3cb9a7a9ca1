package db

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring"
	"github.com/btcsuite/btcd/wire"

	"llmqd/types"
)

const (
	pver         = wire.ProtocolVersion
	maxEntries   = 4096
	maxEntrySize = 1 << 16
)

func encodeByteList(list [][]byte) []byte {
	var buf bytes.Buffer
	_ = wire.WriteVarInt(&buf, pver, uint64(len(list)))
	for _, item := range list {
		_ = wire.WriteVarBytes(&buf, pver, item)
	}
	return buf.Bytes()
}

func decodeByteList(data []byte) ([][]byte, error) {
	r := bytes.NewReader(data)
	list, err := readByteList(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("byte list: %d trailing bytes", r.Len())
	}
	return list, nil
}

func readByteList(r io.Reader) ([][]byte, error) {
	n, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return nil, err
	}
	if n > maxEntries {
		return nil, fmt.Errorf("byte list too long: %d", n)
	}
	out := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		item, err := wire.ReadVarBytes(r, pver, maxEntrySize, "entry")
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// encodeCommitment 最终承诺的存储格式
func encodeCommitment(c *types.FinalCommitment) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(c.LLMQType))
	buf.Write(c.QuorumHash[:])
	var h [4]byte
	binary.LittleEndian.PutUint32(h[:], uint32(c.QuorumHeight))
	buf.Write(h[:])

	members := make([][]byte, len(c.Members))
	for i, m := range c.Members {
		members[i] = append(append([]byte{}, m.ProTxHash[:]...), m.OperatorPubKey...)
	}
	buf.Write(encodeByteList(members))

	valid := c.ValidMembers
	if valid == nil {
		valid = roaring.New()
	}
	bm, err := valid.ToBytes()
	if err != nil {
		return nil, err
	}
	if err := wire.WriteVarBytes(&buf, pver, bm); err != nil {
		return nil, err
	}
	if err := wire.WriteVarBytes(&buf, pver, c.QuorumPublicKey); err != nil {
		return nil, err
	}
	buf.Write(c.QuorumVvecHash[:])
	buf.Write(c.MinedBlockHash[:])
	return buf.Bytes(), nil
}

func decodeCommitment(data []byte) (*types.FinalCommitment, error) {
	r := bytes.NewReader(data)
	c := &types.FinalCommitment{}
	t, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	c.LLMQType = types.LLMQType(t)
	if _, err := io.ReadFull(r, c.QuorumHash[:]); err != nil {
		return nil, err
	}
	var h [4]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, err
	}
	c.QuorumHeight = int32(binary.LittleEndian.Uint32(h[:]))

	members, err := readByteList(r)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if len(m) < 32 {
			return nil, fmt.Errorf("member entry too short")
		}
		var info types.MemberInfo
		copy(info.ProTxHash[:], m[:32])
		info.OperatorPubKey = append([]byte(nil), m[32:]...)
		c.Members = append(c.Members, info)
	}

	bm, err := wire.ReadVarBytes(r, pver, maxEntrySize, "validMembers")
	if err != nil {
		return nil, err
	}
	c.ValidMembers = roaring.New()
	if err := c.ValidMembers.UnmarshalBinary(bm); err != nil {
		return nil, err
	}
	if c.QuorumPublicKey, err = wire.ReadVarBytes(r, pver, maxEntrySize, "publicKey"); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, c.QuorumVvecHash[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, c.MinedBlockHash[:]); err != nil {
		return nil, err
	}
	return c, nil
}

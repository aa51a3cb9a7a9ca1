package utils

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/dchest/siphash"
)

// SipKey siphash 密钥
type SipKey [2]uint64

// NewSipKey 随机生成 siphash 密钥
func NewSipKey() SipKey {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return SipKey{binary.LittleEndian.Uint64(b[:8]), binary.LittleEndian.Uint64(b[8:])}
}

// IsZero 未设置
func (k SipKey) IsZero() bool {
	return k[0] == 0 && k[1] == 0
}

// SipHash 对拼接后的数据做加盐哈希
func SipHash(key SipKey, parts ...[]byte) uint64 {
	if len(parts) == 1 {
		return siphash.Hash(key[0], key[1], parts[0])
	}
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	buf := make([]byte, 0, n)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return siphash.Hash(key[0], key[1], buf)
}

package types

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Hash 32 字节哈希（区块哈希、quorum 哈希、proTxHash、request id 等）
type Hash = chainhash.Hash

// ZeroHash 全零哈希
var ZeroHash Hash

// HashFromString 解析大端十六进制（与 RPC 展示一致）
func HashFromString(s string) (Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return ZeroHash, err
	}
	return *h, nil
}

// LLMQType 长生命周期 masternode quorum 类型
type LLMQType uint8

const (
	LLMQNone     LLMQType = 0
	LLMQ_50_60   LLMQType = 1   // 50 成员，阈值 60%
	LLMQ_400_60  LLMQType = 2   // 400 成员，阈值 60%
	LLMQ_400_85  LLMQType = 3   // 400 成员，阈值 85%
	LLMQ_100_67  LLMQType = 4   // 100 成员，阈值 67%
	LLMQ_TEST    LLMQType = 100 // regtest 用，3 成员
	LLMQ_DEVNET  LLMQType = 101 // devnet 用，10 成员
	LLMQ_TESTV17 LLMQType = 102 // regtest 用，3 成员
)

var llmqTypeNames = map[LLMQType]string{
	LLMQ_50_60:   "llmq_50_60",
	LLMQ_400_60:  "llmq_400_60",
	LLMQ_400_85:  "llmq_400_85",
	LLMQ_100_67:  "llmq_100_67",
	LLMQ_TEST:    "llmq_test",
	LLMQ_DEVNET:  "llmq_devnet",
	LLMQ_TESTV17: "llmq_test_v17",
}

func (t LLMQType) String() string {
	if name, ok := llmqTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("llmq_unknown_%d", uint8(t))
}

// LLMQTypeFromName 按名称查找类型
func LLMQTypeFromName(name string) (LLMQType, bool) {
	for t, n := range llmqTypeNames {
		if n == name {
			return t, true
		}
	}
	return LLMQNone, false
}

// DataMask QGETDATA/QDATA 的数据位
type DataMask uint16

const (
	// DataVerificationVector quorum 验证向量
	DataVerificationVector DataMask = 0x0001
	// DataEncryptedContributions 指定成员收到的加密贡献
	DataEncryptedContributions DataMask = 0x0002

	DataAll = DataVerificationVector | DataEncryptedContributions
)

func (m DataMask) Has(bit DataMask) bool { return m&bit != 0 }

// Valid 至少请求一类数据且没有未定义的位
func (m DataMask) Valid() bool {
	return m != 0 && m&^DataAll == 0
}

func (m DataMask) String() string {
	switch m {
	case DataVerificationVector:
		return "vvec"
	case DataEncryptedContributions:
		return "contributions"
	case DataAll:
		return "vvec|contributions"
	}
	return fmt.Sprintf("0x%04x", uint16(m))
}

// keys/keys.go
// 统一的 Key 定义包，供 db 与各 llmq 组件共同使用
package keys

import (
	"fmt"
	"strings"
)

// ===================== 版本控制 =====================
// 设置全局 Key 版本前缀（例如 "v1" → 产出 "v1_<key>"）。
const KeyVersion = "v1"

// withVer 把版本号拼到最前面（保持下划线风格：v1_<...>）
func withVer(s string) string {
	if KeyVersion == "" {
		return s
	}
	return KeyVersion + "_" + s
}

// StripVersion 把带版本的键去掉版本前缀
func StripVersion(prefixed string) string {
	if KeyVersion == "" {
		return prefixed
	}
	return strings.TrimPrefix(prefixed, KeyVersion+"_")
}

// ===================== Quorum DKG 产物 =====================

// KeyQuorumVvec quorum 验证向量
// 例：v1_q_vvec_100_<quorumHash>
func KeyQuorumVvec(llmqType uint8, quorumHash string) string {
	return withVer(fmt.Sprintf("q_vvec_%d_%s", llmqType, quorumHash))
}

// KeyQuorumSkShare 本节点在该 quorum 的私钥份额
// 例：v1_q_skshare_100_<quorumHash>
func KeyQuorumSkShare(llmqType uint8, quorumHash string) string {
	return withVer(fmt.Sprintf("q_skshare_%d_%s", llmqType, quorumHash))
}

// KeyQuorumContributions 某成员收到的加密贡献
// 例：v1_q_contrib_100_<quorumHash>_<proTxHash>
func KeyQuorumContributions(llmqType uint8, quorumHash, proTxHash string) string {
	return withVer(fmt.Sprintf("q_contrib_%d_%s_%s", llmqType, quorumHash, proTxHash))
}

// KeyMemberInvalid 本地标记失效的成员
// 例：v1_q_invalid_100_<quorumHash>_<proTxHash>
func KeyMemberInvalid(llmqType uint8, quorumHash, proTxHash string) string {
	return withVer(fmt.Sprintf("q_invalid_%d_%s_%s", llmqType, quorumHash, proTxHash))
}

// KeyQuorumCommitment 已挖出的最终承诺
// 例：v1_q_commit_100_<quorumHash>
func KeyQuorumCommitment(llmqType uint8, quorumHash string) string {
	return withVer(fmt.Sprintf("q_commit_%d_%s", llmqType, quorumHash))
}

// PrefixQuorumCommitments 某类型的全部承诺
func PrefixQuorumCommitments(llmqType uint8) string {
	return withVer(fmt.Sprintf("q_commit_%d_", llmqType))
}

// ===================== 区块头 =====================

// KeyBlockHeader 区块头
// 例：v1_blockhdr_<blockHash>
func KeyBlockHeader(blockHash string) string {
	return withVer("blockhdr_" + blockHash)
}

// PrefixBlockHeaders 全部区块头
func PrefixBlockHeaders() string {
	return withVer("blockhdr_")
}

// ===================== Chain Lock =====================

// KeyBestChainLock 当前生效的 chain lock
// 例：v1_clsig_best
func KeyBestChainLock() string {
	return withVer("clsig_best")
}

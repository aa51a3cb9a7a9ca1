package config

import (
	"sort"

	"llmqd/types"
)

// LLMQParams 每种 quorum 类型的参数
type LLMQParams struct {
	Type      types.LLMQType
	Name      string
	Size      int // 成员数
	MinSize   int // 最少有效成员
	Threshold int // 恢复签名所需份额数

	DKGInterval int32 // 每隔多少块一轮 DKG

	SigningActiveQuorumCount int // 同时参与签名的 quorum 数
	KeepOldConnections       int // 维持连接的旧 quorum 数
	RecoveryMembers          int // 恢复数据时尝试的成员数上限
}

const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
	NetworkDevnet  = "devnet"
	NetworkRegtest = "regtest"
)

var llmqParams = map[types.LLMQType]LLMQParams{
	types.LLMQ_50_60: {
		Type: types.LLMQ_50_60, Name: "llmq_50_60",
		Size: 50, MinSize: 40, Threshold: 30, DKGInterval: 24,
		SigningActiveQuorumCount: 24, KeepOldConnections: 25, RecoveryMembers: 25,
	},
	types.LLMQ_400_60: {
		Type: types.LLMQ_400_60, Name: "llmq_400_60",
		Size: 400, MinSize: 300, Threshold: 240, DKGInterval: 288,
		SigningActiveQuorumCount: 4, KeepOldConnections: 5, RecoveryMembers: 100,
	},
	types.LLMQ_400_85: {
		Type: types.LLMQ_400_85, Name: "llmq_400_85",
		Size: 400, MinSize: 350, Threshold: 340, DKGInterval: 576,
		SigningActiveQuorumCount: 4, KeepOldConnections: 5, RecoveryMembers: 100,
	},
	types.LLMQ_100_67: {
		Type: types.LLMQ_100_67, Name: "llmq_100_67",
		Size: 100, MinSize: 80, Threshold: 67, DKGInterval: 24,
		SigningActiveQuorumCount: 24, KeepOldConnections: 25, RecoveryMembers: 50,
	},
	types.LLMQ_TEST: {
		Type: types.LLMQ_TEST, Name: "llmq_test",
		Size: 3, MinSize: 2, Threshold: 2, DKGInterval: 24,
		SigningActiveQuorumCount: 2, KeepOldConnections: 3, RecoveryMembers: 3,
	},
	types.LLMQ_DEVNET: {
		Type: types.LLMQ_DEVNET, Name: "llmq_devnet",
		Size: 10, MinSize: 7, Threshold: 6, DKGInterval: 24,
		SigningActiveQuorumCount: 3, KeepOldConnections: 4, RecoveryMembers: 6,
	},
	types.LLMQ_TESTV17: {
		Type: types.LLMQ_TESTV17, Name: "llmq_test_v17",
		Size: 3, MinSize: 2, Threshold: 2, DKGInterval: 24,
		SigningActiveQuorumCount: 2, KeepOldConnections: 3, RecoveryMembers: 3,
	},
}

// NetworkParams 网络启用的 quorum 类型
type NetworkParams struct {
	Name           string
	LLMQs          []types.LLMQType
	ChainLocksType types.LLMQType
}

var networks = map[string]NetworkParams{
	NetworkMainnet: {Name: NetworkMainnet, LLMQs: []types.LLMQType{types.LLMQ_50_60, types.LLMQ_400_60, types.LLMQ_400_85, types.LLMQ_100_67}, ChainLocksType: types.LLMQ_400_60},
	NetworkTestnet: {Name: NetworkTestnet, LLMQs: []types.LLMQType{types.LLMQ_50_60, types.LLMQ_400_60, types.LLMQ_400_85, types.LLMQ_100_67}, ChainLocksType: types.LLMQ_50_60},
	NetworkDevnet:  {Name: NetworkDevnet, LLMQs: []types.LLMQType{types.LLMQ_DEVNET, types.LLMQ_50_60, types.LLMQ_400_60, types.LLMQ_400_85}, ChainLocksType: types.LLMQ_DEVNET},
	NetworkRegtest: {Name: NetworkRegtest, LLMQs: []types.LLMQType{types.LLMQ_TEST, types.LLMQ_TESTV17}, ChainLocksType: types.LLMQ_TEST},
}

// GetLLMQParams 查询类型参数
func GetLLMQParams(t types.LLMQType) (LLMQParams, bool) {
	p, ok := llmqParams[t]
	return p, ok
}

// GetNetworkParams 查询网络参数
func GetNetworkParams(name string) (NetworkParams, bool) {
	p, ok := networks[name]
	return p, ok
}

// IsEnabled 该网络是否启用此类型
func (n NetworkParams) IsEnabled(t types.LLMQType) bool {
	for _, x := range n.LLMQs {
		if x == t {
			return true
		}
	}
	return false
}

// EnabledParams 该网络所有启用类型的参数（按类型排序）
func (n NetworkParams) EnabledParams() []LLMQParams {
	out := make([]LLMQParams, 0, len(n.LLMQs))
	for _, t := range n.LLMQs {
		if p, ok := llmqParams[t]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

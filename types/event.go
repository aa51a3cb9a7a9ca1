package types

// ============================================
// 事件系统
// ============================================

type EventType string

const (
	EventUpdatedBlockTip     EventType = "chain.tip"         // 新的最佳链尖
	EventAcceptedBlockHeader EventType = "chain.header"      // 新的区块头（未必成为链尖）
	EventChainLockActivated  EventType = "chainlock.active"  // 新的生效 chain lock
	EventQuorumDataRecovered EventType = "quorum.recovered"  // DKG 数据恢复完成
	EventRecoveredSig        EventType = "signing.recovered" // 恢复出 quorum 签名
)

type BaseEvent struct {
	EventType EventType
	EventData interface{}
}

func (e BaseEvent) Type() EventType   { return e.EventType }
func (e BaseEvent) Data() interface{} { return e.EventData }

// BlockEventData 区块相关事件负载
type BlockEventData struct {
	Hash   Hash
	Height int32
}

// QuorumEventData quorum 相关事件负载
type QuorumEventData struct {
	Type LLMQType
	Hash Hash
	Mask DataMask
}

package interfaces

import (
	"llmqd/types"
)

type Event interface {
	Type() types.EventType
	Data() interface{}
}

type EventHandler func(Event)

type EventBus interface {
	Subscribe(topic types.EventType, handler EventHandler)
	Publish(event Event)
	PublishAsync(event Event)
}

// ============================================
// 链状态接口（llmq 组件只依赖这一层）
// ============================================

// ChainView 只读链视图
type ChainView interface {
	// Tip 当前最佳链尖，链为空时返回 nil
	Tip() *types.BlockHeader
	// LookupBlock 按哈希查找已知区块头（不要求在主链上）
	LookupBlock(hash types.Hash) (*types.BlockHeader, bool)
	// GetAncestor 主链上指定高度的区块
	GetAncestor(height int32) (*types.BlockHeader, bool)
	// IsOnActiveChain 区块是否在当前主链上
	IsOnActiveChain(hash types.Hash) bool
}

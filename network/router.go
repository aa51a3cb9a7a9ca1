package network

import (
	"errors"
	"fmt"
	"sync"

	"llmqd/types"
)

var (
	// ErrNoHandlerRegistered 没有注册处理器
	ErrNoHandlerRegistered = errors.New("no handler registered for this kind")
	// ErrRouterIncomplete 有消息类型没有处理器
	ErrRouterIncomplete = errors.New("router has unhandled message kinds")
)

// MsgHandler 某类消息的处理器
type MsgHandler func(peer *Peer, msg types.Message)

// Envelope 传输层交上来的一条原始消息
type Envelope struct {
	FromAddr  string     // 发送方声明的回连地址
	FromProTx types.Hash // 发送方已认证的 masternode 身份，未认证为零值
	PeerKey   string     // 传输层验证过的身份键，空时按 FromAddr
	QWatch    bool
	Data      []byte
}

// Router 按 MessageKind 分发消息
type Router struct {
	cm       *ConnManager
	penalty  int
	mu       sync.RWMutex
	handlers map[types.MessageKind]MsgHandler
}

// NewRouter 创建路由器，malformedPenalty 为格式错误消息的惩罚
func NewRouter(cm *ConnManager, malformedPenalty int) *Router {
	return &Router{
		cm:       cm,
		penalty:  malformedPenalty,
		handlers: make(map[types.MessageKind]MsgHandler),
	}
}

// Register 注册指定 Kind 的处理器
func (r *Router) Register(kind types.MessageKind, handler MsgHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

// HasHandler 检查是否有指定 Kind 的处理器
func (r *Router) HasHandler(kind types.MessageKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	return ok
}

// ValidateComplete 每种消息都必须有处理器，启动前调用
func (r *Router) ValidateComplete() error {
	var missing []types.MessageKind
	for _, k := range types.AllMessageKinds {
		if !r.HasHandler(k) {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrRouterIncomplete, missing)
	}
	return nil
}

// Route 分发已解码的消息
func (r *Router) Route(peer *Peer, msg types.Message) error {
	r.mu.RLock()
	handler, ok := r.handlers[msg.Kind()]
	r.mu.RUnlock()
	if !ok {
		return ErrNoHandlerRegistered
	}
	handler(peer, msg)
	return nil
}

// RouteBytes 解码后分发；格式错误按 malformedPenalty 处罚
func (r *Router) RouteBytes(peer *Peer, data []byte) error {
	msg, err := types.DecodeMessage(data)
	if err != nil {
		if r.cm != nil {
			r.cm.Misbehaving(peer, r.penalty, "malformed")
		}
		return err
	}
	return r.Route(peer, msg)
}

// Receive 处理一条入站消息：按身份定位连接、分发
func (r *Router) Receive(env Envelope) error {
	peer, err := r.cm.Accept(env)
	if err != nil {
		return err
	}
	if env.QWatch {
		peer.SetQWatch(true)
	}
	return r.RouteBytes(peer, env.Data)
}

// Async 把处理器包装成投递到 inbox 执行
func Async(inbox *Inbox, h MsgHandler) MsgHandler {
	return func(peer *Peer, msg types.Message) {
		if !inbox.Post(func() { h(peer, msg) }) {
			inbox.logger.Warn("inbox %s full, dropping %s from %s", inbox.name, msg.Kind(), peer)
		}
	}
}

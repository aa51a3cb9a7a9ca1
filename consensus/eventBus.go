package consensus

import (
	"sync"

	"llmqd/interfaces"
	"llmqd/types"
)

// EventBus 同步事件总线，处理器按订阅顺序调用
type EventBus struct {
	mu       sync.RWMutex
	handlers map[types.EventType][]interfaces.EventHandler
	wg       sync.WaitGroup
}

func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[types.EventType][]interfaces.EventHandler),
	}
}

func (eb *EventBus) Subscribe(topic types.EventType, handler interfaces.EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[topic] = append(eb.handlers[topic], handler)
}

func (eb *EventBus) Publish(event interfaces.Event) {
	eb.mu.RLock()
	handlers := eb.handlers[event.Type()]
	eb.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

func (eb *EventBus) PublishAsync(event interfaces.Event) {
	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		eb.Publish(event)
	}()
}

// Wait 等待所有异步事件处理完
func (eb *EventBus) Wait() {
	eb.wg.Wait()
}

package network

import (
	"sync"
	"sync/atomic"

	"llmqd/logs"
)

// Inbox 单写者工作队列：同一组件的消息按到达顺序在一个 goroutine 里处理
type Inbox struct {
	name   string
	queue  chan func()
	logger logs.Logger

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewInbox 创建队列
func NewInbox(name string, size int) *Inbox {
	if size <= 0 {
		size = 1024
	}
	return &Inbox{
		name:   name,
		queue:  make(chan func(), size),
		logger: logs.NewLogger("Inbox"),
		stopCh: make(chan struct{}),
	}
}

// Start 启动处理 goroutine
func (ib *Inbox) Start() {
	if ib.running.Swap(true) {
		return
	}
	ib.wg.Add(1)
	go ib.processLoop()
}

// Stop 停止并等待当前任务结束，未处理的任务丢弃
func (ib *Inbox) Stop() {
	ib.stopOnce.Do(func() {
		ib.running.Store(false)
		close(ib.stopCh)
		ib.wg.Wait()
	})
}

// Post 投递任务，队列满或已停止返回 false
func (ib *Inbox) Post(fn func()) bool {
	select {
	case <-ib.stopCh:
		return false
	default:
	}
	select {
	case ib.queue <- fn:
		return true
	default:
		return false
	}
}

// Len 队列中待处理任务数
func (ib *Inbox) Len() int {
	return len(ib.queue)
}

func (ib *Inbox) processLoop() {
	defer ib.wg.Done()
	for {
		select {
		case <-ib.stopCh:
			return
		case fn := <-ib.queue:
			ib.run(fn)
		}
	}
}

func (ib *Inbox) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			ib.logger.Error("inbox %s task panic: %v", ib.name, r)
		}
	}()
	fn()
}

package processing

import (
	"context"
	"sync"
	"sync/atomic"

	"livedata-service/pkg/common"
	"livedata-service/pkg/models"
)

// Emitter 关联事件的有界发送队列
//
// 队列满时丢弃最旧的事件，Publish 永远不会阻塞关联路径。单个发送协程 (Run)
// 按入队顺序把事件交给下游。
type Emitter struct {
	queue   chan models.CorrelatedEvent
	sink    EventSink
	logger  common.Logger
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	sent    atomic.Uint64
	failed  atomic.Uint64
}

// NewEmitter 创建发送器，capacity <= 0 时使用 1
func NewEmitter(sink EventSink, capacity int, logger common.Logger) *Emitter {
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = common.NewLogger("Emitter")
	}
	return &Emitter{
		queue:  make(chan models.CorrelatedEvent, capacity),
		sink:   sink,
		logger: logger,
	}
}

// Publish 入队；队列满时挤掉最旧的一条
func (e *Emitter) Publish(event models.CorrelatedEvent) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return common.ErrClosed
	}

	for {
		select {
		case e.queue <- event:
			return nil
		default:
		}

		// 队列满，丢弃队首后重试
		select {
		case old := <-e.queue:
			e.dropped.Add(1)
			e.logger.Warn("Queue full, dropped %s event %s", old.Kind(), old.EventID())
		default:
		}
	}
}

// Run 把队列中的事件发给下游，直到 Close 后队列清空或 ctx 结束
func (e *Emitter) Run(ctx context.Context) error {
	for {
		select {
		case event, ok := <-e.queue:
			if !ok {
				e.logger.Info("Queue flushed (sent: %d, failed: %d, dropped: %d)",
					e.sent.Load(), e.failed.Load(), e.dropped.Load())
				return nil
			}
			if err := e.sink.Publish(ctx, event); err != nil {
				e.failed.Add(1)
				e.logger.Error("Failed to publish %s event %s: %v", event.Kind(), event.EventID(), err)
				continue
			}
			e.sent.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close 停止接收新事件，已入队的事件由 Run 继续发送
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	close(e.queue)
}

// Dropped 因队列满被丢弃的事件数
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Failed 下游返回错误的事件数
func (e *Emitter) Failed() uint64 {
	return e.failed.Load()
}

// Pending 队列中等待发送的事件数
func (e *Emitter) Pending() int {
	return len(e.queue)
}

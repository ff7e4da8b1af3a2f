package ingestion

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"livedata-service/pkg/common"
)

// RecordHandler 处理来自 stream 的一条原始记录
type RecordHandler func(ctx context.Context, stream string, payload []byte) error

// StreamRouter 按逻辑流调度记录
//
// 每个流一个有界通道和一个工作协程，同一流内严格按提交顺序处理，不同流并行。
// 流在第一次提交时创建。
type StreamRouter struct {
	handler RecordHandler
	buffer  int
	logger  common.Logger

	ctx   context.Context
	group *errgroup.Group

	// Submit 持读锁发送，Close 持写锁关闭通道
	lifecycle sync.RWMutex
	closed    bool

	mu      sync.Mutex
	streams map[string]chan []byte

	processed atomic.Uint64
	failed    atomic.Uint64
}

// NewStreamRouter 创建流调度器，ctx 结束后工作协程仍会清空各自队列
func NewStreamRouter(ctx context.Context, handler RecordHandler, buffer int, logger common.Logger) *StreamRouter {
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = common.NewLogger("StreamRouter")
	}
	group, gctx := errgroup.WithContext(ctx)
	return &StreamRouter{
		handler: handler,
		buffer:  buffer,
		logger:  logger,
		ctx:     gctx,
		group:   group,
		streams: make(map[string]chan []byte),
	}
}

// Submit 提交一条记录到指定流，只会在该流的队列满时阻塞
func (r *StreamRouter) Submit(ctx context.Context, stream string, payload []byte) error {
	r.lifecycle.RLock()
	defer r.lifecycle.RUnlock()

	if r.closed {
		return common.ErrClosed
	}

	queue := r.stream(stream)
	select {
	case queue <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *StreamRouter) stream(id string) chan []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue, ok := r.streams[id]
	if ok {
		return queue
	}

	queue = make(chan []byte, r.buffer)
	r.streams[id] = queue
	r.group.Go(func() error {
		r.work(id, queue)
		return nil
	})
	r.logger.Debug("Stream %s started (total: %d)", id, len(r.streams))
	return queue
}

func (r *StreamRouter) work(id string, queue <-chan []byte) {
	for payload := range queue {
		if err := r.handler(r.ctx, id, payload); err != nil {
			// 处理器已按错误类别记录日志，这里只计数
			r.failed.Add(1)
			continue
		}
		r.processed.Add(1)
	}
	r.logger.Debug("Stream %s finished", id)
}

// Close 停止接收，等待所有流处理完队列中的记录
func (r *StreamRouter) Close() error {
	r.lifecycle.Lock()
	if r.closed {
		r.lifecycle.Unlock()
		return nil
	}
	r.closed = true

	r.mu.Lock()
	for _, queue := range r.streams {
		close(queue)
	}
	streams := len(r.streams)
	r.mu.Unlock()
	r.lifecycle.Unlock()

	err := r.group.Wait()
	r.logger.Info("Stream router closed (streams: %d, processed: %d, failed: %d)",
		streams, r.processed.Load(), r.failed.Load())
	return err
}

// StreamCount 当前流数量
func (r *StreamRouter) StreamCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// Processed 处理成功的记录数
func (r *StreamRouter) Processed() uint64 {
	return r.processed.Load()
}

// Failed 处理失败的记录数
func (r *StreamRouter) Failed() uint64 {
	return r.failed.Load()
}

package processing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"livedata-service/pkg/common"
	"livedata-service/pkg/models"
)

// FanoutSink 依次发布到多个下游，合并所有错误
type FanoutSink []EventSink

// Publish 实现 EventSink
func (f FanoutSink) Publish(ctx context.Context, event models.CorrelatedEvent) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EventFilter 关联事件过滤条件，空列表表示不过滤
type EventFilter struct {
	Kinds   []models.CorrelatedKind `json:"kinds,omitempty"`
	Casters []models.EntityID       `json:"casters,omitempty"`
}

// Match 检查事件是否满足过滤条件
func (f EventFilter) Match(event models.CorrelatedEvent) bool {
	if len(f.Kinds) > 0 {
		matched := false
		for _, kind := range f.Kinds {
			if event.Kind() == kind {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(f.Casters) > 0 {
		caster := event.OriginalCast().CasterID
		matched := false
		for _, id := range f.Casters {
			if caster == id {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

// Subscriber 事件订阅者
type Subscriber struct {
	ID     string
	Filter EventFilter
	Sink   EventSink
}

// Dispatcher 按订阅者过滤条件分发关联事件
//
// 分发是同步的，同一订阅者收到事件的顺序与发送顺序一致。
type Dispatcher struct {
	logger      common.Logger
	mu          sync.RWMutex
	subscribers []Subscriber
}

// NewDispatcher 创建分发器
func NewDispatcher(logger common.Logger) *Dispatcher {
	if logger == nil {
		logger = common.NewLogger("Dispatcher")
	}
	return &Dispatcher{logger: logger}
}

// Publish 实现 EventSink
func (d *Dispatcher) Publish(ctx context.Context, event models.CorrelatedEvent) error {
	d.mu.RLock()
	subscribers := d.subscribers
	d.mu.RUnlock()

	var errs []error
	dispatched := 0
	for _, sub := range subscribers {
		if !sub.Filter.Match(event) {
			continue
		}
		dispatched++
		if err := sub.Sink.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("subscriber %s: %w", sub.ID, err))
		}
	}

	d.logger.Debug("Event %s dispatched to %d subscribers", event.EventID(), dispatched)
	return errors.Join(errs...)
}

// Subscribe 添加订阅者，ID 重复时返回错误
func (d *Dispatcher) Subscribe(sub Subscriber) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, existing := range d.subscribers {
		if existing.ID == sub.ID {
			return fmt.Errorf("subscriber %s already exists", sub.ID)
		}
	}

	// 写时复制，Publish 持有的旧切片不受影响
	next := make([]Subscriber, 0, len(d.subscribers)+1)
	next = append(next, d.subscribers...)
	d.subscribers = append(next, sub)

	d.logger.Info("Subscriber added: %s (total: %d)", sub.ID, len(d.subscribers))
	return nil
}

// Unsubscribe 移除订阅者
func (d *Dispatcher) Unsubscribe(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, sub := range d.subscribers {
		if sub.ID == id {
			next := make([]Subscriber, 0, len(d.subscribers)-1)
			next = append(next, d.subscribers[:i]...)
			d.subscribers = append(next, d.subscribers[i+1:]...)
			d.logger.Info("Subscriber removed: %s (total: %d)", id, len(d.subscribers))
			return nil
		}
	}
	return fmt.Errorf("subscriber %s not found", id)
}

// SubscriberCount 订阅者数量
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

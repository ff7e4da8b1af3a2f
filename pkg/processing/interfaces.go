package processing

import (
	"context"

	"livedata-service/pkg/models"
)

// RecordDecoder 原始记录解码器
type RecordDecoder interface {
	// Decode 把一条原始记录解码为原始事件
	Decode(payload []byte) (models.RawEvent, error)
}

// EventSink 关联事件的下游，由下游实现
type EventSink interface {
	// Publish 发布一条关联事件
	Publish(ctx context.Context, event models.CorrelatedEvent) error
}

// EventPublisher 关联路径上的发布入口，不能阻塞
type EventPublisher interface {
	Publish(event models.CorrelatedEvent) error
}

// UnresolvedReporter 未结算施法与未匹配结算的上报接口
type UnresolvedReporter interface {
	// UnresolvedCast 施法在没有结算的情况下离开登记表
	UnresolvedCast(cast models.ActiveCast, reason models.UnresolvedReason)

	// UnmatchedResolution 结算事件找不到对应施法
	UnmatchedResolution(event models.RawEvent, err error)
}

// NopReporter 丢弃所有上报
type NopReporter struct{}

func (NopReporter) UnresolvedCast(models.ActiveCast, models.UnresolvedReason) {}

func (NopReporter) UnmatchedResolution(models.RawEvent, error) {}

// SinkFunc 把函数适配为 EventSink
type SinkFunc func(ctx context.Context, event models.CorrelatedEvent) error

// Publish 实现 EventSink
func (f SinkFunc) Publish(ctx context.Context, event models.CorrelatedEvent) error {
	return f(ctx, event)
}

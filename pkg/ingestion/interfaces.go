package ingestion

import (
	"context"
	"time"
)

// FeedSource 数据流来源
type FeedSource interface {
	// Run 连接并持续消费，直到 ctx 结束
	Run(ctx context.Context) error

	// IsConnected 检查连接状态
	IsConnected() bool

	// Name 获取数据源名称
	Name() string

	// Type 获取数据源类型
	Type() SourceType
}

// Submitter 记录提交入口，由 StreamRouter 实现
type Submitter interface {
	Submit(ctx context.Context, stream string, payload []byte) error
}

// SourceType 数据源类型
type SourceType string

const (
	SourceTypeAMQP SourceType = "amqp"
	SourceTypeMQTT SourceType = "mqtt"
	SourceTypeFile SourceType = "file"
)

// ConnectionStatus 数据源连接状态
type ConnectionStatus struct {
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Connected bool      `json:"connected"`
	LastCheck time.Time `json:"last_check"`
}

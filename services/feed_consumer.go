package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/streadway/amqp"

	"livedata-service/config"
	"livedata-service/logger"
	"livedata-service/pkg/ingestion"
)

// StreamHeader 指定逻辑流的消息头，缺省时使用 routing key
const StreamHeader = "stream"

// ReconnectConfig 重连配置
type ReconnectConfig struct {
	MaxRetries    int           // 最大重试次数 (0 = 无限重试)
	InitialDelay  time.Duration // 初始延迟
	MaxDelay      time.Duration // 最大延迟
	BackoffFactor float64       // 退避因子
}

// DefaultReconnectConfig 默认重连配置
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxRetries:    0,
		InitialDelay:  1 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
	}
}

// next 指数退避后的下一次延迟
func (c *ReconnectConfig) next(current time.Duration) time.Duration {
	delay := time.Duration(float64(current) * c.BackoffFactor)
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// AMQPFeed 从 topic exchange 消费原始记录并提交到流调度器
type AMQPFeed struct {
	url         string
	exchange    string
	queue       string
	routingKeys []string
	prefetch    int
	reconnect   *ReconnectConfig
	submitter   ingestion.Submitter

	connected atomic.Bool
	received  atomic.Uint64
	rejected  atomic.Uint64
}

// NewAMQPFeed 创建 AMQP 数据源
func NewAMQPFeed(cfg *config.Config, submitter ingestion.Submitter) *AMQPFeed {
	return &AMQPFeed{
		url:         cfg.AMQPURL,
		exchange:    cfg.AMQPExchange,
		queue:       cfg.AMQPQueue,
		routingKeys: cfg.RoutingKeys,
		prefetch:    cfg.AMQPPrefetch,
		reconnect:   DefaultReconnectConfig(),
		submitter:   submitter,
	}
}

// Name 实现 ingestion.FeedSource
func (f *AMQPFeed) Name() string { return "amqp:" + f.exchange }

// Type 实现 ingestion.FeedSource
func (f *AMQPFeed) Type() ingestion.SourceType { return ingestion.SourceTypeAMQP }

// IsConnected 实现 ingestion.FeedSource
func (f *AMQPFeed) IsConnected() bool { return f.connected.Load() }

// Received 已收到的消息数
func (f *AMQPFeed) Received() uint64 { return f.received.Load() }

// Run 连接并消费，断线后按指数退避重连，直到 ctx 结束
func (f *AMQPFeed) Run(ctx context.Context) error {
	logger.Println("[AMQP] Starting feed with auto-reconnect enabled")

	retryCount := 0
	currentDelay := f.reconnect.InitialDelay
	for {
		established, err := f.consume(ctx)
		f.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}

		// 成功建立过连接则重置退避
		if established {
			retryCount = 0
			currentDelay = f.reconnect.InitialDelay
		}

		retryCount++
		if f.reconnect.MaxRetries > 0 && retryCount > f.reconnect.MaxRetries {
			return fmt.Errorf("max retries (%d) reached: %w", f.reconnect.MaxRetries, err)
		}

		logger.Errorf("[AMQP] ⚠️  Connection lost: %v", err)
		logger.Printf("[AMQP] 🔄 Reconnecting in %v (attempt %d)...", currentDelay, retryCount)
		select {
		case <-time.After(currentDelay):
		case <-ctx.Done():
			return nil
		}
		currentDelay = f.reconnect.next(currentDelay)
	}
}

// consume 建立一次连接并消费到连接断开，返回是否成功进入消费状态
func (f *AMQPFeed) consume(ctx context.Context) (bool, error) {
	conn, err := amqp.DialConfig(f.url, amqp.Config{
		Heartbeat: 30 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return false, fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	channel, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("failed to create channel: %w", err)
	}
	defer channel.Close()

	msgs, err := f.setup(channel)
	if err != nil {
		return false, err
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	f.connected.Store(true)
	logger.Printf("[AMQP] ✅ Consuming from exchange %s", f.exchange)

	for {
		select {
		case <-ctx.Done():
			logger.Println("[AMQP] Stopping feed...")
			return true, nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return true, errors.New("connection closed")
			}
			return true, amqpErr
		case d, ok := <-msgs:
			if !ok {
				return true, errors.New("delivery channel closed")
			}
			f.handle(ctx, d)
		}
	}
}

func (f *AMQPFeed) setup(channel *amqp.Channel) (<-chan amqp.Delivery, error) {
	if err := channel.Qos(f.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := channel.ExchangeDeclare(
		f.exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// 未指定队列名时使用独占临时队列
	named := f.queue != ""
	queue, err := channel.QueueDeclare(
		f.queue,
		named,  // durable
		!named, // delete when unused
		!named, // exclusive
		false,  // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	logger.Printf("[AMQP] Queue declared: %s", queue.Name)

	for _, routingKey := range f.routingKeys {
		if err := channel.QueueBind(queue.Name, routingKey, f.exchange, false, nil); err != nil {
			return nil, fmt.Errorf("failed to bind queue: %w", err)
		}
		logger.Printf("[AMQP] Bound to routing key: %s", routingKey)
	}

	msgs, err := channel.Consume(
		queue.Name,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// handle 提交到流调度器后确认；停机中断的消息重新入队
func (f *AMQPFeed) handle(ctx context.Context, d amqp.Delivery) {
	f.received.Add(1)

	err := f.submitter.Submit(ctx, streamOf(d), d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			logger.Errorf("[AMQP] Failed to ack delivery %d: %v", d.DeliveryTag, ackErr)
		}
	case ctx.Err() != nil:
		_ = d.Nack(false, true)
	default:
		f.rejected.Add(1)
		logger.Errorf("[AMQP] Failed to submit delivery %d: %v", d.DeliveryTag, err)
		_ = d.Nack(false, false)
	}
}

// streamOf 消息所属逻辑流
func streamOf(d amqp.Delivery) string {
	if v, ok := d.Headers[StreamHeader]; ok {
		switch s := v.(type) {
		case string:
			if s != "" {
				return s
			}
		case []byte:
			if len(s) > 0 {
				return string(s)
			}
		}
	}
	return d.RoutingKey
}

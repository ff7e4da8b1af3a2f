package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"livedata-service/pkg/models"
)

// NewRedisClient 按 URL 创建 Redis 客户端并检查连通性
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisSink 把关联事件追加到有长度上限的 Redis Stream
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
	approx bool
}

// NewRedisSink 创建 Redis Stream 下游，maxLen <= 0 时不裁剪
func NewRedisSink(client *redis.Client, stream string, maxLen int64) *RedisSink {
	return &RedisSink{
		client: client,
		stream: stream,
		maxLen: maxLen,
		approx: true,
	}
}

// Publish 实现 processing.EventSink
func (s *RedisSink) Publish(ctx context.Context, event models.CorrelatedEvent) error {
	payload, err := models.MarshalCorrelated(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.EventID(), err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"id":        event.EventID().String(),
			"kind":      string(event.Kind()),
			"caster_id": strconv.FormatUint(uint64(event.OriginalCast().CasterID), 10),
			"payload":   payload,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = s.approx
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd to %s failed: %w", s.stream, err)
	}
	return nil
}

// Ping 检查 Redis 连接
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"livedata-service/config"
	"livedata-service/logger"
	"livedata-service/pkg/ingestion"
)

const (
	// MQTT Quality of Service levels
	QoSAtMostOnce  = 0
	QoSAtLeastOnce = 1
)

// MQTTFeed 订阅 <prefix>/<stream> 主题并提交到流调度器
type MQTTFeed struct {
	broker    string
	username  string
	password  string
	prefix    string
	submitter ingestion.Submitter

	mu       sync.RWMutex
	client   mqtt.Client
	received atomic.Uint64
	rejected atomic.Uint64
}

// NewMQTTFeed 创建 MQTT 数据源
func NewMQTTFeed(cfg *config.Config, submitter ingestion.Submitter) *MQTTFeed {
	return &MQTTFeed{
		broker:    cfg.MQTTBroker,
		username:  cfg.MQTTUsername,
		password:  cfg.MQTTPassword,
		prefix:    strings.TrimSuffix(cfg.MQTTTopic, "/"),
		submitter: submitter,
	}
}

// Name 实现 ingestion.FeedSource
func (f *MQTTFeed) Name() string { return "mqtt:" + f.prefix }

// Type 实现 ingestion.FeedSource
func (f *MQTTFeed) Type() ingestion.SourceType { return ingestion.SourceTypeMQTT }

// IsConnected 实现 ingestion.FeedSource
func (f *MQTTFeed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.client != nil && f.client.IsConnected()
}

// Run 连接并订阅，paho 负责自动重连，直到 ctx 结束
func (f *MQTTFeed) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(f.broker)
	opts.SetUsername(f.username)
	opts.SetPassword(f.password)
	opts.SetClientID(fmt.Sprintf("livedata_%d", time.Now().UnixNano()))

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		// 重连后需要重新订阅
		topic := f.prefix + "/#"
		token := client.Subscribe(topic, QoSAtLeastOnce, func(_ mqtt.Client, msg mqtt.Message) {
			f.handle(ctx, msg)
		})
		if token.Wait() && token.Error() != nil {
			logger.Errorf("[MQTT] Failed to subscribe to %s: %v", topic, token.Error())
			return
		}
		logger.Printf("[MQTT] Connected to %s, subscribed to %s", f.broker, topic)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Errorf("[MQTT] ⚠️  Connection lost: %v", err)
	})

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	// 同一主题内的消息按到达顺序回调
	opts.SetOrderMatters(true)

	client := mqtt.NewClient(opts)
	f.mu.Lock()
	f.client = client
	f.mu.Unlock()

	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect: %w", token.Error())
	}

	<-ctx.Done()
	logger.Println("[MQTT] Stopping feed...")
	client.Disconnect(250)
	return nil
}

func (f *MQTTFeed) handle(ctx context.Context, msg mqtt.Message) {
	f.received.Add(1)
	if err := f.submitter.Submit(ctx, streamFromTopic(f.prefix, msg.Topic()), msg.Payload()); err != nil {
		f.rejected.Add(1)
		if ctx.Err() == nil {
			logger.Errorf("[MQTT] Failed to submit message on %s: %v", msg.Topic(), err)
		}
	}
}

// streamFromTopic 把 <prefix>/<stream> 映射为流 ID，没有子主题时使用整个主题
func streamFromTopic(prefix, topic string) string {
	if stream, ok := strings.CutPrefix(topic, prefix+"/"); ok && stream != "" {
		return stream
	}
	return topic
}

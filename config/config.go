package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// 数据库配置
	DatabaseURL string
	AutoMigrate bool

	// 技能目录，为空时从数据库加载
	CatalogFile string

	// 服务器配置
	Port string

	// 其他配置
	Environment string
	LogLevel    string
	LogFormat   string

	// AMQP 数据流配置
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string
	RoutingKeys  []string
	AMQPPrefetch int

	// MQTT 数据流配置 (可选)
	MQTTBroker   string
	MQTTUsername string
	MQTTPassword string
	MQTTTopic    string

	// Redis 输出配置 (可选)
	RedisURL       string
	RedisStream    string
	RedisStreamMax int64

	// 飞书通知
	LarkWebhook    string
	ReportInterval time.Duration

	// 数据流空闲告警阈值
	FeedIdleThreshold time.Duration

	// 处理器配置
	RegistryShards      int
	EmitterCapacity     int
	ReportQueueCapacity int
	StreamBuffer        int
	DefaultCastWindow   time.Duration
	SweepInterval       time.Duration
}

func Load() *Config {
	// .env 不存在时忽略
	_ = godotenv.Load()

	return &Config{
		// 数据库配置
		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/livedata?sslmode=disable"),
		AutoMigrate: getEnvBool("AUTO_MIGRATE", true),
		CatalogFile: getEnv("CATALOG_FILE", ""),

		// 服务器配置
		Port: getEnv("PORT", "8080"),

		// 其他配置
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "console"),

		// AMQP 数据流配置
		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "livedata"),
		AMQPQueue:    getEnv("AMQP_QUEUE", ""),
		RoutingKeys:  getList("ROUTING_KEYS", "#"),
		AMQPPrefetch: getEnvInt("AMQP_PREFETCH", 100),

		// MQTT 数据流配置
		MQTTBroker:   getEnv("MQTT_BROKER", ""),
		MQTTUsername: getEnv("MQTT_USERNAME", ""),
		MQTTPassword: getEnv("MQTT_PASSWORD", ""),
		MQTTTopic:    getEnv("MQTT_TOPIC", "livedata"),

		// Redis 输出配置
		RedisURL:       getEnv("REDIS_URL", ""),
		RedisStream:    getEnv("REDIS_STREAM", "livedata:correlated"),
		RedisStreamMax: int64(getEnvInt("REDIS_STREAM_MAXLEN", 100000)),

		// 飞书通知
		LarkWebhook:    getEnv("LARK_WEBHOOK_URL", ""),
		ReportInterval: getEnvDuration("REPORT_INTERVAL", 5*time.Minute),

		FeedIdleThreshold: getEnvDuration("FEED_IDLE_THRESHOLD", time.Minute),

		// 处理器配置
		RegistryShards:      getEnvInt("REGISTRY_SHARDS", 16),
		EmitterCapacity:     getEnvInt("EMITTER_CAPACITY", 4096),
		ReportQueueCapacity: getEnvInt("REPORT_QUEUE_CAPACITY", 1024),
		StreamBuffer:        getEnvInt("STREAM_BUFFER", 256),
		DefaultCastWindow:   getEnvDuration("DEFAULT_CAST_WINDOW", 10*time.Second),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", time.Second),
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.AMQPURL == "" && c.MQTTBroker == "" {
		return fmt.Errorf("no feed configured: set AMQP_URL or MQTT_BROKER")
	}
	if c.RegistryShards <= 0 {
		return fmt.Errorf("REGISTRY_SHARDS must be positive, got %d", c.RegistryShards)
	}
	if c.EmitterCapacity <= 0 {
		return fmt.Errorf("EMITTER_CAPACITY must be positive, got %d", c.EmitterCapacity)
	}
	if c.ReportQueueCapacity <= 0 {
		return fmt.Errorf("REPORT_QUEUE_CAPACITY must be positive, got %d", c.ReportQueueCapacity)
	}
	if c.DefaultCastWindow <= 0 {
		return fmt.Errorf("DEFAULT_CAST_WINDOW must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getList(key, defaultValue string) []string {
	var out []string
	for _, v := range strings.Split(getEnv(key, defaultValue), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := strconv.Atoi(value)
	if err != nil || result == 0 {
		return defaultValue
	}
	return result
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

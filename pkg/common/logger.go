package common

import (
	"fmt"

	"github.com/rs/zerolog"

	"livedata-service/logger"
)

// Logger 日志接口
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})

	// With 返回附加了结构化字段的日志器
	With(key string, value interface{}) Logger
}

// DefaultLogger 默认日志实现
type DefaultLogger struct {
	prefix string
	zl     zerolog.Logger
}

// NewLogger 创建日志器
func NewLogger(prefix string) Logger {
	return &DefaultLogger{
		prefix: prefix,
		zl:     logger.Component(prefix),
	}
}

// NewLoggerFrom 基于已有的 zerolog 日志器创建 (测试里可以注入 zerolog.Nop())
func NewLoggerFrom(prefix string, zl zerolog.Logger) Logger {
	return &DefaultLogger{prefix: prefix, zl: zl.With().Str("component", prefix).Logger()}
}

func (l *DefaultLogger) Debug(msg string, args ...interface{}) {
	l.log(l.zl.Debug(), msg, args...)
}

func (l *DefaultLogger) Info(msg string, args ...interface{}) {
	l.log(l.zl.Info(), msg, args...)
}

func (l *DefaultLogger) Warn(msg string, args ...interface{}) {
	l.log(l.zl.Warn(), msg, args...)
}

func (l *DefaultLogger) Error(msg string, args ...interface{}) {
	l.log(l.zl.Error(), msg, args...)
}

func (l *DefaultLogger) With(key string, value interface{}) Logger {
	return &DefaultLogger{
		prefix: l.prefix,
		zl:     l.zl.With().Interface(key, value).Logger(),
	}
}

func (l *DefaultLogger) log(ev *zerolog.Event, msg string, args ...interface{}) {
	if len(args) == 0 {
		ev.Msg(fmt.Sprintf("[%s] %s", l.prefix, msg))
		return
	}
	ev.Msg(fmt.Sprintf("[%s] %s", l.prefix, fmt.Sprintf(msg, args...)))
}

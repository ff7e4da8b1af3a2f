package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Log 全局日志器，Info 走 stdout，Error 走 stderr
var Log zerolog.Logger

var errLog zerolog.Logger

func init() {
	Init(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// Init 根据级别和格式 (console/json) 初始化全局日志器
func Init(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var out, errOut io.Writer = os.Stdout, os.Stderr
	if format != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"}
		errOut = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"}
	}

	Log = zerolog.New(out).With().Timestamp().Logger().Level(lvl)
	errLog = zerolog.New(errOut).With().Timestamp().Logger().Level(lvl)
}

// SetOutput 将日志输出重定向到 w (测试用)
func SetOutput(w io.Writer) {
	Log = Log.Output(w)
	errLog = errLog.Output(w)
}

// Component 返回带 component 字段的子日志器
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}

// Println 输出正常日志到 stdout
func Println(v ...interface{}) {
	Log.Info().Msg(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

// Printf 格式化输出正常日志到 stdout
func Printf(format string, v ...interface{}) {
	Log.Info().Msgf(format, v...)
}

// Errorln 输出错误日志到 stderr
func Errorln(v ...interface{}) {
	errLog.Error().Msg(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

// Errorf 格式化输出错误日志到 stderr
func Errorf(format string, v ...interface{}) {
	errLog.Error().Msgf(format, v...)
}

// Fatalf 输出致命错误并退出程序
func Fatalf(format string, v ...interface{}) {
	errLog.Fatal().Msgf(format, v...)
}

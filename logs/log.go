package logs

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 定义日志级别常量（数值越大，级别越高）
const (
	LevelTrace   = iota // 0（最低，最详细）
	LevelDebug          // 1
	LevelVerbose        // 2
	LevelInfo           // 3
	LevelWarning        // 4
	LevelError          // 5（最高，最严重）
)

var logLevel atomic.Int32 // 全局日志级别

// NodeTag 日志前缀中的节点标识（masternode 模式下为 proTxHash 前缀）
var NodeTag = "-------"

var (
	backendMu sync.RWMutex
	backend   *zap.SugaredLogger
)

// Logger 组件日志接口，方便注入与测试替换
type Logger interface {
	Trace(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Verbose(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
}

func init() {
	logLevel.Store(LevelInfo)
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	cfg.DisableStacktrace = true
	l, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		l = zap.NewNop()
	}
	backend = l.Sugar()
}

// SetBackend 替换底层 zap logger（nil 表示丢弃全部输出）
func SetBackend(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	backendMu.Lock()
	backend = l.Sugar()
	backendMu.Unlock()
}

// SetLevel 设置全局日志级别
func SetLevel(level int) {
	if level < LevelTrace {
		level = LevelTrace
	}
	if level > LevelError {
		level = LevelError
	}
	logLevel.Store(int32(level))
}

// ParseLevel 把 "trace" / "debug" / ... 转换为级别常量
func ParseLevel(s string) (int, error) {
	switch s {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "verbose":
		return LevelVerbose, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func enabled(level int) bool {
	return int(logLevel.Load()) <= level
}

func emit(level int, prefix, format string, v ...interface{}) {
	if !enabled(level) {
		return
	}
	backendMu.RLock()
	b := backend
	backendMu.RUnlock()

	msg := NodeTag + " " + prefix + fmt.Sprintf(format, v...)
	switch level {
	case LevelTrace, LevelDebug, LevelVerbose:
		b.Debug(msg)
	case LevelInfo:
		b.Info(msg)
	case LevelWarning:
		b.Warn(msg)
	default:
		b.Error(msg)
	}
}

// 包级别的日志方法
func Trace(format string, v ...interface{})   { emit(LevelTrace, "", format, v...) }
func Debug(format string, v ...interface{})   { emit(LevelDebug, "", format, v...) }
func Verbose(format string, v ...interface{}) { emit(LevelVerbose, "", format, v...) }
func Info(format string, v ...interface{})    { emit(LevelInfo, "", format, v...) }
func Warn(format string, v ...interface{})    { emit(LevelWarning, "", format, v...) }
func Error(format string, v ...interface{})   { emit(LevelError, "", format, v...) }

// componentLogger 带 "[Component] " 前缀的组件日志
type componentLogger struct {
	prefix string
}

// NewLogger 创建组件日志，输出形如 "[QuorumData] ..."
func NewLogger(component string) Logger {
	return &componentLogger{prefix: "[" + component + "] "}
}

func (l *componentLogger) Trace(format string, v ...interface{}) {
	emit(LevelTrace, l.prefix, format, v...)
}
func (l *componentLogger) Debug(format string, v ...interface{}) {
	emit(LevelDebug, l.prefix, format, v...)
}
func (l *componentLogger) Verbose(format string, v ...interface{}) {
	emit(LevelVerbose, l.prefix, format, v...)
}
func (l *componentLogger) Info(format string, v ...interface{}) {
	emit(LevelInfo, l.prefix, format, v...)
}
func (l *componentLogger) Warn(format string, v ...interface{}) {
	emit(LevelWarning, l.prefix, format, v...)
}
func (l *componentLogger) Error(format string, v ...interface{}) {
	emit(LevelError, l.prefix, format, v...)
}

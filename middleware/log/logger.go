package logger

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Gopher0727/Cloak/config"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey contextKey = "trace_id"
)

// Logger wraps zap.Logger with trace-aware helpers.
type Logger struct {
	*zap.Logger
	file *os.File
}

// NewLogger builds a logger from the logging section of the config.
// Format is "json" or "text"; output is "stdout" or "file".
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var (
		writeSyncer zapcore.WriteSyncer
		file        *os.File
	)
	if cfg.Output == "file" {
		var err error
		file, err = os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		writeSyncer = zapcore.AddSync(file)
	} else {
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, writeSyncer, parseLogLevel(cfg.Level))
	zapLogger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return &Logger{Logger: zapLogger, file: file}, nil
}

// Component returns a named child logger for one subsystem (feed, sweeper, ...).
func (l *Logger) Component(name string) *zap.Logger {
	return l.Logger.Named(name)
}

// FromContext adds the trace ID carried by ctx, if any, to base.
func FromContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if traceID := GetTraceID(ctx); traceID != "" {
		return base.With(zap.String("trace_id", traceID))
	}
	return base
}

func parseLogLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Close flushes buffered entries and releases the log file, if any.
func (l *Logger) Close() error {
	// stdout 上的 Sync 在部分平台返回 EINVAL，忽略
	_ = l.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

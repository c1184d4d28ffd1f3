package taskpipe

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 为最小日志接口，应用可注入自定义实现。
type Logger interface {
	Info(ctx context.Context, msg string, kv ...interface{})
	Warn(ctx context.Context, msg string, kv ...interface{})
	Error(ctx context.Context, msg string, kv ...interface{})
}

// zapLogger 基于 zap 的默认实现，kv 以键值对形式写入。
type zapLogger struct{ s *zap.SugaredLogger }

// NewZapLogger 包装已有的 zap.Logger。
func NewZapLogger(l *zap.Logger) Logger { return zapLogger{s: l.Sugar()} }

func (z zapLogger) Info(ctx context.Context, msg string, kv ...interface{}) { z.s.Infow(msg, kv...) }
func (z zapLogger) Warn(ctx context.Context, msg string, kv ...interface{}) { z.s.Warnw(msg, kv...) }
func (z zapLogger) Error(ctx context.Context, msg string, kv ...interface{}) {
	z.s.Errorw(msg, kv...)
}

// NewLogger 按配置构建 zap 日志：输出到 stdout/stderr 或文件，文件可选 lumberjack 滚动。
func NewLogger(c LoggerConfig) (Logger, *zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(c.Level)))); err != nil || c.Level == "" {
		level.SetLevel(zap.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if strings.EqualFold(c.Format, "console") {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	outputs := c.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	var cores []zapcore.Core
	for _, out := range outputs {
		var ws zapcore.WriteSyncer
		switch strings.ToLower(out) {
		case "stdout":
			ws = zapcore.AddSync(os.Stdout)
		case "stderr":
			ws = zapcore.AddSync(os.Stderr)
		default:
			if dir := filepath.Dir(out); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, nil, err
				}
			}
			if c.Rotation.Enable {
				ws = zapcore.AddSync(&lumberjack.Logger{
					Filename:   out,
					MaxSize:    max(c.Rotation.MaxSizeMB, 10),
					MaxBackups: max(c.Rotation.MaxBackups, 1),
					MaxAge:     max(c.Rotation.MaxAgeDays, 7),
					Compress:   c.Rotation.Compress,
				})
			} else {
				f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
				if err != nil {
					return nil, nil, err
				}
				ws = zapcore.AddSync(f)
			}
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, level))
	}
	zl := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
	return NewZapLogger(zl), zl, nil
}

// defaultLogger 在未注入 Logger 且未配置日志时使用。
func defaultLogger() Logger {
	l, _, err := NewLogger(LoggerConfig{})
	if err != nil {
		return NewZapLogger(zap.NewNop())
	}
	return l
}

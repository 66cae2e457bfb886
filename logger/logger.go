package logger

import (
	"io"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger that writes human-readable output to w. Timestamps are
// rendered in UTC RFC3339 so log lines sort lexicographically.
func New(w io.Writer) *zap.Logger {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format(time.RFC3339))
	}
	config.EncodeDuration = func(d time.Duration, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(d.String())
	}
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(config),
		zapcore.Lock(zapcore.AddSync(w)),
		zapcore.DebugLevel,
	))
}

// NewOperation returns a logger scoped to a long-running operation along with a
// function that logs its completion and duration.
func NewOperation(log *zap.Logger, msg, name string, fields ...zap.Field) (*zap.Logger, func()) {
	f := []zap.Field{zap.String("op_name", name)}
	f = append(f, fields...)
	now := time.Now()
	log.Info(msg+" (start)", f...)

	return log.With(f...), func() {
		log.Info(msg+" (end)", append(f, zap.Duration("op_elapsed", time.Since(now)))...)
	}
}

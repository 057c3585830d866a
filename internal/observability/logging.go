package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/kazi/internal/config"
	"github.com/pitabwire/kazi/model"
)

type loggerKey struct{}

// NewLogger builds the process logger: JSON lines on stdout with ISO8601
// timestamps. Unknown levels fall back to info.
//
// Levels:
//   - error: store failures, panics, failed sweeps, 5xx responses
//   - warn:  4xx responses, undelivered notifications, breaker trips
//   - info:  workflow starts and transitions, seeding, sweep totals
//   - debug: definition cache activity, transition metadata, skipped sweep items
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}

	zc := zap.NewProductionConfig()
	zc.Level = level
	zc.Sampling = nil
	zc.OutputPaths = []string{"stdout"}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	return zc.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger tags the context logger (or fallback) with the actor
// carried by the request context. Empty ids are omitted.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{zap.String("tenant_id", rctx.TenantID)}
	for _, f := range []struct{ key, val string }{
		{"subject_id", rctx.SubjectID},
		{"request_id", rctx.CorrelationID},
		{"trace_id", rctx.TraceID},
	} {
		if f.val != "" {
			fields = append(fields, zap.String(f.key, f.val))
		}
	}
	return logger.With(fields...)
}

const redacted = "[REDACTED]"

// sensitiveKeys are instance metadata keys never written to logs. Matching
// ignores case.
var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"secret":        {},
	"token":         {},
	"access_token":  {},
	"refresh_token": {},
	"api_key":       {},
	"authorization": {},
	"national_id":   {},
	"bank_account":  {},
	"salary":        {},
}

// RedactMetadata returns a copy of instance metadata that is safe to log.
// Nested maps and slices of maps are walked; the input is not modified.
func RedactMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return RedactMetadata(t)
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = redactValue(item)
		}
		return items
	default:
		return v
	}
}

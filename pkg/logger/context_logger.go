package logger

import (
	"context"

	"meshcall/internal/core/domain"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	traceIDKey       ctxKey = "trace_id"
	roomIDKey        ctxKey = "room_id"
	participantIDKey ctxKey = "participant_id"
)

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func WithRoom(ctx context.Context, roomID domain.RoomID) context.Context {
	return context.WithValue(ctx, roomIDKey, roomID)
}

func WithParticipant(ctx context.Context, participantID domain.ParticipantID) context.Context {
	return context.WithValue(ctx, participantIDKey, participantID)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext adds the trace, room and participant ids found in ctx.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}

	if id, ok := ctx.Value(traceIDKey).(string); ok {
		fields = append(fields, zap.String("trace_id", id))
	}
	if id, ok := ctx.Value(roomIDKey).(domain.RoomID); ok {
		fields = append(fields, zap.String("room_id", string(id)))
	}
	if id, ok := ctx.Value(participantIDKey).(domain.ParticipantID); ok {
		fields = append(fields, zap.String("participant_id", string(id)))
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

func (cl *ContextLogger) Sugar(ctx context.Context) *zap.SugaredLogger {
	return cl.WithContext(ctx).Sugar()
}

func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, statusCode int, duration int64) {
	cl.WithContext(ctx).Info("http_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", statusCode),
		zap.Int64("duration_ms", duration),
	)
}

func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, fields ...zapcore.Field) {
	logger := cl.WithContext(ctx).With(zap.Error(err))
	logger.Error(message, fields...)
}

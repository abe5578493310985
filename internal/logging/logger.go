package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	*zap.Logger
}

type ctxKey struct{}

// NewLogger builds a JSON production logger at level, or a console logger
// when environment is "development".
func NewLogger(level, environment string) (*Logger, error) {
	config := zap.NewProductionConfig()
	if environment == "development" {
		config = zap.NewDevelopmentConfig()
	}

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{logger}, nil
}

// Nop is a Logger that discards everything.
func Nop() *Logger {
	return &Logger{zap.NewNop()}
}

// ContextWithRequestID tags ctx with a request ID for WithRequestID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func (l *Logger) WithRequestID(ctx context.Context) *zap.Logger {
	if reqID := RequestID(ctx); reqID != "" {
		return l.With(zap.String("request_id", reqID))
	}
	return l.Logger
}

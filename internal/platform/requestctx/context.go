package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type contextKey struct{ name string }

var (
	loggerKey = contextKey{"logger"}
	traceKey  = contextKey{"trace"}
	actorKey  = contextKey{"actor"}
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// LoggerFrom reports whether a request logger was installed on ctx.
func LoggerFrom(ctx context.Context) (*zap.Logger, bool) {
	if ctx == nil {
		return nil, false
	}
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	return logger, ok && logger != nil
}

// WithTrace stores the trace metadata on the context.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey).(TraceInfo)
	return info, ok
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// Actor is a mutable slot filled by authentication middleware so that outer middleware
// (request logging) can report the authenticated user after the handler returns.
type Actor struct {
	UserID string
	Role   string
}

// WithActorSlot installs an empty actor slot.
func WithActorSlot(ctx context.Context) (context.Context, *Actor) {
	actor := &Actor{}
	return context.WithValue(ctx, actorKey, actor), actor
}

// SetActor records the authenticated user in the slot installed by WithActorSlot.
func SetActor(ctx context.Context, userID, role string) {
	if actor, ok := ctx.Value(actorKey).(*Actor); ok && actor != nil {
		actor.UserID = userID
		actor.Role = role
	}
}

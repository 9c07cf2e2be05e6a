package aggregate

import "context"

type ctxKey int

const (
	metaKey ctxKey = iota
	causationIDKey
	correlationIDKey
)

// CtxWithMeta returns a copy of ctx carrying meta data which will be
// stored alongside all events saved within this context
func CtxWithMeta(ctx context.Context, meta map[string]string) context.Context {
	return context.WithValue(ctx, metaKey, meta)
}

// CtxWithCausationID returns a copy of ctx carrying the id of the event
// that caused the events saved within this context
func CtxWithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, causationIDKey, id)
}

// CtxWithCorrelationID returns a copy of ctx carrying the correlation id
// for the events saved within this context
func CtxWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

func metaFromCtx(ctx context.Context) map[string]string {
	if meta, ok := ctx.Value(metaKey).(map[string]string); ok {
		return meta
	}

	return nil
}

func causationIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(causationIDKey).(string); ok {
		return id
	}

	return ""
}

func correlationIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}

	return ""
}

package console

import "context"

type ctxKey string

const ctxKeyRequestID ctxKey = "console_request_id"

// WithRequestID stores the request ID sent as X-Request-ID on outgoing calls.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}

package fake

import "context"

type ctxKey string

const ctxKeyUserID ctxKey = "fake_user_id"

func withUserID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, ctxKeyUserID, id)
}

func userIDFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(ctxKeyUserID).(int64)
	return id
}

package shared

import "context"

type contextKey string

const actorContextKey contextKey = "vnoptic.actor"

// ContextWithActor stores the authenticated actor ID in the context.
func ContextWithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorContextKey, actorID)
}

// ActorFromContext returns the authenticated actor ID, or zero when absent.
func ActorFromContext(ctx context.Context) int64 {
	if id, ok := ctx.Value(actorContextKey).(int64); ok {
		return id
	}
	return 0
}

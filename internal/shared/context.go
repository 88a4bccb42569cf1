package shared

import "context"

type actorContextKey struct{}

// ContextWithActor stores the normalised wallet address of the caller.
func ContextWithActor(ctx context.Context, address string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, NormalizeAddress(address))
}

// ActorFromContext extracts the caller address, empty when unauthenticated.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorContextKey{}).(string)
	return actor
}

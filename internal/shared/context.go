package shared

import (
	"context"

	"github.com/google/uuid"
)

type actorContextKey struct{}

// Actor identifies the authenticated principal on whose behalf a request
// runs. The upstream gateway authenticates and injects it; this service
// never handles sessions or credentials itself.
type Actor struct {
	ID uuid.UUID
}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}

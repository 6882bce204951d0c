package auth

import (
	"context"
	"errors"
)

type contextKey string

const (
	actorKey contextKey = "actor"
)

// WithActor attaches an Actor to the context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// GetActor retrieves the Actor from the context.
func GetActor(ctx context.Context) (Actor, error) {
	a, ok := ctx.Value(actorKey).(Actor)
	if !ok {
		return Actor{}, errors.New("no actor in context")
	}
	return a, nil
}

// ActorOrSystem returns the context actor, falling back to System.
func ActorOrSystem(ctx context.Context) Actor {
	if a, err := GetActor(ctx); err == nil {
		return a
	}
	return System
}

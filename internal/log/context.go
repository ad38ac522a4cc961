package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// Ctx retrieves the logger from the context, falling back to the global one.
func Ctx(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return L()
}

type actorKey struct{}

// actorSlot lets handlers deeper in the chain report the authenticated user
// back to HTTPMiddleware after the request finishes.
type actorSlot struct {
	userID string
}

func withActorSlot(ctx context.Context, slot *actorSlot) context.Context {
	return context.WithValue(ctx, actorKey{}, slot)
}

// SetUserID records the authenticated user for the request log line.
// It is a no-op outside HTTPMiddleware.
func SetUserID(ctx context.Context, userID string) {
	if slot, ok := ctx.Value(actorKey{}).(*actorSlot); ok {
		slot.userID = userID
	}
}

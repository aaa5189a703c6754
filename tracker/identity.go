package tracker

import (
	"context"

	"eventsite/api/models"
)

type identityKey struct{}

// ContextWithIdentity attaches the caller identity resolved by the auth layer.
// Recording functions read it from the context; callers cannot pass one.
func ContextWithIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity on ctx, or Anonymous when there is none.
func IdentityFrom(ctx context.Context) models.Identity {
	if id, ok := ctx.Value(identityKey{}).(models.Identity); ok && id != nil {
		return id
	}
	return models.Anonymous{}
}

package auth

import (
	"context"

	"github.com/2beens/cardiotracker/internal/cardio"
)

type sessionCtxKey struct{}

func ContextWithSession(ctx context.Context, session *LoginSession) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, session)
}

func SessionFromContext(ctx context.Context) (*LoginSession, bool) {
	session, ok := ctx.Value(sessionCtxKey{}).(*LoginSession)
	return session, ok && session != nil
}

// IdentityFromContext is the cardio.IdentityProvider backed by the login
// session the auth middleware put in the request context.
var IdentityFromContext cardio.IdentityProvider = cardio.IdentityProviderFunc(
	func(ctx context.Context) (cardio.Identity, error) {
		session, ok := SessionFromContext(ctx)
		if !ok {
			return cardio.Identity{}, cardio.ErrMissingIdentity
		}
		return cardio.Identity{
			UserID: session.UserID,
			Token:  session.BackendToken,
		}, nil
	},
)

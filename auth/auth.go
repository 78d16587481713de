// Package auth identifies callers so that the rate limiter can key on who
// is calling instead of where the call comes from. Verifying credentials
// stays with the [ActorFunc] implementation.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/Keksclan/rawrqueue/contextx"
	"google.golang.org/grpc/metadata"
)

// ErrUnknownToken is returned by [Tokens] for a bearer token it does not know.
var ErrUnknownToken = errors.New("auth: unknown token")

// ActorFunc resolves the caller of a request from its incoming metadata.
// ok=false leaves the call anonymous; an error rejects it.
type ActorFunc func(ctx context.Context, fullMethod string, md metadata.MD) (actor contextx.Actor, ok bool, err error)

// Tokens returns an ActorFunc mapping bearer tokens from the authorization
// header to actors. Calls without a bearer token stay anonymous.
func Tokens(tokens map[string]contextx.Actor) ActorFunc {
	return func(_ context.Context, _ string, md metadata.MD) (contextx.Actor, bool, error) {
		token, ok := bearer(md)
		if !ok {
			return contextx.Actor{}, false, nil
		}
		for known, a := range tokens {
			if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
				return a, true, nil
			}
		}
		return contextx.Actor{}, false, ErrUnknownToken
	}
}

func bearer(md metadata.MD) (string, bool) {
	for _, v := range md.Get("authorization") {
		scheme, token, found := strings.Cut(v, " ")
		if found && strings.EqualFold(scheme, "bearer") && token != "" {
			return strings.TrimSpace(token), true
		}
	}
	return "", false
}

package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
)

// ErrMissingCredential is returned when a request carries no credential and
// anonymous observers are not allowed.
var ErrMissingCredential = errors.New("missing credential")

// Credentials is what a WebSocket handshake request carries.
type Credentials struct {
	Token       string
	Observer    bool
	ObserverTag string
}

// FromRequest reads the bearer token from the Authorization header, falling
// back to the token query parameter, and the observer query parameter.
func FromRequest(r *http.Request) Credentials {
	var c Credentials
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			c.Token = strings.TrimSpace(parts[1])
		}
	}
	q := r.URL.Query()
	if c.Token == "" {
		c.Token = q.Get("token")
	}
	if q.Has("observer") {
		c.Observer = true
		c.ObserverTag = q.Get("observer")
	}
	return c
}

// Authenticator resolves handshake credentials to an Identity.
type Authenticator struct {
	verifier       Verifier
	allowAnonymous bool
	observers      atomic.Int64
}

func NewAuthenticator(v Verifier, allowAnonymous bool) *Authenticator {
	return &Authenticator{verifier: v, allowAnonymous: allowAnonymous}
}

// Authenticate returns an Observer when the observer parameter is present, or
// when no token is given and anonymous access is allowed. Otherwise the token
// must verify.
func (a *Authenticator) Authenticate(ctx context.Context, c Credentials) (Identity, error) {
	if c.Observer {
		return a.NewObserver(c.ObserverTag), nil
	}
	if c.Token == "" {
		if a.allowAnonymous {
			return a.NewObserver(""), nil
		}
		return nil, ErrMissingCredential
	}
	return a.verifier.Verify(ctx, c.Token)
}

// NewObserver allocates an observer with the next negative id.
func (a *Authenticator) NewObserver(tag string) Observer {
	return Observer{ID: -a.observers.Add(1), Tag: tag}
}

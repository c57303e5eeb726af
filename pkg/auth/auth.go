// Package auth provides the strategies that attach credentials to a session
// and refresh them on demand.
package auth

import (
	"context"
	"fmt"

	"github.com/Sternrassler/apifetch/pkg/session"
)

// Strategy applies credentials to a session.
type Strategy interface {
	// Apply ensures the session carries valid credentials. It is called once
	// when the client is built and again before each request, so it must be
	// cheap when nothing is stale.
	Apply(ctx context.Context, s *session.Session) error

	// Refresh unconditionally re-derives credentials.
	Refresh(ctx context.Context, s *session.Session) error
}

// NoAuth leaves the session untouched.
type NoAuth struct{}

// Apply is a no-op.
func (NoAuth) Apply(context.Context, *session.Session) error { return nil }

// Refresh is a no-op.
func (NoAuth) Refresh(context.Context, *session.Session) error { return nil }

// TokenFunc produces a bearer token on demand.
type TokenFunc func(ctx context.Context) (string, error)

// Bearer sets a static or computed token into the Authorization header.
type Bearer struct {
	token  string
	getter TokenFunc
}

// NewBearer creates a bearer strategy. When getter is set it takes
// precedence over token. Returns ErrMissingToken when neither is supplied.
func NewBearer(token string, getter TokenFunc) (*Bearer, error) {
	if token == "" && getter == nil {
		return nil, ErrMissingToken
	}
	return &Bearer{token: token, getter: getter}, nil
}

// Apply sets the Authorization header.
func (b *Bearer) Apply(ctx context.Context, s *session.Session) error {
	token := b.token
	if b.getter != nil {
		var err error
		if token, err = b.getter(ctx); err != nil {
			return fmt.Errorf("resolve bearer token: %w", err)
		}
	}
	s.SetHeader("Authorization", "Bearer "+token)
	return nil
}

// Refresh re-resolves the token.
func (b *Bearer) Refresh(ctx context.Context, s *session.Session) error {
	return b.Apply(ctx, s)
}

// Basic attaches username/password credentials and optional static headers.
type Basic struct {
	Username     string
	Password     string
	ExtraHeaders map[string]string
}

// NewBasic creates a basic credentials strategy.
func NewBasic(username, password string, extraHeaders map[string]string) *Basic {
	return &Basic{Username: username, Password: password, ExtraHeaders: extraHeaders}
}

// Apply attaches the credentials.
func (b *Basic) Apply(_ context.Context, s *session.Session) error {
	s.SetBasicAuth(b.Username, b.Password)
	for k, v := range b.ExtraHeaders {
		s.SetHeader(k, v)
	}
	return nil
}

// Refresh re-attaches the credentials.
func (b *Basic) Refresh(ctx context.Context, s *session.Session) error {
	return b.Apply(ctx, s)
}

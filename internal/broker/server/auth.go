package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/supabase-community/gotrue-go/types"
	"github.com/supabase-community/supabase-go"
)

// ErrUnauthenticated means a bearer token did not resolve to a user.
var ErrUnauthenticated = errors.New("invalid or expired access token")

// Authenticator resolves a bearer token to an auth user ID.
type Authenticator interface {
	UserID(ctx context.Context, token string) (string, error)
}

var _ Authenticator = (*SupabaseAuth)(nil)

// SupabaseAuth validates access tokens against Supabase Auth with the
// service role key.
type SupabaseAuth struct {
	client *supabase.Client
}

// NewSupabaseAuth creates a Supabase client for projectURL.
func NewSupabaseAuth(projectURL, serviceRoleKey string) (*SupabaseAuth, error) {
	client, err := supabase.NewClient(projectURL, serviceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("supabase auth: create client: %w", err)
	}
	return &SupabaseAuth{client: client}, nil
}

// UserID implements [Authenticator]. The Supabase client has no context
// support; ctx is only checked before the call.
func (a *SupabaseAuth) UserID(ctx context.Context, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrUnauthenticated
	}
	var resp *types.UserResponse
	resp, err := a.client.Auth.WithToken(token).GetUser()
	if err != nil {
		return "", fmt.Errorf("supabase auth: %w: %w", ErrUnauthenticated, err)
	}
	if resp == nil || resp.ID == uuid.Nil {
		return "", ErrUnauthenticated
	}
	return resp.ID.String(), nil
}

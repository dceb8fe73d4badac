package iam

import (
	"context"
	"fmt"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/repository"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/token"
)

// mockUserRepository for testing
type mockUserRepository struct {
	users map[string]*models.User
	err   error
}

func (m *mockUserRepository) Create(ctx context.Context, user *models.User) error {
	m.users[user.ID] = user
	return nil
}

func (m *mockUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user %s: %w", id, repository.ErrNotFound)
}

func (m *mockUserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *mockUserRepository) List(ctx context.Context) ([]models.User, error) {
	out := make([]models.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	return out, nil
}

// mockTokenValidator maps raw tokens to results.
type mockTokenValidator struct {
	tokens  map[string]*auth.AuthContext
	err     error
	calls   int
	options []token.ValidateOptions
}

func (m *mockTokenValidator) Validate(ctx context.Context, raw string, opts token.ValidateOptions) (*auth.AuthContext, error) {
	m.calls++
	m.options = append(m.options, opts)
	if m.err != nil {
		return nil, m.err
	}
	if ac, ok := m.tokens[raw]; ok {
		return ac, nil
	}
	return nil, auth.Unauthorized(nil)
}

// stubAuthenticator returns a fixed result.
type stubAuthenticator struct {
	authType  auth.AuthType
	principal *Principal
	err       error
	panics    any
	called    bool
}

func (s *stubAuthenticator) Type() auth.AuthType { return s.authType }

func (s *stubAuthenticator) Authenticate(ctx context.Context, req AuthRequest) (*Principal, error) {
	s.called = true
	if s.panics != nil {
		panic(s.panics)
	}
	return s.principal, s.err
}

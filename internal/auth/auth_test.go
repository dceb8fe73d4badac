package auth

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAuthType(t *testing.T) {
	tests := []struct {
		in      string
		want    AuthType
		wantErr bool
	}{
		{in: "session", want: AuthTypeSession},
		{in: "passkey", want: AuthTypeSession},
		{in: "oauth2", want: AuthTypeOAuth2},
		{in: "api", want: AuthTypeOAuth2},
		{in: "none", want: AuthTypeNone},
		{in: "ANY", want: AuthTypeAny},
		{in: "cookie", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAuthType(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllows(t *testing.T) {
	assert.True(t, Allows([]AuthType{AuthTypeNone}, ""), "NONE admits unauthenticated requests")
	assert.False(t, Allows([]AuthType{AuthTypeAny}, ""), "ANY still needs a principal")
	assert.True(t, Allows([]AuthType{AuthTypeAny}, AuthTypeOAuth2))
	assert.True(t, Allows([]AuthType{AuthTypeAny}, AuthTypeSession))
	assert.False(t, Allows([]AuthType{AuthTypeSession}, AuthTypeOAuth2))
	assert.True(t, Allows([]AuthType{AuthTypeOAuth2, AuthTypeSession}, AuthTypeSession))
	assert.False(t, Allows(nil, AuthTypeSession))
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("validate: %w", Unauthorized(errors.New("jti not found")))

	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.False(t, errors.Is(err, ErrForbidden))
	assert.Equal(t, KindUnauthorized, KindOf(err))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(err))
	assert.Equal(t, UnauthorizedMessage, MessageOf(err))

	assert.Equal(t, http.StatusForbidden, HTTPStatus(Forbidden("no")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(Conflict("taken")))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(Transient("timeout", nil)))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(MalformedCredential("bad", nil)))

	plain := errors.New("db down")
	assert.Equal(t, KindFatal, KindOf(plain))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(plain))
	assert.Equal(t, "Internal server error", MessageOf(Fatal("lost store", plain)))

	assert.False(t, IsFatal(plain), "untyped errors are not Fatal")
	assert.True(t, IsFatal(fmt.Errorf("wrap: %w", Fatal("lost store", plain))))
	assert.False(t, IsFatal(err))
}

func TestTokenSigner_RoundTrip(t *testing.T) {
	signer, err := NewTokenSigner([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	exp := time.Now().Add(time.Hour)
	token, err := signer.Sign("user-1", PolicyAPI, "jti-1", []string{"tweet.read", "tweet.post"}, exp)
	require.NoError(t, err)

	id, err := signer.PeekTokenID(token)
	require.NoError(t, err)
	assert.Equal(t, "jti-1", id)

	claims, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, PolicyAPI, claims.Policy)
	assert.Equal(t, []string{"tweet.read", "tweet.post"}, claims.ScopeList())
	assert.Equal(t, exp.Unix(), claims.ExpiresAt.Unix())
}

func TestTokenSigner_RejectsTamperingAndExpiry(t *testing.T) {
	signer, err := NewTokenSigner([]byte("secret-a-secret-a-secret-a-secret"))
	require.NoError(t, err)
	other, err := NewTokenSigner([]byte("secret-b-secret-b-secret-b-secret"))
	require.NoError(t, err)

	token, err := other.Sign("u", PolicyAPI, "jti", nil, time.Now().Add(time.Hour))
	require.NoError(t, err)

	// Unverified decode still works so the row can be checked first.
	id, err := signer.PeekTokenID(token)
	require.NoError(t, err)
	assert.Equal(t, "jti", id)

	_, err = signer.Verify(token)
	assert.Error(t, err)

	expired, err := signer.Sign("u", PolicyAPI, "jti", nil, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = signer.Verify(expired)
	assert.Error(t, err)

	_, err = signer.PeekTokenID("not-a-token")
	assert.Error(t, err)
}

func TestTokenSigner_MissingJTI(t *testing.T) {
	signer, err := NewTokenSigner([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	token, err := signer.Sign("u", PolicyAPI, "", nil, time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = signer.PeekTokenID(token)
	assert.Error(t, err)
}

func TestAuthContext_Scopes(t *testing.T) {
	var nilCtx *AuthContext
	assert.False(t, nilCtx.IsAuthenticated())
	assert.False(t, nilCtx.HasAnyScope("a"))

	ac := &AuthContext{Scopes: []string{"twitter.graphql.read"}}
	assert.True(t, ac.HasAnyScope("twitter.graphql", "twitter.graphql.read"))
	assert.False(t, ac.HasAnyScope("twitter.graphql.write"))
}

package twitter

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/plugin"
)

var longToken = strings.Repeat("a", 40)

func TestCookieAuth_Deserialize(t *testing.T) {
	p := NewCookieAuth(NewClient(Config{}), nil)

	tests := []struct {
		name string
		raw  string
		want plugin.Credentials
	}{
		{"json", `{"auth_token":"abc","ct0":"def"}`, plugin.Credentials{"auth_token": "abc", "ct0": "def"}},
		{"cookie header", "auth_token=abc; ct0=def; guest_id=x", plugin.Credentials{"auth_token": "abc", "ct0": "def"}},
		{"prefixed value", "  auth_token=abc  ", plugin.Credentials{"auth_token": "abc"}},
		{"bare value", "abc", plugin.Credentials{"auth_token": "abc"}},
		{"quoted twid", `auth_token=abc; twid="u%3D42"`, plugin.Credentials{"auth_token": "abc", "twid": "u%3D42"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Deserialize(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			serialized, err := p.Serialize(got)
			require.NoError(t, err)
			again, err := p.Deserialize(serialized)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}

	for _, raw := range []string{"", "   ", "{", `{"ct0":"x"}`, "ct0=x; twid=y"} {
		_, err := p.Deserialize(raw)
		assert.ErrorIs(t, err, auth.ErrMalformedCredential, "raw %q", raw)
	}
}

func TestParseTwid(t *testing.T) {
	assert.Equal(t, "42", parseTwid("u%3D42"))
	assert.Equal(t, "42", parseTwid(`"u=42"`))
	assert.Empty(t, parseTwid("u%3Dabc"))
	assert.Empty(t, parseTwid("42"))
	assert.Empty(t, parseTwid(""))
}

func TestCookieAuth_ValidateCredentials(t *testing.T) {
	ctx := context.Background()

	t.Run("short token is invalid without a call", func(t *testing.T) {
		_, client := newUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("unexpected upstream call %s", r.URL.Path)
		}))
		ok, err := NewCookieAuth(client, nil).ValidateCredentials(ctx, plugin.Credentials{"auth_token": "short"})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("settings ok", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/i/api/1.1/account/settings.json", func(w http.ResponseWriter, r *http.Request) {
			assert.Contains(t, r.Header.Get("Cookie"), "auth_token="+longToken)
			_, _ = w.Write([]byte(`{"screen_name":"alice"}`))
		})
		_, client := newUpstream(t, mux)
		ok, err := NewCookieAuth(client, nil).ValidateCredentials(ctx, plugin.Credentials{"auth_token": longToken})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("falls back to timeline", func(t *testing.T) {
		calls := 0
		mux := http.NewServeMux()
		mux.HandleFunc("/i/api/1.1/account/settings.json", func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusForbidden)
		})
		mux.HandleFunc("/i/api/graphql/"+QueryHomeLatestTimeline+"/HomeLatestTimeline", func(w http.ResponseWriter, r *http.Request) {
			calls++
			assert.NotEmpty(t, r.URL.Query().Get("variables"))
			_, _ = w.Write([]byte(`{"data":{}}`))
		})
		_, client := newUpstream(t, mux)
		ok, err := NewCookieAuth(client, nil).ValidateCredentials(ctx, plugin.Credentials{"auth_token": longToken})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 2, calls)
	})

	t.Run("rejected everywhere", func(t *testing.T) {
		_, client := newUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		ok, err := NewCookieAuth(client, nil).ValidateCredentials(ctx, plugin.Credentials{"auth_token": longToken})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("timeout is transient", func(t *testing.T) {
		srv, _ := newUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		client := NewClient(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
		_, err := NewCookieAuth(client, nil).ValidateCredentials(ctx, plugin.Credentials{"auth_token": longToken})
		require.Error(t, err)
		assert.ErrorIs(t, err, auth.ErrTransient)
	})
}

func TestCookieAuth_UserIdentifier(t *testing.T) {
	ctx := context.Background()

	t.Run("from credential", func(t *testing.T) {
		p := NewCookieAuth(NewClient(Config{}), nil)
		id, err := p.UserIdentifier(ctx, plugin.Credentials{"auth_token": longToken, "twid": "u%3D1234"})
		require.NoError(t, err)
		assert.Equal(t, "1234", id)
	})

	t.Run("from home page cookie", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
			http.SetCookie(w, &http.Cookie{Name: "twid", Value: "u%3D5678"})
			http.Redirect(w, r, "/login", http.StatusFound)
		})
		_, client := newUpstream(t, mux)
		creds := plugin.Credentials{"auth_token": longToken}
		id, err := NewCookieAuth(client, nil).UserIdentifier(ctx, creds)
		require.NoError(t, err)
		assert.Equal(t, "5678", id)
		assert.Equal(t, "u%3D5678", creds["twid"], "recorded for storage")
	})

	t.Run("unknown", func(t *testing.T) {
		_, client := newUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		_, err := NewCookieAuth(client, nil).UserIdentifier(ctx, plugin.Credentials{"auth_token": longToken})
		assert.ErrorIs(t, err, auth.ErrInvalidCredential)
	})
}

func TestOAuthAuth(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	mux.HandleFunc("/1.1/account/verify_credentials.json", func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "OAuth ") || !strings.Contains(header, `oauth_token="tok"`) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id_str":"99","screen_name":"bob"}`))
	})
	_, client := newUpstream(t, mux)
	p := NewOAuthAuth(client, "", nil)

	_, err := p.Deserialize(`{"oauth_token":"tok"}`)
	assert.ErrorIs(t, err, auth.ErrMalformedCredential)

	creds, err := p.Deserialize(`{"oauth_token":"tok","oauth_token_secret":"sec"}`)
	require.NoError(t, err)

	ok, err := p.ValidateCredentials(ctx, creds)
	require.NoError(t, err)
	assert.True(t, ok)

	id, err := p.UserIdentifier(ctx, creds)
	require.NoError(t, err)
	assert.Equal(t, "99", id)
	assert.Equal(t, "bob", creds.String("screen_name"))

	serialized, err := p.Serialize(creds)
	require.NoError(t, err)
	again, err := p.Deserialize(serialized)
	require.NoError(t, err)
	assert.Equal(t, creds, again)

	ok, err = p.ValidateCredentials(ctx, plugin.Credentials{"oauth_token": "other", "oauth_token_secret": "sec"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOAuthAuth_DeserializeFallbacks(t *testing.T) {
	p := NewOAuthAuth(NewClient(Config{}), "", nil)

	tests := []struct {
		name string
		raw  string
		want plugin.Credentials
	}{
		{"query form", "oauth_token=abc&oauth_token_secret=def", plugin.Credentials{"oauth_token": "abc", "oauth_token_secret": "def"}},
		{"query with identity", "oauth_token=abc&oauth_token_secret=def&user_id=7&screen_name=bob&x_auth_expires=0",
			plugin.Credentials{"oauth_token": "abc", "oauth_token_secret": "def", "user_id": "7", "screen_name": "bob"}},
		{"token pair", " abc:def ", plugin.Credentials{"oauth_token": "abc", "oauth_token_secret": "def"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Deserialize(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			serialized, err := p.Serialize(got)
			require.NoError(t, err)
			again, err := p.Deserialize(serialized)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}

	for _, raw := range []string{"", "abc", "abc:", ":def", "oauth_token=abc", "%zz=1", "{"} {
		_, err := p.Deserialize(raw)
		assert.ErrorIs(t, err, auth.ErrMalformedCredential, "raw %q", raw)
	}
}

func TestFactories(t *testing.T) {
	reg := plugin.Load(context.Background(), plugin.LoadOptions{}, Factories(Config{})...)

	failures := reg.Failures()
	require.Len(t, failures, 1, "oauth needs a consumer key")
	assert.Equal(t, ServiceOAuth, failures[0].Name)

	_, ok := reg.AuthPlugin(ServiceCookie)
	assert.True(t, ok)
	assert.Equal(t, len(GraphQLOperations())+2, reg.Operations().Len())
	assert.Len(t, reg.Operations().ReadOperations(), 21)
	assert.Len(t, reg.Operations().WriteOperations(), 9)

	scopes := reg.AllScopes()
	for _, s := range []string{ScopeTweetPost, ScopeGraphQLRead, ScopeV1Write} {
		assert.Contains(t, scopes, s)
	}
	assert.ElementsMatch(t, []string{ScopeGraphQLRead}, reg.PolicyScopes("graphql-read-only"))

	reqs := reg.AllAuthRequirements()
	assert.Equal(t, []auth.AuthType{auth.AuthTypeSession}, reqs["/twitter/graphql/playground"])
	assert.Equal(t, []auth.AuthType{auth.AuthTypeOAuth2, auth.AuthTypeSession}, reqs["/twitter/graphql/*"])
	assert.Equal(t, []auth.AuthType{auth.AuthTypeSession}, reqs["/twitter/auth/cookies"])

	full := Factories(Config{ConsumerKey: "ck", ConsumerSecret: "cs"})
	reg = plugin.Load(context.Background(), plugin.LoadOptions{}, full...)
	assert.Empty(t, reg.Failures())
	_, ok = reg.AuthPlugin(ServiceOAuth)
	assert.True(t, ok)
}

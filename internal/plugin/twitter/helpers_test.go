package twitter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/plugin"
)

// fakeVault hands out one account and denies the operations in deny.
type fakeVault struct {
	account    *models.CredentialAccount
	creds      plugin.Credentials
	deny       map[string]bool
	linked     []plugin.LinkRequest
	authorized []string
}

func (v *fakeVault) Link(_ context.Context, req plugin.LinkRequest) (*models.CredentialAccount, error) {
	v.linked = append(v.linked, req)
	return &models.CredentialAccount{ID: "acc-1", UserID: req.UserID, Service: req.Service, Provider: Provider, Identity: "42"}, nil
}

func (v *fakeVault) Authorize(_ context.Context, _, _, op string) (*models.CredentialAccount, plugin.Credentials, error) {
	v.authorized = append(v.authorized, op)
	if v.account == nil {
		return nil, nil, auth.NotFound("No twitter account linked")
	}
	if v.deny[op] {
		return nil, nil, auth.Forbidden("Operation is not allowed by the account policy")
	}
	return v.account, v.creds, nil
}

func cookieAccount() (*models.CredentialAccount, plugin.Credentials) {
	return &models.CredentialAccount{ID: "acc-1", Service: ServiceCookie, Provider: Provider, Identity: "42"},
		plugin.Credentials{"auth_token": "0123456789abcdef0123456789abcdef", "ct0": "csrf"}
}

func oauthAccount() (*models.CredentialAccount, plugin.Credentials) {
	return &models.CredentialAccount{ID: "acc-2", Service: ServiceOAuth, Provider: Provider, Identity: "99"},
		plugin.Credentials{"oauth_token": "tok", "oauth_token_secret": "sec", "user_id": "99"}
}

func newUpstream(t *testing.T, mux http.Handler) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	client := NewClient(Config{
		BaseURL:        srv.URL,
		APIBaseURL:     srv.URL,
		ConsumerKey:    "ck",
		ConsumerSecret: "cs",
		Timeout:        time.Second,
	})
	return srv, client
}

// mount serves rp below its mount path with ac as the authenticated caller.
func mount(rp plugin.RouteProvider, vault plugin.Vault, ac *auth.AuthContext) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(auth.WithAuthContext(req.Context(), ac)))
		})
	})
	r.Mount(rp.MountPath(), rp.Routes(plugin.Deps{Vault: vault}))
	return r
}

func apiCaller(scopes ...string) *auth.AuthContext {
	return &auth.AuthContext{
		User:   &models.User{ID: "user-1", Username: "alice"},
		Type:   auth.AuthTypeOAuth2,
		Scopes: scopes,
	}
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/session"
)

func TestSessionMiddleware_SavesOnCommit(t *testing.T) {
	store, err := session.NewCookieStore([]byte(strings.Repeat("s", 32)), session.CookieOptions{})
	require.NoError(t, err)
	mw := Session(store, nil)

	login := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session.FromContext(r.Context()).Set(session.KeyUserID, "u1")
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := serve(login, httptest.NewRequest(http.MethodPost, "/webauthn/login/complete", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	var seen string
	whoami := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = session.FromContext(r.Context()).Get(session.KeyUserID)
	}))
	r := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	r.AddCookie(cookies[0])
	rec = serve(whoami, r)
	assert.Equal(t, "u1", seen)
	assert.Empty(t, rec.Result().Cookies(), "unmodified session is not rewritten")
}

func TestSessionMiddleware_SavesWhenHandlerWritesNothing(t *testing.T) {
	store, err := session.NewCookieStore([]byte(strings.Repeat("s", 32)), session.CookieOptions{})
	require.NoError(t, err)

	h := Session(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session.FromContext(r.Context()).Set(session.KeyUserID, "u2")
	}))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, rec.Result().Cookies(), 1)
}

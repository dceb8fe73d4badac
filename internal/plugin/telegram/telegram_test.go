package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/plugin"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/session"
)

func newBridge(t *testing.T, mux http.Handler) *Gateway {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewGateway(Config{
		BridgeURL:     srv.URL,
		APIID:         "123",
		APIHash:       "hash",
		Timeout:       time.Second,
		MaxRetries:    2,
		RetryInterval: time.Millisecond,
	})
}

func meHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		if in["session_string"] != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"AUTH_KEY_UNREGISTERED"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"5001","phone":"+15550100","username":"alice"}`))
	}
}

func TestGateway_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/me", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "123", r.Header.Get("X-Telegram-Api-Id"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		meHandler(t)(w, r)
	})
	g := newBridge(t, mux)

	me, err := g.Me(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "5001", me.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGateway_GivesUp(t *testing.T) {
	var calls atomic.Int32
	g := newBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := g.Me(context.Background(), "good")
	assert.ErrorIs(t, err, auth.ErrTransient)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
}

func TestGateway_PermanentFailuresAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/me", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		meHandler(t)(w, r)
	})
	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"CHAT_WRITE_FORBIDDEN","detail":"You can't write in this chat"}`))
	})
	g := newBridge(t, mux)

	_, err := g.Me(context.Background(), "expired")
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)

	_, err = g.SendMessage(context.Background(), "good", "-100", "hi")
	assert.ErrorIs(t, err, auth.ErrInvalidRequest)
	assert.Equal(t, "You can't write in this chat", auth.MessageOf(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestPlugin_Credentials(t *testing.T) {
	p := New(newBridge(t, http.HandlerFunc(meHandler(t))), nil)
	ctx := context.Background()

	creds, err := p.Deserialize(`{"user_id": 5001, "phone_number": "+15550100", "session_string": "good"}`)
	require.NoError(t, err)
	assert.Equal(t, "5001", creds.String("user_id"), "numeric ids are normalised")

	raw, err := p.Serialize(creds)
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"5001","phone_number":"+15550100","session_string":"good"}`, raw)

	for _, bad := range []string{"", "two words", "{", `{"user_id":"1"}`} {
		_, err := p.Deserialize(bad)
		assert.ErrorIs(t, err, auth.ErrMalformedCredential, bad)
	}

	bare, err := p.Deserialize("  1BVtsOKABu0  ")
	require.NoError(t, err)
	assert.Equal(t, plugin.Credentials{"session_string": "1BVtsOKABu0"}, bare)
	raw, err = p.Serialize(bare)
	require.NoError(t, err)
	again, err := p.Deserialize(raw)
	require.NoError(t, err)
	assert.Equal(t, bare, again)

	ok, err := p.ValidateCredentials(ctx, plugin.Credentials{"session_string": "good"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.ValidateCredentials(ctx, plugin.Credentials{"session_string": "expired"})
	require.NoError(t, err)
	assert.False(t, ok)

	id, err := p.UserIdentifier(ctx, creds)
	require.NoError(t, err)
	assert.Equal(t, "5001", id)

	resolved := plugin.Credentials{"session_string": "good"}
	id, err = p.UserIdentifier(ctx, resolved)
	require.NoError(t, err)
	assert.Equal(t, "5001", id)
	assert.Equal(t, "+15550100", resolved.String("phone_number"), "resolved identity is kept with the credentials")

	_, err = p.UserIdentifier(ctx, plugin.Credentials{"session_string": "expired"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)

	id, err = p.UserIdentifier(ctx, plugin.Credentials{"phone_number": "+15550199"})
	require.NoError(t, err)
	assert.Equal(t, "+15550199", id)
}

func TestFactory(t *testing.T) {
	reg := plugin.Load(context.Background(), plugin.LoadOptions{}, Factory(Config{}))
	require.Len(t, reg.Failures(), 1)

	reg = plugin.Load(context.Background(), plugin.LoadOptions{}, Factory(Config{BridgeURL: "http://bridge"}))
	require.Empty(t, reg.Failures())
	_, ok := reg.AuthPlugin(Provider)
	assert.True(t, ok)
	assert.Contains(t, reg.AllScopes(), ScopePostSpecific)
	assert.Equal(t, 2, reg.Operations().Len())

	reqs := reg.AllAuthRequirements()
	assert.Equal(t, []auth.AuthType{auth.AuthTypeSession}, reqs["/telegram/accounts"])
	assert.Equal(t, []auth.AuthType{auth.AuthTypeOAuth2}, reqs["/telegram/channels/*"])
}

// fakeVault hands out one Telegram account.
type fakeVault struct {
	creds      plugin.Credentials
	linked     []plugin.LinkRequest
	authorized []string
	deny       string
}

func (v *fakeVault) Link(_ context.Context, req plugin.LinkRequest) (*models.CredentialAccount, error) {
	v.linked = append(v.linked, req)
	return &models.CredentialAccount{ID: "acc-1", UserID: req.UserID, Service: Provider, Provider: Provider, Identity: "5001"}, nil
}

func (v *fakeVault) Authorize(_ context.Context, _, _, op string) (*models.CredentialAccount, plugin.Credentials, error) {
	v.authorized = append(v.authorized, op)
	if op == v.deny {
		return nil, nil, auth.Forbidden("Operation SendMessage is not allowed by the account policy")
	}
	if v.creds == nil {
		return nil, nil, auth.NotFound("No telegram account linked")
	}
	return &models.CredentialAccount{ID: "acc-1", Service: Provider, Provider: Provider}, v.creds, nil
}

func (v *fakeVault) Credentials(context.Context, string, string) (*models.CredentialAccount, plugin.Credentials, error) {
	return nil, v.creds, nil
}

func mount(p *Plugin, vault plugin.Vault, ac *auth.AuthContext, sess *session.Session) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := auth.WithAuthContext(req.Context(), ac)
			if sess != nil {
				ctx = session.WithSession(ctx, sess)
			}
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Mount(p.MountPath(), p.Routes(plugin.Deps{Vault: vault}))
	return r
}

func caller(t auth.AuthType, scopes ...string) *auth.AuthContext {
	return &auth.AuthContext{User: &models.User{ID: "user-1"}, Type: t, Scopes: scopes}
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func bridgeMux(t *testing.T, sent *[]map[string]string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/dialogs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"channels":[{"id":"-1001","name":"News","username":"news","participants_count":12}]}`))
	})
	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		*sent = append(*sent, in)
		_, _ = w.Write([]byte(`{"message_id":77}`))
	})
	mux.HandleFunc("/v1/auth/send_code", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"phone_code_hash":"hash-1","session_string":"pending"}`))
	})
	mux.HandleFunc("/v1/auth/sign_in", func(w http.ResponseWriter, r *http.Request) {
		var in SignIn
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		if in.Code != "12345" || in.PhoneCodeHash != "hash-1" || in.SessionString != "pending" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"PHONE_CODE_INVALID","detail":"Invalid verification code"}`))
			return
		}
		_, _ = w.Write([]byte(`{"user_id":"5001","session_string":"signed-in"}`))
	})
	return mux
}

func TestChannelRoutes(t *testing.T) {
	var sent []map[string]string
	p := New(newBridge(t, bridgeMux(t, &sent)), nil)
	vault := &fakeVault{creds: plugin.Credentials{"session_string": "good"}}

	reader := mount(p, vault, caller(auth.AuthTypeOAuth2, ScopeRead), nil)
	rec := do(reader, http.MethodGet, "/telegram/channels", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `[{"id":"-1001","name":"News","username":"news","participants_count":12}]`, rec.Body.String())
	assert.Equal(t, []string{OperationListChannels}, vault.authorized)

	rec = do(reader, http.MethodPost, "/telegram/channels/-1001/messages", `{"text":"hi"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	specific := mount(p, vault, caller(auth.AuthTypeOAuth2, ScopePostSpecific), nil)
	rec = do(specific, http.MethodPost, "/telegram/channels/-1001/messages", `{"text":"hi"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"success","message_id":77}`, rec.Body.String())

	rec = do(specific, http.MethodPost, "/telegram/channels/-2002/messages", `{"text":"hi"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code, "not one of the account's channels")

	anyChat := mount(p, vault, caller(auth.AuthTypeOAuth2, ScopePostAny), nil)
	rec = do(anyChat, http.MethodPost, "/telegram/channels/-2002/messages", `{"text":"hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, sent, 2)
	assert.Equal(t, map[string]string{"session_string": "good", "chat_id": "-2002", "text": "hello"}, sent[1])

	rec = do(anyChat, http.MethodPost, "/telegram/channels/news/messages", `{"text":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(anyChat, http.MethodPost, "/telegram/channels/-1001/messages", `{"text":" "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	vault.deny = OperationSendMessage
	rec = do(anyChat, http.MethodPost, "/telegram/channels/-1001/messages", `{"text":"hi"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code, "account policy denies sending")
	assert.Len(t, sent, 2)
}

func TestAccountRoutes(t *testing.T) {
	var sent []map[string]string
	p := New(newBridge(t, bridgeMux(t, &sent)), nil)
	vault := &fakeVault{}
	sess := session.New()
	h := mount(p, vault, caller(auth.AuthTypeSession), sess)

	rec := do(h, http.MethodPost, "/telegram/accounts", `{"phone_number":"+15550100","session_string":"good"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, vault.linked, 1)
	assert.Equal(t, Provider, vault.linked[0].Service)
	assert.JSONEq(t, `{"phone_number":"+15550100","session_string":"good"}`, vault.linked[0].Raw)
	assert.NotContains(t, rec.Body.String(), "good")

	rec = do(h, http.MethodPost, "/telegram/accounts", `{"phone_number":"+15550100"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/telegram/auth/verify-code", `{"phone_number":"+15550100","code":"12345"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no pending verification")

	rec = do(h, http.MethodPost, "/telegram/auth/request-code", `{"phone_number":"+15550100"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "hash-1", sess.Get(keyCodeHash))

	rec = do(h, http.MethodPost, "/telegram/auth/verify-code", `{"phone_number":"+15550100","code":"00000"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid verification code")
	assert.Equal(t, "hash-1", sess.Get(keyCodeHash), "a wrong code keeps the pending state")

	rec = do(h, http.MethodPost, "/telegram/auth/verify-code", `{"phone_number":"+15550100","code":"12345"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, vault.linked, 2)
	assert.JSONEq(t, `{"user_id":"5001","phone_number":"+15550100","session_string":"signed-in"}`, vault.linked[1].Raw)
	assert.Empty(t, sess.Get(keyPhone))
}

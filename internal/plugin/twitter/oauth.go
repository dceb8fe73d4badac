package twitter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/dghubble/oauth1"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/httpx"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/plugin"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/session"
)

// Session keys of the OAuth1 browser flow.
const (
	keyOAuthRequestToken  = "twitter_oauth_request_token"
	keyOAuthRequestSecret = "twitter_oauth_request_secret"
)

// OAuthAuth links Twitter accounts by OAuth1 access token.
type OAuthAuth struct {
	client      *Client
	callbackURL string
	logger      *zap.Logger
}

var (
	_ plugin.AuthorizationPlugin = (*OAuthAuth)(nil)
	_ plugin.RouteProvider       = (*OAuthAuth)(nil)
)

// NewOAuthAuth creates the twitter_oauth plugin. client must carry an
// OAuth1 consumer.
func NewOAuthAuth(client *Client, callbackURL string, logger *zap.Logger) *OAuthAuth {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OAuthAuth{client: client, callbackURL: callbackURL, logger: logger}
}

func (p *OAuthAuth) Name() string     { return ServiceOAuth }
func (p *OAuthAuth) Provider() string { return Provider }

// Deserialize accepts a JSON object, the query form returned by Twitter's
// access_token endpoint ("oauth_token=..&oauth_token_secret=..") or
// "token:secret".
func (p *OAuthAuth) Deserialize(raw string) (plugin.Credentials, error) {
	raw = strings.TrimSpace(raw)
	creds := plugin.Credentials{}
	switch {
	case strings.HasPrefix(raw, "{"):
		if err := json.Unmarshal([]byte(raw), &creds); err != nil {
			return nil, auth.MalformedCredential("OAuth credentials must be a JSON object", err)
		}
	case strings.Contains(raw, "="):
		values, err := url.ParseQuery(raw)
		if err != nil {
			return nil, auth.MalformedCredential("Invalid OAuth credential query", err)
		}
		for _, key := range []string{"oauth_token", "oauth_token_secret", "user_id", "screen_name"} {
			if v := values.Get(key); v != "" {
				creds[key] = v
			}
		}
	default:
		token, secret, _ := strings.Cut(raw, ":")
		if token != "" {
			creds["oauth_token"] = token
		}
		if secret != "" {
			creds["oauth_token_secret"] = secret
		}
	}
	if creds.String("oauth_token") == "" || creds.String("oauth_token_secret") == "" {
		return nil, auth.MalformedCredential("oauth_token and oauth_token_secret are required", nil)
	}
	return creds, nil
}

func (p *OAuthAuth) Serialize(creds plugin.Credentials) (string, error) {
	b, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type verifiedUser struct {
	IDStr      string `json:"id_str"`
	ScreenName string `json:"screen_name"`
}

// verify calls account/verify_credentials.json. A 401 yields (nil, nil).
func (p *OAuthAuth) verify(ctx context.Context, creds plugin.Credentials) (*verifiedUser, error) {
	var oc oauthCredentials
	if err := creds.Decode(&oc); err != nil {
		return nil, err
	}
	hc, err := p.client.oauthClient(ctx, oc)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.client.apiBaseURL+"/1.1/account/verify_credentials.json", nil)
	if err != nil {
		return nil, auth.Fatal("build verify request", err)
	}
	resp, err := p.client.send(ctx, hc, req)
	if err != nil {
		return nil, classify(err)
	}
	if resp.Status == http.StatusUnauthorized {
		return nil, nil
	}
	if err := resp.err(); err != nil {
		return nil, classify(err)
	}
	var u verifiedUser
	if err := json.Unmarshal(resp.Body, &u); err != nil || u.IDStr == "" {
		return nil, auth.Transient("Twitter returned an unreadable profile", err)
	}
	return &u, nil
}

func (p *OAuthAuth) ValidateCredentials(ctx context.Context, creds plugin.Credentials) (bool, error) {
	u, err := p.verify(ctx, creds)
	if err != nil {
		return false, err
	}
	return u != nil, nil
}

// UserIdentifier returns user_id, asking Twitter when the credential does
// not carry it. The answer is recorded in creds with the screen name.
func (p *OAuthAuth) UserIdentifier(ctx context.Context, creds plugin.Credentials) (string, error) {
	if id := creds.String("user_id"); id != "" {
		return id, nil
	}
	u, err := p.verify(ctx, creds)
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", auth.InvalidCredential("Invalid credentials", nil)
	}
	creds["user_id"] = u.IDStr
	if u.ScreenName != "" {
		creds["screen_name"] = u.ScreenName
	}
	return u.IDStr, nil
}

func (p *OAuthAuth) MountPath() string { return "/twitter/auth/oauth" }

func (p *OAuthAuth) AuthRequirements() map[string][]string {
	return map[string][]string{"": {"session"}, "/*": {"session"}}
}

func (p *OAuthAuth) Routes(deps plugin.Deps) http.Handler {
	h := &oauthHandler{
		linkHandler: linkHandler{vault: deps.Vault, logger: deps.Log()},
		config:      p.client.oauth,
	}
	r := chi.NewRouter()
	r.Post("/", h.linkToken)
	r.Get("/login", h.login)
	r.Get("/callback", h.callback)
	return r
}

type oauthHandler struct {
	linkHandler
	config *oauth1.Config
}

func (h *oauthHandler) linkToken(w http.ResponseWriter, r *http.Request) {
	var body oauthCredentials
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	if body.OAuthToken == "" || body.OAuthTokenSecret == "" {
		httpx.Detail(w, http.StatusBadRequest, "oauth_token and oauth_token_secret are required")
		return
	}
	raw, _ := json.Marshal(body)
	h.link(w, r, ServiceOAuth, string(raw))
}

// login starts the three-legged flow and redirects to Twitter.
func (h *oauthHandler) login(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if sess == nil {
		httpx.Detail(w, http.StatusServiceUnavailable, "Session store unavailable")
		return
	}
	requestToken, requestSecret, err := h.config.RequestToken()
	if err != nil {
		httpx.WriteError(w, r, h.logger, auth.Transient("Could not start Twitter login", err))
		return
	}
	authorizationURL, err := h.config.AuthorizationURL(requestToken)
	if err != nil {
		httpx.WriteError(w, r, h.logger, auth.Fatal("build authorization url", err))
		return
	}
	sess.Set(keyOAuthRequestToken, requestToken)
	sess.Set(keyOAuthRequestSecret, requestSecret)
	http.Redirect(w, r, authorizationURL.String(), http.StatusSeeOther)
}

// callback finishes the flow and links the account.
func (h *oauthHandler) callback(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	requestToken, verifier, err := oauth1.ParseAuthorizationCallback(r)
	if err != nil {
		httpx.Detail(w, http.StatusBadRequest, "Missing OAuth parameters")
		return
	}
	if sess == nil || sess.Get(keyOAuthRequestToken) == "" || sess.Get(keyOAuthRequestToken) != requestToken {
		httpx.Detail(w, http.StatusBadRequest, "Invalid session state")
		return
	}
	requestSecret := sess.Get(keyOAuthRequestSecret)
	sess.Delete(keyOAuthRequestToken)
	sess.Delete(keyOAuthRequestSecret)

	accessToken, accessSecret, err := h.config.AccessToken(requestToken, requestSecret, verifier)
	if err != nil {
		httpx.WriteError(w, r, h.logger, auth.InvalidCredential("Twitter did not grant access", err))
		return
	}
	raw, _ := json.Marshal(oauthCredentials{OAuthToken: accessToken, OAuthTokenSecret: accessSecret})
	h.link(w, r, ServiceOAuth, string(raw))
}

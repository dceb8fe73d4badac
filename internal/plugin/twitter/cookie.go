package twitter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/httpx"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/plugin"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/iam"
)

const minAuthTokenLength = 20

// CookieAuth links Twitter accounts by browser session cookie.
type CookieAuth struct {
	client *Client
	logger *zap.Logger
}

var (
	_ plugin.AuthorizationPlugin = (*CookieAuth)(nil)
	_ plugin.RouteProvider       = (*CookieAuth)(nil)
)

// NewCookieAuth creates the twitter_cookie plugin.
func NewCookieAuth(client *Client, logger *zap.Logger) *CookieAuth {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CookieAuth{client: client, logger: logger}
}

func (p *CookieAuth) Name() string     { return ServiceCookie }
func (p *CookieAuth) Provider() string { return Provider }

// Deserialize accepts a JSON object, a cookie header
// ("auth_token=...; ct0=...") or a bare auth_token value.
func (p *CookieAuth) Deserialize(raw string) (plugin.Credentials, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, auth.MalformedCredential("Twitter cookie is empty", nil)
	}
	if strings.HasPrefix(raw, "{") {
		var creds plugin.Credentials
		if err := json.Unmarshal([]byte(raw), &creds); err != nil {
			return nil, auth.MalformedCredential("Twitter cookie is not valid JSON", err)
		}
		if creds.String("auth_token") == "" {
			return nil, auth.MalformedCredential("Twitter cookie has no auth_token", nil)
		}
		return creds, nil
	}

	creds := plugin.Credentials{}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			if _, seen := creds["auth_token"]; !seen {
				creds["auth_token"] = part
			}
			continue
		}
		switch name = strings.TrimSpace(name); name {
		case "auth_token", "ct0", "twid":
			creds[name] = strings.Trim(strings.TrimSpace(value), `"`)
		}
	}
	if creds.String("auth_token") == "" {
		return nil, auth.MalformedCredential("Twitter cookie has no auth_token", nil)
	}
	return creds, nil
}

// Serialize writes the canonical JSON form.
func (p *CookieAuth) Serialize(creds plugin.Credentials) (string, error) {
	b, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ValidateCredentials checks the session against account/settings.json and
// falls back to HomeLatestTimeline.
func (p *CookieAuth) ValidateCredentials(ctx context.Context, creds plugin.Credentials) (bool, error) {
	var cc cookieCredentials
	if err := creds.Decode(&cc); err != nil {
		return false, err
	}
	if len(cc.AuthToken) < minAuthTokenLength {
		p.logger.Info("twitter auth_token too short", zap.Int("length", len(cc.AuthToken)))
		return false, nil
	}

	ok, err := p.probe(ctx, cc, p.client.baseURL+"/i/api/1.1/account/settings.json")
	if err != nil || ok {
		return ok, err
	}
	p.logger.Debug("settings check failed, trying timeline")
	vars := url.Values{"variables": {`{"count":2,"includePromotedContent":false,"latestControlAvailable":true,"requestContext":"launch"}`}}
	return p.probe(ctx, cc, p.client.baseURL+"/i/api/graphql/"+QueryHomeLatestTimeline+"/HomeLatestTimeline?"+vars.Encode())
}

func (p *CookieAuth) probe(ctx context.Context, cc cookieCredentials, target string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, auth.Fatal("build validation request", err)
	}
	cc.apply(req)
	resp, err := p.client.send(ctx, p.client.http, req)
	if err != nil {
		return false, classify(err)
	}
	return resp.Status == http.StatusOK, nil
}

// UserIdentifier returns the numeric user id from the twid cookie, taken
// from the credential or from the cookies set by the home page.
func (p *CookieAuth) UserIdentifier(ctx context.Context, creds plugin.Credentials) (string, error) {
	var cc cookieCredentials
	if err := creds.Decode(&cc); err != nil {
		return "", err
	}
	if id := parseTwid(cc.Twid); id != "" {
		return id, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.client.baseURL+"/home", nil)
	if err != nil {
		return "", auth.Fatal("build home request", err)
	}
	cc.apply(req)
	hc := *p.client.http
	hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := p.client.send(ctx, &hc, req)
	if err != nil {
		return "", classify(err)
	}
	for _, c := range resp.Cookies {
		if c.Name != "twid" {
			continue
		}
		if id := parseTwid(c.Value); id != "" {
			creds["twid"] = c.Value
			return id, nil
		}
	}
	return "", auth.InvalidCredential("Could not determine the Twitter user id", nil)
}

// parseTwid extracts the id from "u%3D123", "u=123" or a quoted form.
func parseTwid(v string) string {
	v = strings.Trim(strings.TrimSpace(v), `"`)
	if unescaped, err := url.QueryUnescape(v); err == nil {
		v = unescaped
	}
	id, ok := strings.CutPrefix(v, "u=")
	if !ok || id == "" {
		return ""
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return id
}

func (p *CookieAuth) MountPath() string { return "/twitter/auth/cookies" }

func (p *CookieAuth) AuthRequirements() map[string][]string {
	return map[string][]string{"": {"session"}, "/*": {"session"}}
}

func (p *CookieAuth) Routes(deps plugin.Deps) http.Handler {
	h := &linkHandler{vault: deps.Vault, logger: deps.Log()}
	r := chi.NewRouter()
	r.Post("/", h.linkCookie)
	return r
}

type linkHandler struct {
	vault  plugin.Vault
	logger *zap.Logger
}

type linkResponse struct {
	Status  string               `json:"status"`
	Account plugin.LinkedAccount `json:"account"`
}

func (h *linkHandler) link(w http.ResponseWriter, r *http.Request, service, raw string) {
	ac := auth.FromContext(r.Context())
	account, err := h.vault.Link(r.Context(), plugin.LinkRequest{
		UserID:    ac.UserID(),
		Service:   service,
		Raw:       raw,
		ClientIP:  iam.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, linkResponse{Status: "success", Account: plugin.NewLinkedAccount(account)})
}

func (h *linkHandler) linkCookie(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TwitterCookie string `json:"twitter_cookie"`
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		body.TwitterCookie = r.PostFormValue("twitter_cookie")
	} else if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	if strings.TrimSpace(body.TwitterCookie) == "" {
		httpx.Detail(w, http.StatusBadRequest, "twitter_cookie is required")
		return
	}
	h.link(w, r, ServiceCookie, body.TwitterCookie)
}

package twitter

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/httpx"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/middleware"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/plugin"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/policy"
)

// v1.1 scopes.
const (
	ScopeV1      = "twitter.v1"
	ScopeV1Read  = "twitter.v1.read"
	ScopeV1Write = "twitter.v1.write"
)

// Policy operations guarding the v1.1 proxy as a whole.
const (
	OperationV1Read  = "v1.read"
	OperationV1Write = "v1.write"
)

// V1 proxies Twitter's v1.1 REST API.
type V1 struct {
	client *Client
}

var (
	_ plugin.ResourcePlugin    = (*V1)(nil)
	_ plugin.RouteProvider     = (*V1)(nil)
	_ plugin.OperationProvider = (*V1)(nil)
)

// NewV1 creates the twitter_v1 plugin.
func NewV1(client *Client) *V1 { return &V1{client: client} }

func (v *V1) Name() string     { return ResourceV1 }
func (v *V1) Provider() string { return Provider }

func (v *V1) Scopes() map[string]string {
	return map[string]string{
		ScopeV1:      "Permission to make v1.1 API calls to Twitter",
		ScopeV1Read:  "Permission to make read-only v1.1 API calls",
		ScopeV1Write: "Permission to make write v1.1 API calls",
	}
}

func (v *V1) Operations() []policy.Operation {
	return []policy.Operation{
		{Key: OperationV1Read, Name: "V1Read", MethodHint: "GET", Category: policy.CategoryRead, Description: "Any v1.1 GET request"},
		{Key: OperationV1Write, Name: "V1Write", MethodHint: "POST", Category: policy.CategoryWrite, Description: "Any v1.1 POST, PUT or DELETE request"},
	}
}

func (v *V1) MountPath() string { return "/twitter/v1" }

func (v *V1) AuthRequirements() map[string][]string {
	return map[string][]string{"/*": {"api"}}
}

func (v *V1) Routes(deps plugin.Deps) http.Handler {
	h := &v1Handler{client: v.client, vault: deps.Vault, logger: deps.Log()}
	r := chi.NewRouter()
	r.With(middleware.RequireScopes(ScopeV1, ScopeV1Read)).Get("/*", h.forward)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireScopes(ScopeV1, ScopeV1Write))
		r.Post("/*", h.forward)
		r.Put("/*", h.forward)
		r.Delete("/*", h.forward)
	})
	return r
}

type v1Handler struct {
	client *Client
	vault  plugin.Vault
	logger *zap.Logger
}

// forward relays the request to /1.1/<path>. A "params" query argument
// holding a JSON object is expanded into query parameters.
func (h *v1Handler) forward(w http.ResponseWriter, r *http.Request) {
	endpoint := chi.URLParam(r, "*")
	if endpoint == "" {
		httpx.Detail(w, http.StatusBadRequest, "Missing v1.1 endpoint")
		return
	}
	query, err := v1Query(r.URL.Query())
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}

	opKey := OperationV1Write
	if r.Method == http.MethodGet {
		opKey = OperationV1Read
	}
	ac := auth.FromContext(r.Context())
	account, creds, err := h.vault.Authorize(r.Context(), ac.UserID(), Provider, opKey)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}

	var body []byte
	if r.Body != nil && r.Method != http.MethodGet {
		body, err = io.ReadAll(io.LimitReader(r.Body, httpx.MaxBodyBytes))
		if err != nil {
			httpx.Detail(w, http.StatusBadRequest, "Could not read request body")
			return
		}
	}
	data, err := h.client.V1(r.Context(), account, creds, V1Request{
		Method:      r.Method,
		Endpoint:    endpoint,
		Query:       query,
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
	})
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	writeRaw(w, data)
}

func v1Query(in url.Values) (url.Values, error) {
	out := url.Values{}
	for k, vs := range in {
		if k == "params" {
			continue
		}
		out[k] = vs
	}
	raw := in.Get("params")
	if raw == "" {
		return out, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, auth.InvalidRequest("Invalid JSON in 'params' parameter", err)
	}
	for k, v := range params {
		out.Set(k, stringify(v))
	}
	return out, nil
}

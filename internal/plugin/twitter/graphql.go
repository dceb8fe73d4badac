package twitter

import (
	"bytes"
	"encoding/json"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/httpx"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/middleware"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/plugin"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/policy"
)

// GraphQL scopes.
const (
	ScopeGraphQL      = "twitter.graphql"
	ScopeGraphQLRead  = "twitter.graphql.read"
	ScopeGraphQLWrite = "twitter.graphql.write"
)

// GraphQL proxies Twitter's private GraphQL API with operation level
// policy checks.
type GraphQL struct {
	client  *Client
	catalog *policy.Registry
}

var (
	_ plugin.ResourcePlugin      = (*GraphQL)(nil)
	_ plugin.RouteProvider       = (*GraphQL)(nil)
	_ plugin.PolicyScopeProvider = (*GraphQL)(nil)
	_ plugin.OperationProvider   = (*GraphQL)(nil)
)

// NewGraphQL creates the twitter_graphql plugin.
func NewGraphQL(client *Client) (*GraphQL, error) {
	catalog, err := policy.NewRegistry(GraphQLOperations()...)
	if err != nil {
		return nil, err
	}
	return &GraphQL{client: client, catalog: catalog}, nil
}

func (g *GraphQL) Name() string     { return ResourceGraphQL }
func (g *GraphQL) Provider() string { return Provider }

func (g *GraphQL) Scopes() map[string]string {
	return map[string]string{
		ScopeGraphQL:      "Permission to make GraphQL API calls to Twitter",
		ScopeGraphQLRead:  "Permission to make read-only GraphQL API calls",
		ScopeGraphQLWrite: "Permission to make write GraphQL API calls",
	}
}

func (g *GraphQL) Operations() []policy.Operation { return g.catalog.All() }

func (g *GraphQL) JWTPolicyScopes() map[string][]string {
	return map[string][]string{
		"graphql-read-only":   {ScopeGraphQLRead},
		"graphql-write-only":  {ScopeGraphQLWrite},
		"graphql-full-access": {ScopeGraphQL, ScopeGraphQLRead, ScopeGraphQLWrite},
	}
}

func (g *GraphQL) MountPath() string { return "/twitter/graphql" }

func (g *GraphQL) AuthRequirements() map[string][]string {
	return map[string][]string{
		"/playground": {"passkey"},
		"/*":          {"api", "passkey"},
	}
}

func (g *GraphQL) Routes(deps plugin.Deps) http.Handler {
	h := &graphqlHandler{client: g.client, catalog: g.catalog, vault: deps.Vault, logger: deps.Log()}
	r := chi.NewRouter()
	r.Get("/playground", h.playground)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireScopes(ScopeGraphQL, ScopeGraphQLRead, ScopeGraphQLWrite))
		r.Get("/{query_id}", h.executeGet)
		r.Post("/{query_id}", h.executePost)
	})
	return r
}

type graphqlHandler struct {
	client  *Client
	catalog *policy.Registry
	vault   plugin.Vault
	logger  *zap.Logger
}

// scopesFor returns the scopes that grant an operation category.
func scopesFor(c policy.Category) []string {
	if c == policy.CategoryWrite {
		return []string{ScopeGraphQL, ScopeGraphQLWrite}
	}
	return []string{ScopeGraphQL, ScopeGraphQLRead}
}

func (h *graphqlHandler) executeGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var variables, features json.RawMessage
	if q.Has("variables") {
		variables = json.RawMessage(q.Get("variables"))
	}
	if q.Has("features") {
		features = json.RawMessage(q.Get("features"))
	}
	h.execute(w, r, http.MethodGet, variables, features)
}

func (h *graphqlHandler) executePost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Variables json.RawMessage `json:"variables"`
		Features  json.RawMessage `json:"features"`
	}
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &body); err != nil {
			httpx.WriteError(w, r, h.logger, err)
			return
		}
	}
	h.execute(w, r, http.MethodPost, unquote(body.Variables), unquote(body.Features))
}

// unquote turns a JSON string holding JSON into the inner document, so
// both {"variables": {...}} and {"variables": "{...}"} are accepted.
func unquote(raw json.RawMessage) json.RawMessage {
	var s string
	if len(raw) > 0 && raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return json.RawMessage(s)
	}
	return raw
}

// jsonObject reports whether raw is absent or a JSON object.
func jsonObject(raw json.RawMessage) bool {
	if raw == nil {
		return true
	}
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	var m map[string]any
	return json.Unmarshal(trimmed, &m) == nil
}

func (h *graphqlHandler) execute(w http.ResponseWriter, r *http.Request, method string, variables, features json.RawMessage) {
	queryID := chi.URLParam(r, "query_id")
	op, ok := h.catalog.Lookup(queryID)
	if !ok {
		h.logger.Warn("unknown graphql query id", zap.String("query_id", queryID))
		httpx.Detail(w, http.StatusBadRequest, "Unknown GraphQL query ID: "+queryID)
		return
	}
	ac := auth.FromContext(r.Context())
	if !ac.HasAnyScope(scopesFor(op.Category)...) {
		httpx.Detail(w, http.StatusForbidden, "Not enough permissions")
		return
	}
	if !jsonObject(variables) {
		httpx.Detail(w, http.StatusBadRequest, "Invalid JSON in 'variables' parameter")
		return
	}
	if !jsonObject(features) {
		httpx.Detail(w, http.StatusBadRequest, "Invalid JSON in 'features' parameter")
		return
	}

	account, creds, err := h.vault.Authorize(r.Context(), ac.UserID(), Provider, op.Key)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	data, err := h.client.GraphQL(r.Context(), account, creds, op, method, variables, features)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	writeRaw(w, data)
}

func writeRaw(w http.ResponseWriter, data json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

var playgroundTemplate = template.Must(template.New("playground").Parse(`<!DOCTYPE html>
<html>
<head><title>Twitter GraphQL Playground</title></head>
<body>
<h1>Twitter GraphQL Playground</h1>
<p>Send GET or POST requests to <code>/twitter/graphql/{query_id}</code> with a bearer token.</p>
<table>
<tr><th>Query ID</th><th>Operation</th><th>Method</th><th>Category</th><th>Description</th></tr>
{{range .}}<tr><td><code>{{.Key}}</code></td><td>{{.Name}}</td><td>{{.MethodHint}}</td><td>{{.Category}}</td><td>{{.Description}}</td></tr>
{{end}}</table>
</body>
</html>
`))

func (h *graphqlHandler) playground(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := playgroundTemplate.Execute(&buf, h.catalog.All()); err != nil {
		httpx.WriteError(w, r, h.logger, auth.Fatal("render playground", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/httpx"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/middleware"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/plugin"
)

// Tweet scopes.
const (
	ScopeTweetPost   = "tweet.post"
	ScopeTweetRead   = "tweet.read"
	ScopeTweetDelete = "tweet.delete"
)

const maxTweetLength = 280

// Tweets posts, reads and deletes tweets for any linked Twitter account.
// Cookie accounts go through GraphQL, OAuth1 accounts through v1.1; both
// are checked against the CreateTweet, TweetDetail and DeleteTweet
// operations of the account policy.
type Tweets struct {
	client *Client
}

var (
	_ plugin.ResourcePlugin = (*Tweets)(nil)
	_ plugin.RouteProvider  = (*Tweets)(nil)
)

// NewTweets creates the twitter resource plugin.
func NewTweets(client *Client) *Tweets { return &Tweets{client: client} }

func (t *Tweets) Name() string     { return ResourceTweets }
func (t *Tweets) Provider() string { return Provider }

func (t *Tweets) Scopes() map[string]string {
	return map[string]string{
		ScopeTweetPost:   "Permission to post tweets",
		ScopeTweetRead:   "Permission to read tweets",
		ScopeTweetDelete: "Permission to delete tweets",
	}
}

func (t *Tweets) MountPath() string { return "/twitter/tweets" }

func (t *Tweets) AuthRequirements() map[string][]string {
	return map[string][]string{"": {"api"}, "/*": {"api"}}
}

func (t *Tweets) Routes(deps plugin.Deps) http.Handler {
	h := &tweetHandler{client: t.client, vault: deps.Vault, logger: deps.Log()}
	r := chi.NewRouter()
	r.With(middleware.RequireScopes(ScopeTweetPost)).Post("/", h.post)
	r.With(middleware.RequireScopes(ScopeTweetRead)).Get("/{id}", h.get)
	r.With(middleware.RequireScopes(ScopeTweetDelete)).Delete("/{id}", h.delete)
	return r
}

// PostTweet publishes text and returns the new tweet id.
func (c *Client) PostTweet(ctx context.Context, account *models.CredentialAccount, creds plugin.Credentials, text string) (string, error) {
	if account.Service == ServiceOAuth {
		form := url.Values{"status": {text}}
		data, err := c.V1(ctx, account, creds, V1Request{
			Method:      http.MethodPost,
			Endpoint:    "statuses/update",
			Body:        []byte(form.Encode()),
			ContentType: "application/x-www-form-urlencoded",
		})
		if err != nil {
			return "", err
		}
		return idStr(data)
	}

	variables, _ := json.Marshal(map[string]any{
		"tweet_text":   text,
		"dark_request": false,
		"media": map[string]any{
			"media_entities":     []any{},
			"possibly_sensitive": false,
		},
		"semantic_annotation_ids": []any{},
	})
	data, err := c.GraphQL(ctx, account, creds, graphqlOp(QueryCreateTweet, "CreateTweet"), http.MethodPost, variables, nil)
	if err != nil {
		return "", err
	}
	return jsonString(data, "data.create_tweet.tweet_results.result.rest_id")
}

// DeleteTweet removes a tweet of the account.
func (c *Client) DeleteTweet(ctx context.Context, account *models.CredentialAccount, creds plugin.Credentials, id string) error {
	if account.Service == ServiceOAuth {
		_, err := c.V1(ctx, account, creds, V1Request{Method: http.MethodPost, Endpoint: "statuses/destroy/" + id})
		return err
	}
	variables, _ := json.Marshal(map[string]any{"tweet_id": id, "dark_request": false})
	_, err := c.GraphQL(ctx, account, creds, graphqlOp(QueryDeleteTweet, "DeleteTweet"), http.MethodPost, variables, nil)
	return err
}

// GetTweet returns the upstream representation of a tweet.
func (c *Client) GetTweet(ctx context.Context, account *models.CredentialAccount, creds plugin.Credentials, id string) (json.RawMessage, error) {
	if account.Service == ServiceOAuth {
		return c.V1(ctx, account, creds, V1Request{Method: http.MethodGet, Endpoint: "statuses/show", Query: url.Values{"id": {id}}})
	}
	variables, _ := json.Marshal(map[string]any{"focalTweetId": id, "with_rux_injections": false})
	return c.GraphQL(ctx, account, creds, graphqlOp(QueryTweetDetail, "TweetDetail"), http.MethodGet, variables, nil)
}

type tweetHandler struct {
	client *Client
	vault  plugin.Vault
	logger *zap.Logger
}

type tweetResponse struct {
	Status  string `json:"status"`
	TweetID string `json:"tweet_id"`
}

func (h *tweetHandler) post(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	text := strings.TrimSpace(body.Text)
	if text == "" {
		httpx.Detail(w, http.StatusBadRequest, "text is required")
		return
	}
	if n := len([]rune(text)); n > maxTweetLength {
		httpx.Detail(w, http.StatusBadRequest, fmt.Sprintf("Tweet is %d characters, the limit is %d", n, maxTweetLength))
		return
	}

	ac := auth.FromContext(r.Context())
	account, creds, err := h.vault.Authorize(r.Context(), ac.UserID(), Provider, QueryCreateTweet)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	id, err := h.client.PostTweet(r.Context(), account, creds, text)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	h.logger.Info("tweet posted", zap.String("user_id", ac.UserID()), zap.String("account_id", account.ID), zap.String("tweet_id", id))
	httpx.WriteJSON(w, http.StatusCreated, tweetResponse{Status: "success", TweetID: id})
}

func (h *tweetHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := tweetID(w, r)
	if !ok {
		return
	}
	ac := auth.FromContext(r.Context())
	account, creds, err := h.vault.Authorize(r.Context(), ac.UserID(), Provider, QueryTweetDetail)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	data, err := h.client.GetTweet(r.Context(), account, creds, id)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	writeRaw(w, data)
}

func (h *tweetHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := tweetID(w, r)
	if !ok {
		return
	}
	ac := auth.FromContext(r.Context())
	account, creds, err := h.vault.Authorize(r.Context(), ac.UserID(), Provider, QueryDeleteTweet)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	if err := h.client.DeleteTweet(r.Context(), account, creds, id); err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tweetResponse{Status: "deleted", TweetID: id})
}

func tweetID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		httpx.Detail(w, http.StatusBadRequest, "Tweet id must be numeric")
		return "", false
	}
	return id, true
}

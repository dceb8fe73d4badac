// Package twitter implements the Twitter integrations: cookie and OAuth1
// credential linking, the private GraphQL proxy, the v1.1 REST proxy and
// the tweet resource.
package twitter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/plugin"
)

// Provider is the upstream service shared by every Twitter plugin.
const Provider = "twitter"

// Plugin names.
const (
	ServiceCookie   = "twitter_cookie"
	ServiceOAuth    = "twitter_oauth"
	ResourceTweets  = "twitter"
	ResourceGraphQL = "twitter_graphql"
	ResourceV1      = "twitter_v1"
)

const defaultTimeout = 10 * time.Second

// Config configures the Twitter plugins.
type Config struct {
	// BaseURL serves the web client endpoints (settings, home, GraphQL).
	BaseURL string
	// APIBaseURL serves v1.1 and the OAuth1 endpoints.
	APIBaseURL     string
	ConsumerKey    string
	ConsumerSecret string
	// CallbackURL is where Twitter returns the browser after OAuth1 login.
	CallbackURL string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://twitter.com"
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = "https://api.twitter.com"
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Factories returns the registry factories of every Twitter plugin. The
// OAuth1 plugin fails to load without a consumer key; the others load
// regardless.
func Factories(cfg Config) []plugin.Factory {
	cfg = cfg.withDefaults()
	client := NewClient(cfg)
	return []plugin.Factory{
		{Name: ServiceCookie, New: func(context.Context) (plugin.Plugin, error) {
			return NewCookieAuth(client, cfg.Logger), nil
		}},
		{Name: ServiceOAuth, New: func(context.Context) (plugin.Plugin, error) {
			if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" {
				return nil, errors.New("twitter consumer key and secret are not configured")
			}
			return NewOAuthAuth(client, cfg.CallbackURL, cfg.Logger), nil
		}},
		{Name: ResourceTweets, New: func(context.Context) (plugin.Plugin, error) {
			return NewTweets(client), nil
		}},
		{Name: ResourceGraphQL, New: func(context.Context) (plugin.Plugin, error) {
			return NewGraphQL(client)
		}},
		{Name: ResourceV1, New: func(context.Context) (plugin.Plugin, error) {
			return NewV1(client), nil
		}},
	}
}

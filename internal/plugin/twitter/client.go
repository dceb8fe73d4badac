package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dghubble/oauth1"
	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/plugin"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/policy"
)

const (
	// webBearer is the public bearer token of the twitter.com web client,
	// required next to the session cookies.
	webBearer = "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"
	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

	maxResponseBytes = 10 << 20
)

// UpstreamError is a non-2xx answer from Twitter.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("twitter returned status %d: %s", e.Status, e.Body)
}

// Client talks to Twitter on behalf of one linked account at a time.
type Client struct {
	baseURL    string
	apiBaseURL string
	timeout    time.Duration
	http       *http.Client
	oauth      *oauth1.Config
	logger     *zap.Logger
}

// NewClient creates a client. The OAuth1 config is only set when a
// consumer key is configured.
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiBaseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		timeout:    cfg.Timeout,
		http:       cfg.HTTPClient,
		logger:     cfg.Logger,
	}
	if cfg.ConsumerKey != "" {
		c.oauth = &oauth1.Config{
			ConsumerKey:    cfg.ConsumerKey,
			ConsumerSecret: cfg.ConsumerSecret,
			CallbackURL:    cfg.CallbackURL,
			Endpoint: oauth1.Endpoint{
				RequestTokenURL: c.apiBaseURL + "/oauth/request_token",
				AuthorizeURL:    c.apiBaseURL + "/oauth/authorize",
				AccessTokenURL:  c.apiBaseURL + "/oauth/access_token",
			},
		}
	}
	return c
}

type response struct {
	Status  int
	Header  http.Header
	Cookies []*http.Cookie
	Body    []byte
}

// err converts a non-2xx response into an *UpstreamError.
func (r *response) err() error {
	if r.Status >= 200 && r.Status < 300 {
		return nil
	}
	body := string(r.Body)
	if len(body) > 512 {
		body = body[:512]
	}
	return &UpstreamError{Status: r.Status, Body: body}
}

// send performs req with hc under the client timeout. Only transport
// failures are returned as errors.
func (c *Client) send(ctx context.Context, hc *http.Client, req *http.Request) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := hc.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.URL.Path, err)
	}
	c.logger.Debug("twitter upstream call",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode))
	return &response{Status: resp.StatusCode, Header: resp.Header, Cookies: resp.Cookies(), Body: body}, nil
}

// classify maps upstream failures onto the error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		switch {
		case ue.Status == http.StatusUnauthorized || ue.Status == http.StatusForbidden:
			return auth.InvalidCredential("Twitter rejected the stored credentials", err)
		case ue.Status == http.StatusTooManyRequests || ue.Status >= 500:
			return auth.Transient("Twitter is unavailable", err)
		default:
			return auth.InvalidRequest(fmt.Sprintf("Twitter request failed with status %d", ue.Status), err)
		}
	}
	if isTimeout(err) {
		return auth.Transient("Twitter did not respond in time", err)
	}
	return auth.Transient("Twitter request failed", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// cookieCredentials are the browser cookies of a web session.
type cookieCredentials struct {
	AuthToken string `json:"auth_token"`
	CT0       string `json:"ct0,omitempty"`
	Twid      string `json:"twid,omitempty"`
}

func (cc cookieCredentials) apply(req *http.Request) {
	cookie := "auth_token=" + cc.AuthToken
	if cc.CT0 != "" {
		cookie += "; ct0=" + cc.CT0
		req.Header.Set("X-Csrf-Token", cc.CT0)
		req.Header.Set("X-Twitter-Auth-Type", "OAuth2Session")
	}
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Authorization", "Bearer "+webBearer)
	req.Header.Set("User-Agent", userAgent)
}

// oauthCredentials are an OAuth1 access token pair.
type oauthCredentials struct {
	OAuthToken       string `json:"oauth_token"`
	OAuthTokenSecret string `json:"oauth_token_secret"`
	UserID           string `json:"user_id,omitempty"`
	ScreenName       string `json:"screen_name,omitempty"`
}

func (c *Client) oauthClient(ctx context.Context, oc oauthCredentials) (*http.Client, error) {
	if c.oauth == nil {
		return nil, auth.Fatal("twitter oauth is not configured", nil)
	}
	ctx = context.WithValue(ctx, oauth1.HTTPClient, c.http)
	return c.oauth.Client(ctx, oauth1.NewToken(oc.OAuthToken, oc.OAuthTokenSecret)), nil
}

// doAs signs req with the account's credentials and sends it. Non-2xx
// answers are classified.
func (c *Client) doAs(ctx context.Context, account *models.CredentialAccount, creds plugin.Credentials, req *http.Request) (*response, error) {
	hc := c.http
	switch account.Service {
	case ServiceCookie:
		var cc cookieCredentials
		if err := creds.Decode(&cc); err != nil {
			return nil, err
		}
		cc.apply(req)
	case ServiceOAuth:
		var oc oauthCredentials
		if err := creds.Decode(&oc); err != nil {
			return nil, err
		}
		var err error
		if hc, err = c.oauthClient(ctx, oc); err != nil {
			return nil, err
		}
	default:
		return nil, auth.Fatal(fmt.Sprintf("account service %q is not a twitter credential", account.Service), nil)
	}
	resp, err := c.send(ctx, hc, req)
	if err != nil {
		return nil, classify(err)
	}
	if err := resp.err(); err != nil {
		return nil, classify(err)
	}
	return resp, nil
}

// GraphQL runs one private GraphQL operation. GET sends variables and
// features as query parameters, POST as a JSON body.
func (c *Client) GraphQL(ctx context.Context, account *models.CredentialAccount, creds plugin.Credentials, op policy.Operation, method string, variables, features json.RawMessage) (json.RawMessage, error) {
	if account.Service != ServiceCookie {
		return nil, auth.InvalidRequest("GraphQL requires an account linked by cookie", nil)
	}
	endpoint := fmt.Sprintf("%s/i/api/graphql/%s/%s", c.baseURL, url.PathEscape(op.Key), url.PathEscape(op.Name))

	var req *http.Request
	var err error
	if method == http.MethodPost {
		payload := map[string]any{"queryId": op.Key}
		if len(variables) > 0 {
			payload["variables"] = variables
		}
		if len(features) > 0 {
			payload["features"] = features
		}
		body, merr := json.Marshal(payload)
		if merr != nil {
			return nil, auth.Fatal("encode graphql body", merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		q := url.Values{}
		if len(variables) > 0 {
			q.Set("variables", string(variables))
		}
		if len(features) > 0 {
			q.Set("features", string(features))
		}
		if len(q) > 0 {
			endpoint += "?" + q.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}
	if err != nil {
		return nil, auth.Fatal("build graphql request", err)
	}

	resp, err := c.doAs(ctx, account, creds, req)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Errors json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, auth.Transient("Twitter returned an unreadable response", err)
	}
	if len(envelope.Errors) > 0 && string(envelope.Errors) != "null" && string(envelope.Errors) != "[]" {
		return nil, auth.InvalidRequest("GraphQL query returned errors: "+string(envelope.Errors), nil)
	}
	return resp.Body, nil
}

// V1Request describes one v1.1 REST call.
type V1Request struct {
	Method   string
	Endpoint string
	Query    url.Values
	// Body is forwarded as is with ContentType.
	Body        []byte
	ContentType string
}

// V1 forwards a v1.1 REST call. The endpoint gets a leading slash and a
// .json suffix when missing.
func (c *Client) V1(ctx context.Context, account *models.CredentialAccount, creds plugin.Credentials, in V1Request) (json.RawMessage, error) {
	endpoint := "/" + strings.TrimLeft(in.Endpoint, "/")
	if !strings.HasSuffix(endpoint, ".json") {
		endpoint += ".json"
	}
	target := c.apiBaseURL + "/1.1" + endpoint
	if len(in.Query) > 0 {
		target += "?" + in.Query.Encode()
	}
	var body io.Reader
	if len(in.Body) > 0 {
		body = bytes.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, in.Method, target, body)
	if err != nil {
		return nil, auth.InvalidRequest("Invalid v1.1 request", err)
	}
	if in.ContentType != "" {
		req.Header.Set("Content-Type", in.ContentType)
	}
	resp, err := c.doAs(ctx, account, creds, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

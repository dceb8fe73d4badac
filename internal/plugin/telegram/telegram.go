// Package telegram links Telegram user sessions and exposes channel
// listing and message sending through an MTProto bridge.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/plugin"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/policy"
)

// Provider is both the plugin name and the upstream service.
const Provider = "telegram"

// Scopes.
const (
	ScopePostAny      = "telegram.post_any"
	ScopePostSpecific = "telegram.post_specific"
	ScopeRead         = "telegram.read"
)

// Policy operations.
const (
	OperationListChannels = "telegram.channels.list"
	OperationSendMessage  = "telegram.messages.send"
)

const (
	defaultTimeout       = 15 * time.Second
	defaultMaxRetries    = 3
	defaultRetryInterval = 200 * time.Millisecond
)

// Config configures the plugin and its gateway.
type Config struct {
	BridgeURL     string
	APIID         string
	APIHash       string
	Timeout       time.Duration
	MaxRetries    uint
	RetryInterval time.Duration
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Credentials is a linked Telegram session.
type Credentials struct {
	UserID        string `json:"user_id,omitempty"`
	PhoneNumber   string `json:"phone_number,omitempty"`
	SessionString string `json:"session_string"`
}

func (c Credentials) toMap() plugin.Credentials {
	out := plugin.Credentials{"session_string": c.SessionString}
	if c.UserID != "" {
		out["user_id"] = c.UserID
	}
	if c.PhoneNumber != "" {
		out["phone_number"] = c.PhoneNumber
	}
	return out
}

// Plugin is the Telegram authorization and resource plugin.
type Plugin struct {
	gateway *Gateway
	logger  *zap.Logger
}

var (
	_ plugin.AuthorizationPlugin = (*Plugin)(nil)
	_ plugin.ResourcePlugin      = (*Plugin)(nil)
	_ plugin.RouteProvider       = (*Plugin)(nil)
	_ plugin.OperationProvider   = (*Plugin)(nil)
)

// New creates the plugin.
func New(gateway *Gateway, logger *zap.Logger) *Plugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{gateway: gateway, logger: logger}
}

// Factory returns the registry factory. The plugin fails to load without a
// bridge URL.
func Factory(cfg Config) plugin.Factory {
	return plugin.Factory{Name: Provider, New: func(context.Context) (plugin.Plugin, error) {
		if cfg.BridgeURL == "" {
			return nil, errors.New("telegram bridge url is not configured")
		}
		cfg = cfg.withDefaults()
		return New(NewGateway(cfg), cfg.Logger), nil
	}}
}

func (p *Plugin) Name() string     { return Provider }
func (p *Plugin) Provider() string { return Provider }

func (p *Plugin) Scopes() map[string]string {
	return map[string]string{
		ScopePostAny:      "Permission to post to any Telegram channel",
		ScopePostSpecific: "Permission to post to specific Telegram channels",
		ScopeRead:         "Permission to read Telegram messages",
	}
}

func (p *Plugin) Operations() []policy.Operation {
	return []policy.Operation{
		{Key: OperationListChannels, Name: "ListChannels", MethodHint: http.MethodGet, Category: policy.CategoryRead,
			Description: "Lists the channels and supergroups of the account"},
		{Key: OperationSendMessage, Name: "SendMessage", MethodHint: http.MethodPost, Category: policy.CategoryWrite,
			Description: "Sends a message to a chat"},
	}
}

// Deserialize parses a JSON credential object, or takes a bare string as
// the session string. A session string is required.
func (p *Plugin) Deserialize(raw string) (plugin.Credentials, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, auth.MalformedCredential("Telegram credentials are empty", nil)
	}
	if !strings.HasPrefix(raw, "{") {
		if strings.ContainsAny(raw, " \t\r\n") {
			return nil, auth.MalformedCredential("Invalid Telegram credentials format", nil)
		}
		return Credentials{SessionString: raw}.toMap(), nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, auth.MalformedCredential("Invalid Telegram credentials format", err)
	}
	var c Credentials
	if err := plugin.Credentials(m).Decode(&c); err != nil {
		return nil, err
	}
	if c.SessionString == "" {
		return nil, auth.MalformedCredential("Telegram credentials need a session_string", nil)
	}
	return c.toMap(), nil
}

func (p *Plugin) Serialize(creds plugin.Credentials) (string, error) {
	c, err := decode(creds)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", auth.Fatal("encode telegram credentials", err)
	}
	return string(b), nil
}

// ValidateCredentials asks the bridge whether the session still works.
func (p *Plugin) ValidateCredentials(ctx context.Context, creds plugin.Credentials) (bool, error) {
	c, err := decode(creds)
	if err != nil || c.SessionString == "" {
		return false, nil
	}
	if _, err := p.gateway.Me(ctx, c.SessionString); err != nil {
		if errors.Is(err, auth.ErrInvalidCredential) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UserIdentifier is the Telegram user id, resolved through the bridge when
// the credentials lack it, else the phone number.
func (p *Plugin) UserIdentifier(ctx context.Context, creds plugin.Credentials) (string, error) {
	c, err := decode(creds)
	if err != nil {
		return "", err
	}
	if c.UserID != "" {
		return c.UserID, nil
	}
	if c.SessionString != "" {
		me, err := p.gateway.Me(ctx, c.SessionString)
		if err != nil {
			return "", err
		}
		if me.ID != "" {
			creds["user_id"] = me.ID
			if c.PhoneNumber == "" && me.Phone != "" {
				creds["phone_number"] = me.Phone
			}
			return me.ID, nil
		}
	}
	if c.PhoneNumber != "" {
		return c.PhoneNumber, nil
	}
	return "", auth.InvalidCredential("Could not determine the Telegram user id", nil)
}

func decode(creds plugin.Credentials) (Credentials, error) {
	var c Credentials
	err := creds.Decode(&c)
	return c, err
}

// Package plugin defines the capability interfaces implemented by service
// integrations and the registry that aggregates them at startup.
package plugin

import (
	"context"
	"net/http"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/models"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/policy"
)

// Credentials is the decoded form of a stored service credential.
type Credentials map[string]any

// String returns the value at key if it is a string.
func (c Credentials) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// Decode copies the credentials into a tagged struct.
func (c Credentials) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "json",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]any(c)); err != nil {
		return auth.MalformedCredential("Credentials have an unexpected shape", err)
	}
	return nil
}

// Plugin is anything the registry can load. The capabilities below are
// discovered by type assertion.
type Plugin interface {
	Name() string
}

// AuthorizationPlugin validates and (de)serializes one kind of service
// credential.
type AuthorizationPlugin interface {
	Plugin
	// Provider is the upstream service, e.g. "twitter"; several plugins may
	// share one.
	Provider() string
	ValidateCredentials(ctx context.Context, creds Credentials) (bool, error)
	// UserIdentifier returns the stable upstream identity of the credential.
	UserIdentifier(ctx context.Context, creds Credentials) (string, error)
	Serialize(creds Credentials) (string, error)
	Deserialize(raw string) (Credentials, error)
}

// ResourcePlugin exposes upstream capabilities guarded by scopes.
type ResourcePlugin interface {
	Plugin
	Provider() string
	// Scopes maps scope names to descriptions. An empty description is
	// replaced by a generic one.
	Scopes() map[string]string
}

// RouteProvider mounts HTTP routes below MountPath.
type RouteProvider interface {
	Plugin
	MountPath() string
	Routes(deps Deps) http.Handler
	// AuthRequirements maps paths relative to MountPath to auth strings
	// ("none", "session"/"passkey", "oauth2"/"api", "any").
	AuthRequirements() map[string][]string
}

// PolicyScopeProvider contributes token policies (policy name → scopes).
type PolicyScopeProvider interface {
	Plugin
	JWTPolicyScopes() map[string][]string
}

// OperationProvider contributes operations to the policy registry.
type OperationProvider interface {
	Plugin
	Operations() []policy.Operation
}

// LinkRequest asks the vault to store a raw credential for a user.
type LinkRequest struct {
	UserID string
	// Service is the authorization plugin name
	Service   string
	Raw       string
	ClientIP  string
	UserAgent string
}

// LinkedAccount is the public view of a credential account. It never
// carries the credential itself.
type LinkedAccount struct {
	ID          string    `json:"id"`
	Service     string    `json:"service"`
	Provider    string    `json:"provider"`
	Identity    string    `json:"identity"`
	DisplayName *string   `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewLinkedAccount converts a stored account.
func NewLinkedAccount(a *models.CredentialAccount) LinkedAccount {
	return LinkedAccount{
		ID:          a.ID,
		Service:     a.Service,
		Provider:    a.Provider,
		Identity:    a.Identity,
		DisplayName: a.DisplayName,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

// Vault is the part of the credential vault plugin routes use.
type Vault interface {
	Link(ctx context.Context, req LinkRequest) (*models.CredentialAccount, error)
	// Authorize picks the user's account for provider, checks the operation
	// against its policy and opens its credentials.
	Authorize(ctx context.Context, userID, provider, operationKey string) (*models.CredentialAccount, Credentials, error)
}

// Deps are the services handed to RouteProvider.Routes.
type Deps struct {
	Logger *zap.Logger
	Vault  Vault
	Policy *policy.Engine
	// HTTPClient is used for upstream calls when a plugin has no client of its own
	HTTPClient *http.Client
	Registry   *Registry
}

// Log returns Logger, or a no-op logger when none is set.
func (d Deps) Log() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

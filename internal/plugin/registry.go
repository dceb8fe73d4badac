package plugin

import (
	"context"
	"fmt"
	"maps"
	"path"
	"slices"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/policy"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/telemetry"
)

// Factory constructs one plugin.
type Factory struct {
	Name string
	New  func(ctx context.Context) (Plugin, error)
}

// Failure records a plugin that could not be loaded.
type Failure struct {
	Name string
	Err  error
}

// LoadOptions configures Load.
type LoadOptions struct {
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// Registry holds every loaded plugin. It is built once by Load and never
// modified, so concurrent readers need no locking.
type Registry struct {
	plugins      []Plugin
	auth         map[string]AuthorizationPlugin
	resources    map[string]ResourcePlugin
	routes       []RouteProvider
	scopes       map[string]string
	requirements map[string][]auth.AuthType
	policies     map[string][]string
	operations   *policy.Registry
	failures     []Failure
}

// Load runs every factory in order. A factory that fails or panics, or a
// plugin whose declarations conflict with already loaded ones, is recorded
// in Failures and skipped; the others keep loading.
func Load(ctx context.Context, opts LoadOptions, factories ...Factory) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &builder{
		reg: &Registry{
			auth:         map[string]AuthorizationPlugin{},
			resources:    map[string]ResourcePlugin{},
			scopes:       map[string]string{},
			requirements: map[string][]auth.AuthType{},
			policies:     map[string][]string{},
		},
		names: map[string]bool{},
	}

	for _, f := range factories {
		if err := b.load(ctx, f); err != nil {
			b.reg.failures = append(b.reg.failures, Failure{Name: f.Name, Err: err})
			opts.Metrics.PluginFailure(f.Name)
			logger.Error("failed to load plugin", zap.String("plugin", f.Name), zap.Error(err))
			continue
		}
		logger.Info("loaded plugin", zap.String("plugin", f.Name))
	}

	b.reg.finish(b.ops)
	return b.reg
}

type builder struct {
	reg   *Registry
	ops   []policy.Operation
	names map[string]bool
}

func (b *builder) load(ctx context.Context, f Factory) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panicked: %v", r)
		}
	}()

	p, err := f.New(ctx)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("factory returned no plugin")
	}
	name := p.Name()
	if b.names[name] {
		return fmt.Errorf("plugin %q already loaded", name)
	}

	// Validate every declaration before registering anything.
	var requirements map[string][]auth.AuthType
	rp, isRoutes := p.(RouteProvider)
	if isRoutes {
		requirements, err = prefixedRequirements(rp)
		if err != nil {
			return err
		}
	}
	var ops []policy.Operation
	if op, ok := p.(OperationProvider); ok {
		ops = op.Operations()
		if _, err := policy.NewRegistry(append(slices.Clone(b.ops), ops...)...); err != nil {
			return fmt.Errorf("register operations: %w", err)
		}
	}
	ap, isAuth := p.(AuthorizationPlugin)
	if isAuth {
		if _, dup := b.reg.auth[name]; dup {
			return fmt.Errorf("authorization plugin %q already registered", name)
		}
	}
	res, isResource := p.(ResourcePlugin)
	var scopes map[string]string
	if isResource {
		scopes = res.Scopes()
	}
	var policies map[string][]string
	if ps, ok := p.(PolicyScopeProvider); ok {
		policies = ps.JWTPolicyScopes()
	}

	b.names[name] = true
	b.reg.plugins = append(b.reg.plugins, p)
	b.ops = append(b.ops, ops...)
	if isAuth {
		b.reg.auth[name] = ap
	}
	if isResource {
		b.reg.resources[name] = res
		for scope, desc := range scopes {
			if desc == "" {
				desc = "Permission for " + scope
			}
			b.reg.scopes[scope] = desc
		}
	}
	if isRoutes {
		b.reg.routes = append(b.reg.routes, rp)
		maps.Copy(b.reg.requirements, requirements)
	}
	for policyName, s := range policies {
		b.reg.policies[policyName] = union(b.reg.policies[policyName], s)
	}
	return nil
}

// finish builds the derived views once all plugins are in.
func (r *Registry) finish(ops []policy.Operation) {
	all := slices.Sorted(maps.Keys(r.scopes))
	for _, name := range []string{auth.PolicyPasskey, auth.PolicyAPI} {
		r.policies[name] = union(r.policies[name], all)
	}
	// Each plugin's operations were checked against the earlier ones in load.
	r.operations, _ = policy.NewRegistry(ops...)
}

func prefixedRequirements(rp RouteProvider) (map[string][]auth.AuthType, error) {
	mount := "/" + strings.Trim(rp.MountPath(), "/")
	out := map[string][]auth.AuthType{}
	for p, raw := range rp.AuthRequirements() {
		types := make([]auth.AuthType, 0, len(raw))
		for _, s := range raw {
			t, err := auth.ParseAuthType(s)
			if err != nil {
				return nil, fmt.Errorf("route %s: %w", p, err)
			}
			types = append(types, t)
		}
		out[joinPath(mount, p)] = types
	}
	return out, nil
}

// joinPath prefixes a relative pattern, keeping a trailing "/*".
func joinPath(mount, p string) string {
	if p == "" || p == "/" {
		return mount
	}
	if p == "*" || p == "/*" {
		return mount + "/*"
	}
	if strings.HasSuffix(p, "/*") {
		return path.Join(mount, strings.TrimSuffix(p, "/*")) + "/*"
	}
	return path.Join(mount, p)
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(slices.Clone(a), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Plugins returns the loaded plugins in load order.
func (r *Registry) Plugins() []Plugin { return slices.Clone(r.plugins) }

// Failures returns the plugins that could not be loaded.
func (r *Registry) Failures() []Failure { return slices.Clone(r.failures) }

// AuthPlugin looks up an authorization plugin by name.
func (r *Registry) AuthPlugin(name string) (AuthorizationPlugin, bool) {
	p, ok := r.auth[name]
	return p, ok
}

// ResourcePlugin looks up a resource plugin by name.
func (r *Registry) ResourcePlugin(name string) (ResourcePlugin, bool) {
	p, ok := r.resources[name]
	return p, ok
}

// AuthPlugins returns the authorization plugins sorted by name.
func (r *Registry) AuthPlugins() []AuthorizationPlugin {
	out := make([]AuthorizationPlugin, 0, len(r.auth))
	for _, name := range slices.Sorted(maps.Keys(r.auth)) {
		out = append(out, r.auth[name])
	}
	return out
}

// ResourcePlugins returns the resource plugins sorted by name.
func (r *Registry) ResourcePlugins() []ResourcePlugin {
	out := make([]ResourcePlugin, 0, len(r.resources))
	for _, name := range slices.Sorted(maps.Keys(r.resources)) {
		out = append(out, r.resources[name])
	}
	return out
}

// RouteProviders returns the route providers in load order.
func (r *Registry) RouteProviders() []RouteProvider { return slices.Clone(r.routes) }

// AllScopes maps every scope of every resource plugin to its description.
func (r *Registry) AllScopes() map[string]string { return maps.Clone(r.scopes) }

// AllAuthRequirements maps absolute paths to their accepted auth types.
func (r *Registry) AllAuthRequirements() map[string][]auth.AuthType {
	out := make(map[string][]auth.AuthType, len(r.requirements))
	for k, v := range r.requirements {
		out[k] = slices.Clone(v)
	}
	return out
}

// JWTPolicyScopes maps token policy names to the scopes they grant. The
// passkey and api policies grant every scope.
func (r *Registry) JWTPolicyScopes() map[string][]string {
	out := make(map[string][]string, len(r.policies))
	for k, v := range r.policies {
		out[k] = slices.Clone(v)
	}
	return out
}

// PolicyScopes returns the scopes of one token policy.
func (r *Registry) PolicyScopes(name string) []string {
	return slices.Clone(r.policies[name])
}

// Operations is the policy registry built from every operation provider.
func (r *Registry) Operations() *policy.Registry { return r.operations }

// ValidateScopes rejects scopes no resource plugin defines.
func (r *Registry) ValidateScopes(scopes []string) error {
	var unknown []string
	for _, s := range scopes {
		if _, ok := r.scopes[s]; !ok {
			unknown = append(unknown, s)
		}
	}
	if len(unknown) > 0 {
		return auth.InvalidRequest("Invalid scopes: "+strings.Join(unknown, ", "), nil)
	}
	return nil
}

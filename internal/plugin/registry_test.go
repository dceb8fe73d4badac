package plugin

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/policy"
)

type fakeAuth struct{ name, provider string }

func (f fakeAuth) Name() string     { return f.name }
func (f fakeAuth) Provider() string { return f.provider }
func (f fakeAuth) ValidateCredentials(context.Context, Credentials) (bool, error) {
	return true, nil
}
func (f fakeAuth) UserIdentifier(_ context.Context, c Credentials) (string, error) {
	return c.String("id"), nil
}
func (f fakeAuth) Serialize(c Credentials) (string, error) { return c.String("id"), nil }
func (f fakeAuth) Deserialize(raw string) (Credentials, error) {
	return Credentials{"id": raw}, nil
}

type fakeResource struct {
	name     string
	scopes   map[string]string
	mount    string
	reqs     map[string][]string
	policies map[string][]string
	ops      []policy.Operation
}

func (f *fakeResource) Name() string                          { return f.name }
func (f *fakeResource) Provider() string                      { return "fake" }
func (f *fakeResource) Scopes() map[string]string             { return f.scopes }
func (f *fakeResource) MountPath() string                     { return f.mount }
func (f *fakeResource) Routes(Deps) http.Handler              { return http.NotFoundHandler() }
func (f *fakeResource) AuthRequirements() map[string][]string { return f.reqs }
func (f *fakeResource) JWTPolicyScopes() map[string][]string  { return f.policies }
func (f *fakeResource) Operations() []policy.Operation        { return f.ops }

func factoryOf(p Plugin) Factory {
	return Factory{Name: p.Name(), New: func(context.Context) (Plugin, error) { return p, nil }}
}

func newFakeResource() *fakeResource {
	return &fakeResource{
		name:   "fake_graphql",
		scopes: map[string]string{"fake.read": "Read fake things", "fake.write": ""},
		mount:  "/fake/graphql",
		reqs: map[string][]string{
			"/playground": {"passkey"},
			"/*":          {"api", "passkey"},
		},
		policies: map[string][]string{"fake-read-only": {"fake.read"}},
		ops: []policy.Operation{
			{Key: "op1", Name: "Read", Category: policy.CategoryRead},
			{Key: "op2", Name: "Write", Category: policy.CategoryWrite},
		},
	}
}

func TestLoad_Aggregates(t *testing.T) {
	reg := Load(context.Background(), LoadOptions{},
		factoryOf(fakeAuth{name: "fake_cookie", provider: "fake"}),
		factoryOf(newFakeResource()),
	)
	require.Empty(t, reg.Failures())

	ap, ok := reg.AuthPlugin("fake_cookie")
	require.True(t, ok)
	assert.Equal(t, "fake", ap.Provider())
	_, ok = reg.AuthPlugin("fake_graphql")
	assert.False(t, ok)

	scopes := reg.AllScopes()
	assert.Equal(t, "Read fake things", scopes["fake.read"])
	assert.Equal(t, "Permission for fake.write", scopes["fake.write"])

	reqs := reg.AllAuthRequirements()
	assert.Equal(t, []auth.AuthType{auth.AuthTypeSession}, reqs["/fake/graphql/playground"])
	assert.Equal(t, []auth.AuthType{auth.AuthTypeOAuth2, auth.AuthTypeSession}, reqs["/fake/graphql/*"])

	policies := reg.JWTPolicyScopes()
	assert.Equal(t, []string{"fake.read", "fake.write"}, policies[auth.PolicyPasskey])
	assert.Equal(t, []string{"fake.read", "fake.write"}, policies[auth.PolicyAPI])
	assert.Equal(t, []string{"fake.read"}, policies["fake-read-only"])

	require.NotNil(t, reg.Operations())
	assert.Equal(t, []string{"op1", "op2"}, reg.Operations().Keys())
	assert.Len(t, reg.RouteProviders(), 1)
	assert.Len(t, reg.ResourcePlugins(), 1)
	assert.Len(t, reg.AuthPlugins(), 1)

	assert.NoError(t, reg.ValidateScopes([]string{"fake.read"}))
	err := reg.ValidateScopes([]string{"fake.read", "admin"})
	assert.ErrorIs(t, err, auth.ErrInvalidRequest)
	assert.Contains(t, auth.MessageOf(err), "admin")
}

func TestLoad_IsolatesFailures(t *testing.T) {
	panicking := Factory{Name: "panics", New: func(context.Context) (Plugin, error) {
		panic("nil map")
	}}
	failing := Factory{Name: "fails", New: func(context.Context) (Plugin, error) {
		return nil, errors.New("missing consumer key")
	}}
	badReqs := newFakeResource()
	badReqs.name = "bad_requirements"
	badReqs.ops = nil
	badReqs.reqs = map[string][]string{"/x": {"cookie"}}

	dupOps := newFakeResource()
	dupOps.name = "dup_ops"
	dupOps.reqs = nil

	reg := Load(context.Background(), LoadOptions{},
		panicking,
		newAuthFactory("fake_cookie"),
		failing,
		factoryOf(newFakeResource()),
		factoryOf(badReqs),
		factoryOf(dupOps),
		newAuthFactory("fake_cookie"),
	)

	var names []string
	for _, f := range reg.Failures() {
		names = append(names, f.Name)
		assert.Error(t, f.Err)
	}
	assert.Equal(t, []string{"panics", "fails", "bad_requirements", "dup_ops", "fake_cookie"}, names)

	_, ok := reg.AuthPlugin("fake_cookie")
	assert.True(t, ok, "first instance survives")
	_, ok = reg.ResourcePlugin("fake_graphql")
	assert.True(t, ok)
	_, ok = reg.ResourcePlugin("bad_requirements")
	assert.False(t, ok, "nothing of a failed plugin is registered")
	assert.NotContains(t, reg.AllAuthRequirements(), "/fake/graphql/x")
	assert.Equal(t, 2, reg.Operations().Len())
}

func newAuthFactory(name string) Factory {
	return factoryOf(fakeAuth{name: name, provider: "fake"})
}

func TestRegistry_EmptyDefaults(t *testing.T) {
	reg := Load(context.Background(), LoadOptions{})
	assert.Empty(t, reg.AllScopes())
	assert.Empty(t, reg.PolicyScopes(auth.PolicyPasskey))
	require.NotNil(t, reg.Operations())
	assert.Equal(t, 0, reg.Operations().Len())
}

func TestRegistry_ConcurrentReads(t *testing.T) {
	reg := Load(context.Background(), LoadOptions{}, factoryOf(newFakeResource()))
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = reg.AllScopes()
			_ = reg.JWTPolicyScopes()
			_, _ = reg.ResourcePlugin("fake_graphql")
			scopes := reg.PolicyScopes(auth.PolicyAPI)
			if len(scopes) > 0 {
				scopes[0] = "mutated"
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, "fake.read", reg.PolicyScopes(auth.PolicyAPI)[0])
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "/fake", joinPath("/fake", "/"))
	assert.Equal(t, "/fake/*", joinPath("/fake", "*"))
	assert.Equal(t, "/fake/a/*", joinPath("/fake", "a/*"))
	assert.Equal(t, "/fake/a", joinPath("/fake", "/a"))
}

func TestCredentialsDecode(t *testing.T) {
	var out struct {
		UserID string `json:"user_id"`
		Phone  string `json:"phone_number"`
	}
	require.NoError(t, Credentials{"user_id": 42, "phone_number": "+1"}.Decode(&out))
	assert.Equal(t, "42", out.UserID)
	assert.Equal(t, "+1", out.Phone)

	err := Credentials{"user_id": map[string]any{"x": 1}}.Decode(&out)
	assert.ErrorIs(t, err, auth.ErrMalformedCredential)
}

package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/config"
	proxymw "github.com/Account-Link/oauth3-tee-proxy-sub000/internal/middleware"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/plugin"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/policy"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/session"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/telemetry"
)

var _ scopeCatalog = (*plugin.Registry)(nil)

// RouterOptions controls the construction of the proxy HTTP router.
// Services left nil skip the routes that need them.
type RouterOptions struct {
	Cfg      *config.Config
	Logger   *zap.Logger
	Metrics  *telemetry.Metrics
	Sessions session.Store

	Authenticator proxymw.RequestAuthenticator
	// Refresher may be nil to disable passkey cookie refresh
	Refresher proxymw.TokenRefresher
	Tokens    tokenService
	Passkeys  passkeyService
	Accounts  accountService
	// Vault is handed to plugin routes
	Vault    plugin.Vault
	Policy   *policy.Engine
	Registry *plugin.Registry

	RateLimiter *proxymw.RateLimiter
	HTTPClient  *http.Client
	CORSOptions *cors.Options
	Middleware  []func(http.Handler) http.Handler

	HealthHandler http.HandlerFunc
	ExtraRoutes   func(chi.Router)
}

// DefaultCORSOptions returns the CORS policy for the given origins.
func DefaultCORSOptions(origins []string) cors.Options {
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	return cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Content-Type",
			"Authorization",
			"X-Requested-With",
		},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

func defaultHealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// settings are the config values the handlers read.
type settings struct {
	secureCookies    bool
	apiDefaultHours  int
	apiMaxHours      int
	refreshThreshold time.Duration
	origins          []string
	trustProxy       bool
}

func settingsFrom(cfg *config.Config) settings {
	s := settings{apiDefaultHours: 48, apiMaxHours: 720}
	if cfg == nil {
		return s
	}
	s.secureCookies = cfg.Server.IsProduction()
	if cfg.JWT.APIDefaultHours > 0 {
		s.apiDefaultHours = cfg.JWT.APIDefaultHours
	}
	if cfg.JWT.APIMaxHours > 0 {
		s.apiMaxHours = cfg.JWT.APIMaxHours
	}
	s.refreshThreshold = cfg.JWT.RefreshThreshold
	s.origins = cfg.Server.CORSOrigins
	s.trustProxy = cfg.Server.TrustProxy
	return s
}

// Requirements merges the core route requirements with the ones every
// route plugin declared.
func Requirements(reg *plugin.Registry) map[string][]auth.AuthType {
	reqs := proxymw.DefaultRequirements()
	if reg == nil {
		return reqs
	}
	for p, types := range reg.AllAuthRequirements() {
		reqs[p] = types
	}
	return reqs
}

// NewRouter assembles a chi.Router with the shared middleware, the core
// routes and every plugin router mounted at its path.
func NewRouter(opts RouterOptions) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := settingsFrom(opts.Cfg)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if cfg.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	corsCfg := DefaultCORSOptions(cfg.origins)
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))
	r.Use(opts.Metrics.Instrument)

	for _, mw := range opts.Middleware {
		if mw != nil {
			r.Use(mw)
		}
	}

	if opts.Sessions != nil {
		r.Use(proxymw.Session(opts.Sessions, logger))
	}
	if opts.Authenticator != nil {
		r.Use(proxymw.AuthMiddleware(proxymw.AuthOptions{
			Authenticator:    opts.Authenticator,
			Refresher:        opts.Refresher,
			RefreshThreshold: cfg.refreshThreshold,
			Requirements:     Requirements(opts.Registry),
			SecureCookies:    cfg.secureCookies,
			Logger:           logger,
		}))
	}

	healthHandler := opts.HealthHandler
	if healthHandler == nil {
		healthHandler = defaultHealthHandler
	}
	r.Get("/health", healthHandler)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	if opts.Passkeys != nil {
		r.Post("/webauthn/register/begin", HandleRegisterBegin(opts.Passkeys, logger))
		r.Post("/webauthn/register/complete", HandleRegisterComplete(opts.Passkeys, cfg.secureCookies, logger))
		r.Post("/webauthn/login/begin", HandleLoginBegin(opts.Passkeys, logger))
		r.Post("/webauthn/login/complete", HandleLoginComplete(opts.Passkeys, cfg.secureCookies, logger))
	}

	if opts.Tokens != nil {
		r.Post("/auth/logout", HandleLogout(opts.Tokens, cfg.secureCookies, logger))
		r.Post("/auth/revoke-all", HandleRevokeAll(opts.Tokens, logger))
		r.Get("/api/me", HandleMe())
		r.Route("/api/tokens", func(r chi.Router) {
			r.Get("/", HandleListTokens(opts.Tokens, logger))
			if opts.Registry != nil {
				r.Post("/", HandleCreateToken(opts.Tokens, opts.Registry, cfg, logger))
			}
			r.Delete("/{token_id}", HandleDeleteToken(opts.Tokens, logger))
		})
	}
	if opts.Registry != nil {
		r.Get("/api/scopes", HandleScopes(opts.Registry))
	}

	if opts.Accounts != nil {
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", HandleListAccounts(opts.Accounts, logger))
			r.Delete("/", HandleDeleteAccounts(opts.Accounts, logger))
			r.Delete("/{id}", HandleDeleteAccount(opts.Accounts, logger))
			r.Get("/{id}/policy", HandleGetPolicy(opts.Accounts, logger))
			r.Put("/{id}/policy", HandlePutPolicy(opts.Accounts, opts.Policy, logger))
		})
	}

	if opts.Policy != nil {
		r.Get("/policy/templates", HandlePolicyTemplates(opts.Policy))
		r.Get("/policy/operations", HandlePolicyOperations(opts.Policy.Registry()))
	}

	if opts.Registry != nil {
		MountPlugins(r, opts, logger)
	}

	if opts.ExtraRoutes != nil {
		opts.ExtraRoutes(r)
	}

	return r
}

// MountPlugins mounts every route provider of the registry. Plugin routes
// are the bearer API surface and run behind the rate limiter.
func MountPlugins(r chi.Router, opts RouterOptions, logger *zap.Logger) {
	deps := plugin.Deps{
		Logger:     logger,
		Vault:      opts.Vault,
		Policy:     opts.Policy,
		HTTPClient: opts.HTTPClient,
		Registry:   opts.Registry,
	}
	r.Group(func(r chi.Router) {
		if opts.RateLimiter != nil {
			r.Use(opts.RateLimiter.Handler)
		}
		for _, rp := range opts.Registry.RouteProviders() {
			mount := "/" + strings.Trim(rp.MountPath(), "/")
			logger.Debug("mounting plugin routes", zap.String("plugin", rp.Name()), zap.String("path", mount))
			r.Mount(mount, rp.Routes(deps))
		}
	})
}

// NewH2CHandler wraps the router with an h2c server to serve HTTP/2 over
// cleartext behind the TEE's TLS terminator.
func NewH2CHandler(opts RouterOptions) (http.Handler, error) {
	router := NewRouter(opts)
	return h2c.NewHandler(router, &http2.Server{}), nil
}

// requestLogger logs one line per request with zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("http request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

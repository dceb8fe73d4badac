package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/cmd/teeproxy/cmd/cmdutil"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/config"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/db/bunx"
	proxymw "github.com/Account-Link/oauth3-tee-proxy-sub000/internal/middleware"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/migrations"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/plugin"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/plugin/telegram"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/plugin/twitter"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/repository"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/server"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/iam"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/passkey"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/policy"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/token"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/vault"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/session"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	Long:  `Starts the HTTP server with the passkey, token, account and plugin routes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := telemetry.Init(ctx, cfg.Observability, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdownTracing(sctx); err != nil {
				logger.Warn("tracing shutdown failed", zap.Error(err))
			}
		}()

		db, err := cmdutil.OpenDB(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = bunx.Close(db) }()
		logger.Info("connected to database")

		if cfg.Database.AutoMigrate {
			group, err := migrations.Apply(ctx, db)
			if err != nil {
				return fmt.Errorf("failed to apply migrations: %w", err)
			}
			if !group.IsZero() {
				logger.Info("applied migrations", zap.String("group", group.String()))
			}
		}

		metrics := telemetry.NewMetrics()

		// Repositories
		userRepo := repository.NewBunUserRepository(db)
		tokenRepo := repository.NewBunTokenRepository(db)
		accountRepo := repository.NewBunCredentialAccountRepository(db)
		webauthnRepo := repository.NewBunWebAuthnCredentialRepository(db)

		signer, err := auth.NewTokenSigner([]byte(cfg.JWT.Secret))
		if err != nil {
			return fmt.Errorf("failed to create token signer: %w", err)
		}
		tokens := token.NewService(tokenRepo, userRepo, signer, token.Options{
			DefaultExpiry: cfg.JWT.DefaultExpiry,
			Logger:        logger.Named("token"),
			Metrics:       metrics,
		})

		reg := plugin.Load(ctx, plugin.LoadOptions{Logger: logger.Named("plugin"), Metrics: metrics}, pluginFactories(cfg)...)
		for _, f := range reg.Failures() {
			logger.Warn("plugin disabled", zap.String("plugin", f.Name), zap.Error(f.Err))
		}

		engine := policy.NewEngine(reg.Operations(), metrics)
		validator, err := policy.NewValidator(reg.Operations())
		if err != nil {
			return fmt.Errorf("failed to create policy validator: %w", err)
		}
		sealer, err := vault.NewSealer([]byte(cfg.Vault.Secret))
		if err != nil {
			return fmt.Errorf("failed to create credential sealer: %w", err)
		}
		vlt := vault.NewService(accountRepo, reg, engine, validator, sealer, vault.Options{Logger: logger.Named("vault")})

		store, closeStore, err := newSessionStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		ceremony, err := passkey.NewWebAuthnCeremony(cfg.WebAuthn)
		if err != nil {
			return fmt.Errorf("failed to configure webauthn: %w", err)
		}
		passkeys := passkey.NewService(userRepo, webauthnRepo, tokens, ceremony, passkey.Options{Logger: logger.Named("passkey")})

		// Bearer first so API clients never depend on a browser session
		authn := iam.NewService(logger.Named("iam"), metrics,
			iam.NewBearerAuthenticator(tokens),
			iam.NewSessionAuthenticator(userRepo, tokens, reg.PolicyScopes(auth.PolicyPasskey), logger.Named("iam")),
		)

		var limiter *proxymw.RateLimiter
		if cfg.RateLimit.RequestsPerSecond > 0 {
			limiter, err = proxymw.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, cfg.RateLimit.CacheSize, metrics)
			if err != nil {
				return fmt.Errorf("failed to create rate limiter: %w", err)
			}
		}

		handler, err := server.NewH2CHandler(server.RouterOptions{
			Cfg:           cfg,
			Logger:        logger,
			Metrics:       metrics,
			Sessions:      store,
			Authenticator: authn,
			Refresher:     tokens,
			Tokens:        tokens,
			Passkeys:      passkeys,
			Accounts:      vlt,
			Vault:         vlt,
			Policy:        engine,
			Registry:      reg,
			RateLimiter:   limiter,
		})
		if err != nil {
			return fmt.Errorf("failed to build router: %w", err)
		}

		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("starting server", zap.String("addr", cfg.Server.Addr), zap.String("url", cfg.Server.URL))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			purgeLoop(gctx, tokens, cfg.Server.PurgeInterval, cfg.Server.PurgeRetention)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down gracefully")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				_ = srv.Close()
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}
			logger.Info("server stopped")
			return nil
		})
		return g.Wait()
	},
}

func pluginFactories(cfg *config.Config) []plugin.Factory {
	factories := twitter.Factories(twitter.Config{
		BaseURL:        cfg.Twitter.BaseURL,
		APIBaseURL:     cfg.Twitter.APIBaseURL,
		ConsumerKey:    cfg.Twitter.ConsumerKey,
		ConsumerSecret: cfg.Twitter.ConsumerSecret,
		CallbackURL:    cfg.Server.URL + "/twitter/auth/oauth/callback",
		Timeout:        cfg.Twitter.Timeout,
		Logger:         logger.Named("twitter"),
	})
	return append(factories, telegram.Factory(telegram.Config{
		BridgeURL:  cfg.Telegram.BridgeURL,
		APIID:      cfg.Telegram.APIID,
		APIHash:    cfg.Telegram.APIHash,
		Timeout:    cfg.Telegram.Timeout,
		MaxRetries: cfg.Telegram.MaxRetries,
		Logger:     logger.Named("telegram"),
	}))
}

func newSessionStore(ctx context.Context, cfg *config.Config) (session.Store, func(), error) {
	opts := session.CookieOptions{
		MaxAge: int(cfg.Session.MaxAge / time.Second),
		Secure: cfg.Server.IsProduction(),
	}
	secret := []byte(cfg.Session.Secret)
	switch cfg.Session.Backend {
	case "redis":
		store, err := session.NewRedisStore(ctx, secret, session.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect session store: %w", err)
		}
		logger.Info("using redis session store", zap.String("addr", cfg.Redis.Addr))
		return store, func() { _ = store.Close() }, nil
	default:
		store, err := session.NewCookieStore(secret, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create session store: %w", err)
		}
		return store, func() {}, nil
	}
}

// purgeLoop deletes tokens that expired more than retention ago, every
// interval, until ctx ends. A non-positive interval disables it.
func purgeLoop(ctx context.Context, tokens *token.Service, interval, retention time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := tokens.PurgeExpired(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error("token purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("purged expired tokens", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

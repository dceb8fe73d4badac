package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// TEEPROXY_JWT_SECRET for jwt.secret.
const EnvPrefix = "TEEPROXY"

// MinSecretLength is the minimum length of every configured secret in bytes.
const MinSecretLength = 32

// Config holds the application configuration
type Config struct {
	// Enable debug logging
	Debug bool

	Server        ServerConfig
	Database      DatabaseConfig
	JWT           JWTConfig
	Session       SessionConfig
	Vault         VaultConfig
	Redis         RedisConfig
	Twitter       TwitterConfig
	Telegram      TelegramConfig
	WebAuthn      WebAuthnConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Bind address (host:port)
	Addr string
	// Public base URL, used for redirects and WebAuthn origins
	URL string
	// "development" or "production"; production marks cookies Secure
	Environment string
	// Allowed CORS origins
	CORSOrigins []string
	// Interval of the expired token cleanup loop; 0 disables it
	PurgeInterval time.Duration
	// Expired tokens older than this are deleted by the cleanup loop
	PurgeRetention time.Duration
	// Take the client address from X-Forwarded-For / X-Real-IP. Only enable
	// behind a reverse proxy that overwrites those headers.
	TrustProxy bool
}

// IsProduction reports whether the server runs with production cookie settings.
func (s ServerConfig) IsProduction() bool {
	return s.Environment == "production"
}

// DatabaseConfig selects PostgreSQL or SQLite by DSN.
type DatabaseConfig struct {
	URL            string
	MaxConnections int
	AutoMigrate    bool
}

// JWTConfig configures token signing and lifetimes.
type JWTConfig struct {
	Secret string
	// Lifetime of tokens issued without an explicit expiry
	DefaultExpiry time.Duration
	// Defaults and bounds for API tokens created from the dashboard
	APIDefaultHours int
	APIMaxHours     int
	// Passkey tokens expiring within this window are refreshed on response
	RefreshThreshold time.Duration
}

// SessionConfig configures the signed browser session.
type SessionConfig struct {
	// HMAC key for the session cookie
	Secret string
	// "cookie" keeps the session in the cookie, "redis" only stores its id there
	Backend string
	MaxAge  time.Duration
}

// VaultConfig holds the key material used to seal stored credentials.
type VaultConfig struct {
	Secret string
}

// RedisConfig is used when Session.Backend is "redis".
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// TwitterConfig holds the OAuth1 consumer and upstream settings.
type TwitterConfig struct {
	ConsumerKey    string
	ConsumerSecret string
	// Timeout of each upstream validation or proxy call
	Timeout time.Duration
	// Base URLs, overridable for tests
	BaseURL    string
	APIBaseURL string
}

// TelegramConfig points at the MTProto bridge used for Telegram accounts.
type TelegramConfig struct {
	BridgeURL  string
	APIID      string
	APIHash    string
	Timeout    time.Duration
	MaxRetries uint
}

// WebAuthnConfig describes the relying party.
type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

// RateLimitConfig bounds bearer API traffic per client.
type RateLimitConfig struct {
	// Requests per second; 0 disables the limiter
	RequestsPerSecond float64
	Burst             int
	// Number of client limiters kept in memory
	CacheSize int
}

// ObservabilityConfig configures OpenTelemetry tracing.
type ObservabilityConfig struct {
	OTLPEndpoint   string
	OTLPProtocol   string
	OTLPInsecure   bool
	ServiceName    string
	ServiceVersion string
	Environment    string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("server.addr", "localhost:8080")
	v.SetDefault("server.url", "http://localhost:8080")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.purge_interval", time.Hour)
	v.SetDefault("server.purge_retention", 7*24*time.Hour)
	v.SetDefault("server.trust_proxy", false)

	v.SetDefault("database.url", "teeproxy.db")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("jwt.default_expiry", 2*time.Hour)
	v.SetDefault("jwt.api_default_hours", 48)
	v.SetDefault("jwt.api_max_hours", 720)
	v.SetDefault("jwt.refresh_threshold", 30*time.Minute)

	v.SetDefault("session.backend", "cookie")
	v.SetDefault("session.max_age", 24*time.Hour)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("twitter.timeout", 10*time.Second)
	v.SetDefault("twitter.base_url", "https://twitter.com")
	v.SetDefault("twitter.api_base_url", "https://api.twitter.com")

	v.SetDefault("telegram.timeout", 10*time.Second)
	v.SetDefault("telegram.max_retries", 3)

	v.SetDefault("webauthn.rp_id", "localhost")
	v.SetDefault("webauthn.rp_display_name", "OAuth3 TEE Proxy")
	v.SetDefault("webauthn.rp_origins", []string{"http://localhost:8080"})

	v.SetDefault("rate_limit.requests_per_second", 10.0)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("rate_limit.cache_size", 10000)

	v.SetDefault("observability.otlp_protocol", "http/protobuf")
	v.SetDefault("observability.service_name", "teeproxy")
	v.SetDefault("observability.service_version", "dev")
	v.SetDefault("observability.environment", "development")
}

// Load reads configuration from the global viper instance: defaults, the
// config file if one was read, then TEEPROXY_* environment variables, which
// take precedence over the file.
func Load() (*Config, error) {
	return LoadWith(viper.GetViper())
}

// LoadWith reads configuration from v.
func LoadWith(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// Nested keys are read one by one: AutomaticEnv does not populate them
	// through Unmarshal when they only exist in the environment.
	cfg := &Config{
		Debug: v.GetBool("debug"),
		Server: ServerConfig{
			Addr:           v.GetString("server.addr"),
			URL:            v.GetString("server.url"),
			Environment:    v.GetString("server.environment"),
			CORSOrigins:    getStringSlice(v, "server.cors_origins"),
			PurgeInterval:  v.GetDuration("server.purge_interval"),
			PurgeRetention: v.GetDuration("server.purge_retention"),
			TrustProxy:     v.GetBool("server.trust_proxy"),
		},
		Database: DatabaseConfig{
			URL:            v.GetString("database.url"),
			MaxConnections: v.GetInt("database.max_connections"),
			AutoMigrate:    v.GetBool("database.auto_migrate"),
		},
		JWT: JWTConfig{
			Secret:           v.GetString("jwt.secret"),
			DefaultExpiry:    v.GetDuration("jwt.default_expiry"),
			APIDefaultHours:  v.GetInt("jwt.api_default_hours"),
			APIMaxHours:      v.GetInt("jwt.api_max_hours"),
			RefreshThreshold: v.GetDuration("jwt.refresh_threshold"),
		},
		Session: SessionConfig{
			Secret:  v.GetString("session.secret"),
			Backend: v.GetString("session.backend"),
			MaxAge:  v.GetDuration("session.max_age"),
		},
		Vault: VaultConfig{
			Secret: v.GetString("vault.secret"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Twitter: TwitterConfig{
			ConsumerKey:    v.GetString("twitter.consumer_key"),
			ConsumerSecret: v.GetString("twitter.consumer_secret"),
			Timeout:        v.GetDuration("twitter.timeout"),
			BaseURL:        v.GetString("twitter.base_url"),
			APIBaseURL:     v.GetString("twitter.api_base_url"),
		},
		Telegram: TelegramConfig{
			BridgeURL:  v.GetString("telegram.bridge_url"),
			APIID:      v.GetString("telegram.api_id"),
			APIHash:    v.GetString("telegram.api_hash"),
			Timeout:    v.GetDuration("telegram.timeout"),
			MaxRetries: v.GetUint("telegram.max_retries"),
		},
		WebAuthn: WebAuthnConfig{
			RPID:          v.GetString("webauthn.rp_id"),
			RPDisplayName: v.GetString("webauthn.rp_display_name"),
			RPOrigins:     getStringSlice(v, "webauthn.rp_origins"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: v.GetFloat64("rate_limit.requests_per_second"),
			Burst:             v.GetInt("rate_limit.burst"),
			CacheSize:         v.GetInt("rate_limit.cache_size"),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint:   v.GetString("observability.otlp_endpoint"),
			OTLPProtocol:   v.GetString("observability.otlp_protocol"),
			OTLPInsecure:   v.GetBool("observability.otlp_insecure"),
			ServiceName:    v.GetString("observability.service_name"),
			ServiceVersion: v.GetString("observability.service_version"),
			Environment:    v.GetString("observability.environment"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required keys and bounds.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (env: %s_DATABASE_URL)", EnvPrefix)
	}
	secrets := []struct {
		key   string
		value string
	}{
		{"jwt.secret", c.JWT.Secret},
		{"session.secret", c.Session.Secret},
		{"vault.secret", c.Vault.Secret},
	}
	for _, s := range secrets {
		if s.value == "" {
			return fmt.Errorf("%s is required (env: %s)", s.key, envName(s.key))
		}
		if len(s.value) < MinSecretLength {
			return fmt.Errorf("%s must be at least %d bytes", s.key, MinSecretLength)
		}
	}
	switch c.Session.Backend {
	case "cookie", "redis":
	default:
		return fmt.Errorf("session.backend must be \"cookie\" or \"redis\", got %q", c.Session.Backend)
	}
	switch c.Server.Environment {
	case "development", "production":
	default:
		return fmt.Errorf("server.environment must be \"development\" or \"production\", got %q", c.Server.Environment)
	}
	if c.JWT.APIMaxHours < 1 {
		return fmt.Errorf("jwt.api_max_hours must be at least 1")
	}
	if c.JWT.APIDefaultHours < 1 || c.JWT.APIDefaultHours > c.JWT.APIMaxHours {
		return fmt.Errorf("jwt.api_default_hours must be between 1 and %d", c.JWT.APIMaxHours)
	}
	return nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
}

// getStringSlice accepts both YAML lists and comma separated env values.
func getStringSlice(v *viper.Viper, key string) []string {
	raw := v.GetStringSlice(key)
	var out []string
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

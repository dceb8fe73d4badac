package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/redis/go-redis/v9"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/auth"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

const keyPrefix = "teeproxy:session:"

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore keeps values in Redis; the cookie carries only the signed
// session id, so sessions can be shared by several proxy instances.
type RedisStore struct {
	client redis.UniversalClient
	codec  *securecookie.SecureCookie
	opts   CookieOptions
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, secret []byte, ropts RedisOptions, opts CookieOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         ropts.Addr,
		Password:     ropts.Password,
		DB:           ropts.DB,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	store, err := NewRedisStoreWithClient(client, secret, opts)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

// NewRedisStoreWithClient wraps an existing client (used in tests with miniredis).
func NewRedisStoreWithClient(client redis.UniversalClient, secret []byte, opts CookieOptions) (*RedisStore, error) {
	hashKey, _, err := deriveKeys(secret)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	codec := securecookie.New(hashKey, nil)
	codec.MaxAge(opts.MaxAge)
	return &RedisStore{client: client, codec: codec, opts: opts}, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Load resolves the session id from the cookie and fetches its values.
// Unknown or unsigned ids yield a new empty session.
func (s *RedisStore) Load(r *http.Request) (*Session, error) {
	c, err := r.Cookie(s.opts.Name)
	if err != nil || c.Value == "" {
		return New(), nil
	}
	var id string
	if err := s.codec.Decode(s.opts.Name, c.Value, &id); err != nil {
		return New(), nil
	}

	raw, err := s.client.Get(r.Context(), keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	values := map[string]string{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return New(), nil
	}
	return &Session{ID: id, values: values}, nil
}

// Save writes the values with the cookie max age as TTL. An emptied session
// is deleted and its cookie expired.
func (s *RedisStore) Save(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if !sess.Modified() {
		return nil
	}
	if sess.IsEmpty() {
		if sess.ID != "" {
			if err := s.client.Del(ctx, keyPrefix+sess.ID).Err(); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
		}
		http.SetCookie(w, s.opts.expired())
		return nil
	}

	if sess.ID == "" {
		id, err := auth.GenerateRandomID()
		if err != nil {
			return err
		}
		sess.ID = id
	}
	raw, err := json.Marshal(sess.values)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ttl := time.Duration(s.opts.MaxAge) * time.Second
	if err := s.client.Set(ctx, keyPrefix+sess.ID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}

	encoded, err := s.codec.Encode(s.opts.Name, sess.ID)
	if err != nil {
		return fmt.Errorf("encode session id: %w", err)
	}
	http.SetCookie(w, s.opts.cookie(encoded))
	sess.modified = false
	sess.isNew = false
	return nil
}

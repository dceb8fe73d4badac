// Package session keeps the signed browser session that backs SESSION
// authentication and the WebAuthn ceremonies.
package session

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"maps"
	"net/http"

	"golang.org/x/crypto/hkdf"
)

// Well-known session keys.
const (
	KeyUserID               = "user_id"
	KeyWebAuthnRegistration = "webauthn_registration"
	KeyWebAuthnLogin        = "webauthn_login"
)

// Session is the mutable per-request view of the stored values. Changes are
// persisted by Store.Save when the response is committed.
type Session struct {
	ID       string
	values   map[string]string
	modified bool
	isNew    bool
}

// New returns an empty, unsaved session.
func New() *Session {
	return &Session{values: map[string]string{}, isNew: true}
}

// Get returns the value for key or "".
func (s *Session) Get(key string) string {
	if s == nil {
		return ""
	}
	return s.values[key]
}

// Set stores a value.
func (s *Session) Set(key, value string) {
	if s.values[key] == value {
		return
	}
	s.values[key] = value
	s.modified = true
}

// Delete removes a value if present.
func (s *Session) Delete(key string) {
	if _, ok := s.values[key]; !ok {
		return
	}
	delete(s.values, key)
	s.modified = true
}

// Clear removes every value; the store drops the session on save.
func (s *Session) Clear() {
	if len(s.values) == 0 {
		return
	}
	s.values = map[string]string{}
	s.modified = true
}

// Modified reports whether Save has anything to write.
func (s *Session) Modified() bool {
	return s != nil && s.modified
}

// IsEmpty reports whether the session holds no values.
func (s *Session) IsEmpty() bool {
	return s == nil || len(s.values) == 0
}

// IsNew reports whether the session has never been saved.
func (s *Session) IsNew() bool {
	return s == nil || s.isNew
}

// Values returns a copy of the stored values.
func (s *Session) Values() map[string]string {
	return maps.Clone(s.values)
}

// Store loads and saves sessions.
type Store interface {
	// Load returns the request's session, or a new empty one when the
	// request carries none or an invalid one.
	Load(r *http.Request) (*Session, error)
	// Save persists a modified session and writes its cookie.
	Save(ctx context.Context, w http.ResponseWriter, s *Session) error
}

type contextKey struct{}

// WithSession attaches s to ctx.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the request session or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(contextKey{}).(*Session)
	return s
}

// CookieOptions configures the session cookie.
type CookieOptions struct {
	Name   string
	Path   string
	MaxAge int // seconds
	Secure bool
}

func (o CookieOptions) withDefaults() CookieOptions {
	if o.Name == "" {
		o.Name = "teeproxy.session"
	}
	if o.Path == "" {
		o.Path = "/"
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 86400
	}
	return o
}

func (o CookieOptions) cookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     o.Name,
		Value:    value,
		Path:     o.Path,
		MaxAge:   o.MaxAge,
		HttpOnly: true,
		Secure:   o.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (o CookieOptions) expired() *http.Cookie {
	c := o.cookie("")
	c.MaxAge = -1
	return c
}

// deriveKeys expands the configured secret into the signing and encryption
// keys used by securecookie.
func deriveKeys(secret []byte) (hashKey, blockKey []byte, err error) {
	if len(secret) == 0 {
		return nil, nil, fmt.Errorf("session secret is required")
	}
	r := hkdf.New(sha256.New, secret, nil, []byte("teeproxy session cookie"))
	hashKey = make([]byte, 64)
	blockKey = make([]byte, 32)
	if _, err := io.ReadFull(r, hashKey); err != nil {
		return nil, nil, fmt.Errorf("derive session hash key: %w", err)
	}
	if _, err := io.ReadFull(r, blockKey); err != nil {
		return nil, nil, fmt.Errorf("derive session block key: %w", err)
	}
	return hashKey, blockKey, nil
}

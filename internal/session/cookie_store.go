package session

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/securecookie"
)

// CookieStore keeps all values in a signed and encrypted cookie.
type CookieStore struct {
	codec *securecookie.SecureCookie
	opts  CookieOptions
}

// NewCookieStore derives the cookie keys from secret.
func NewCookieStore(secret []byte, opts CookieOptions) (*CookieStore, error) {
	hashKey, blockKey, err := deriveKeys(secret)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	codec := securecookie.New(hashKey, blockKey)
	codec.MaxAge(opts.MaxAge)
	return &CookieStore{codec: codec, opts: opts}, nil
}

// Load decodes the session cookie. A tampered or expired cookie yields a new
// empty session rather than an error.
func (s *CookieStore) Load(r *http.Request) (*Session, error) {
	c, err := r.Cookie(s.opts.Name)
	if err != nil || c.Value == "" {
		return New(), nil
	}
	values := map[string]string{}
	if err := s.codec.Decode(s.opts.Name, c.Value, &values); err != nil {
		return New(), nil
	}
	return &Session{values: values}, nil
}

// Save rewrites the cookie when the session changed, or expires it when
// the session was emptied.
func (s *CookieStore) Save(_ context.Context, w http.ResponseWriter, sess *Session) error {
	if !sess.Modified() {
		return nil
	}
	if sess.IsEmpty() {
		http.SetCookie(w, s.opts.expired())
		return nil
	}
	encoded, err := s.codec.Encode(s.opts.Name, sess.values)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	http.SetCookie(w, s.opts.cookie(encoded))
	sess.modified = false
	return nil
}

package bunx

import "github.com/google/uuid"

// NewUUIDv7 generates a time-ordered UUIDv7 string for row primary keys.
// Panics only if the entropy source fails.
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewTokenID returns a random UUIDv4 used as the jti of issued tokens.
// Token ids must not be guessable from issue time, so v7 is not used here.
func NewTokenID() string {
	return uuid.NewString()
}

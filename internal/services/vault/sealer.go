package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const keyInfo = "teeproxy credential vault v1"

// Sealer encrypts credential blobs at rest with XChaCha20-Poly1305. The
// additional data binds each ciphertext to its (provider, identity) so a
// blob cannot be moved to another account row.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the vault key from secret with HKDF-SHA256.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, errors.New("vault secret is required")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create vault cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

func additionalData(provider, identity string) []byte {
	return []byte(provider + "\x00" + identity)
}

// Seal returns base64(nonce || ciphertext).
func (s *Sealer) Seal(provider, identity string, plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, plaintext, additionalData(provider, identity))
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. A wrong key, tampered blob or mismatched account all
// fail authentication.
func (s *Sealer) Open(provider, identity, sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decode sealed credential: %w", err)
	}
	if len(raw) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, errors.New("sealed credential too short")
	}
	nonce, ct := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ct, additionalData(provider, identity))
	if err != nil {
		return nil, fmt.Errorf("open sealed credential: %w", err)
	}
	return plain, nil
}

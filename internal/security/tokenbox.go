// Package security holds the cryptographic capabilities the server
// consumes: an AEAD box for reconnection tokens and a JWT verifier
// usable as the default authenticate hook.
package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// TokenCipher is the encrypt/decrypt capability the reconnection
// protocol depends on. Implementations must produce opaque,
// integrity-protected strings.
type TokenCipher interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(token string) ([]byte, error)
}

var (
	ErrBadKeySize  = errors.New("security: key must be 32 bytes")
	ErrBadToken    = errors.New("security: token malformed or tampered")
	ErrShortRandom = errors.New("security: random source exhausted")
)

// AEADTokenBox seals tokens with XChaCha20-Poly1305. The extended
// nonce lets us draw nonces from crypto/rand without bookkeeping.
type AEADTokenBox struct {
	key []byte
}

func NewAEADTokenBox(key []byte) (*AEADTokenBox, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrBadKeySize
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &AEADTokenBox{key: k}, nil
}

func (b *AEADTokenBox) Encrypt(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("build aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", ErrShortRandom
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (b *AEADTokenBox) Decrypt(token string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrBadToken
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, fmt.Errorf("build aead: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return nil, ErrBadToken
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrBadToken
	}
	return plain, nil
}

// RandomToken returns n random bytes base64-encoded, used for the
// padding fields inside reconnection token plaintext.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", ErrShortRandom
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

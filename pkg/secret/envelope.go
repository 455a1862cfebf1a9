// Package secret implements the symmetric encryption envelope protecting
// backend server arguments, environment variables, and headers at rest.
//
// Tokens are XChaCha20-Poly1305 sealed and laid out as
// version || nonce || ciphertext||tag, base64-encoded for text columns.
// The key is loaded once at process startup from MCP_ENCRYPTION_KEY;
// losing it renders encrypted fields unrecoverable.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/fnf-ea/mcp-orch/internal/config"
)

var Module = fx.Module("secret",
	fx.Provide(func(cfg *config.Config) (*Envelope, error) {
		return NewEnvelope(cfg.EncryptionKey)
	}),
)

// tokenVersion is the only envelope layout currently written. Unknown
// versions on decrypt are rejected so future layouts can coexist.
const tokenVersion byte = 0x01

var (
	ErrKeyNotConfigured = errors.New("encryption key not configured")
	ErrDecryptFailed    = errors.New("failed to decrypt token")
)

// Envelope is the process-wide AEAD used on the store boundary. It holds
// no locks; Seal and Open are safe for concurrent use.
type Envelope struct {
	key [chacha20poly1305.KeySize]byte
}

// NewEnvelope derives the AEAD key from the configured key material.
// A standard-base64 string decoding to exactly 32 bytes is used directly;
// anything else is hashed with SHA-256 so operators can supply passphrases.
func NewEnvelope(key string) (*Envelope, error) {
	if key == "" {
		return nil, ErrKeyNotConfigured
	}

	e := &Envelope{}
	if raw, err := base64.StdEncoding.DecodeString(key); err == nil && len(raw) == chacha20poly1305.KeySize {
		copy(e.key[:], raw)
	} else {
		e.key = sha256.Sum256([]byte(key))
	}
	return e, nil
}

// Seal encrypts plaintext into a text-safe token with a fresh random nonce.
func (e *Envelope) Seal(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(e.key[:])
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	buf := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	buf[0] = tokenVersion
	if _, err := rand.Read(buf[1 : 1+aead.NonceSize()]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(buf, buf[1:1+aead.NonceSize()], plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a token produced by Seal. Tampered ciphertext, a wrong
// key, and unknown versions all return ErrDecryptFailed; key material is
// never part of the error.
func (e *Envelope) Open(token string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed encoding", ErrDecryptFailed)
	}

	aead, err := chacha20poly1305.NewX(e.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	if len(raw) < 1+aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: token too short", ErrDecryptFailed)
	}
	if raw[0] != tokenVersion {
		return nil, fmt.Errorf("%w: unknown token version %d", ErrDecryptFailed, raw[0])
	}

	nonce := raw[1 : 1+aead.NonceSize()]
	ciphertext := raw[1+aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

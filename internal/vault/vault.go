// Package vault seals credential payloads with AES-256-GCM. The key comes
// either directly as 32 bytes or is derived from a passphrase with
// PBKDF2-HMAC-SHA256. Ciphertext travels as base64url so it stores cleanly
// in a TEXT column.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// Iterations matches the records already written by earlier deploys;
	// changing it would orphan every stored credential.
	Iterations = 100_000
)

// derivationSalt is fixed so the same passphrase always yields the same
// key. Per-record salts would be stronger but the stored records carry no
// salt field.
var derivationSalt = []byte("almudeer-credential-store")

// Vault encrypts and decrypts credential payloads.
type Vault struct {
	aead cipher.AEAD
}

// New builds a vault from the ENCRYPTION_KEY value: a 32-byte string is
// used as the key directly, anything else is treated as a passphrase and
// stretched with PBKDF2.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("vault: empty encryption key")
	}
	key := []byte(secret)
	if len(key) != KeySize {
		key = pbkdf2.Key(key, derivationSalt, Iterations, KeySize, sha256.New)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: new gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64url(nonce || ciphertext).
// Empty input passes through unchanged so absent credentials stay absent.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Records written before
// encryption was enabled were stored as plain base64; when authenticated
// decryption fails the legacy form is tried before giving up.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		// Legacy rows may use standard base64 alphabet.
		raw, err = base64.StdEncoding.DecodeString(ciphertext)
		if err != nil {
			return "", fmt.Errorf("vault: decode: %w", err)
		}
	}
	if len(raw) > v.aead.NonceSize() {
		nonce, sealed := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
		if plain, err := v.aead.Open(nil, nonce, sealed, nil); err == nil {
			return string(plain), nil
		}
	}
	// Legacy fallback: the base64 round-trip era stored the payload bare.
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	return "", fmt.Errorf("vault: unreadable ciphertext")
}

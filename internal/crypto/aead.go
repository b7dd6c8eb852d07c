package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/hubmcp/hubbridge/internal/errx"
)

const (
	// kdfIterations is the PBKDF2 work factor for deriving the AEAD key
	// from system key material. Derivation happens once per key load, not
	// per operation.
	kdfIterations = 100_000

	aeadKeyLen  = 32 // AES-256
	saltLen     = 32
	keyMaterial = 32
)

// Cipher performs authenticated encryption for hub access tokens. The
// underlying key is derived from a system key value and a per-install salt,
// so ciphertexts from one install are unreadable on another even if the key
// value leaks.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 256-bit key from the given key material and salt and
// returns a ready AEAD cipher.
func NewCipher(material, salt []byte) (*Cipher, error) {
	if len(material) == 0 {
		return nil, errx.New(errx.KindCrypto, "empty key material")
	}
	if len(salt) == 0 {
		return nil, errx.New(errx.KindCrypto, "empty key salt")
	}
	key := pbkdf2.Key(material, salt, kdfIterations, aeadKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errx.Wrap(err, errx.KindCrypto, "cipher init failed")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errx.Wrap(err, errx.KindCrypto, "gcm init failed")
	}
	Zero(key)
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce. The returned string is
// base64url(nonce || ciphertext || tag) and is what gets stored at rest.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errx.Wrap(err, errx.KindCrypto, "nonce generation failed")
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any tampering, truncation,
// or wrong-key condition fails with a crypto error; callers must treat the
// credential as lost rather than retry with a different key.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errx.Wrap(err, errx.KindCrypto, "ciphertext encoding invalid")
	}
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errx.New(errx.KindCrypto, "ciphertext truncated")
	}
	plaintext, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, errx.Wrap(err, errx.KindCrypto, "authenticated decryption failed")
	}
	return plaintext, nil
}

// GenerateKeyMaterial returns fresh random key material for a system key,
// base64url-encoded for storage.
func GenerateKeyMaterial() (string, error) {
	buf := make([]byte, keyMaterial)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", errx.Wrap(err, errx.KindCrypto, "key generation failed")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateSalt returns a fresh per-install salt, base64url-encoded.
func GenerateSalt() (string, error) {
	buf := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", errx.Wrap(err, errx.KindCrypto, "salt generation failed")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DecodeKey decodes a stored key value or salt back to raw bytes.
func DecodeKey(encoded string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errx.Wrap(err, errx.KindCrypto, "stored key encoding invalid")
	}
	return raw, nil
}

// Zero overwrites b so decrypted credentials do not linger in memory longer
// than needed. Best effort only.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

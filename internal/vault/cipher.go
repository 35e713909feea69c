// Package vault seals third-party provider credentials at rest and is the
// only place in genflow that decrypts them.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrAuthenticationFailed = errors.New("credential authentication failed")
	ErrMissingCredential    = errors.New("credential not found")
	ErrInvalidKey           = errors.New("invalid vault key")
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

var (
	hkdfSalt = []byte("genflow-vault-v1")
	hkdfInfo = []byte("credential-encryption")
)

// Sealed is the persisted output of Encrypt. The tag is kept apart from the
// ciphertext so it can be stored in its own column.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
}

// DeriveKey turns the configured master key into 32 key bytes. A 64-char hex
// string or a base64 string of 32 bytes is used verbatim; anything else is
// treated as a passphrase and stretched with HKDF-SHA256.
func DeriveKey(master string) ([]byte, error) {
	if master == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(master) == 2*KeySize {
		if k, err := hex.DecodeString(master); err == nil {
			return k, nil
		}
	}
	if k, err := base64.StdEncoding.DecodeString(master); err == nil && len(k) == KeySize {
		return k, nil
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(master), hkdfSalt, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Cipher is AES-256-GCM with a fresh random nonce per call.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(masterKey string) (*Cipher, error) {
	key, err := DeriveKey(masterKey)
	if err != nil {
		return nil, err
	}
	return newCipherFromKey(key)
}

func newCipherFromKey(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext. aad binds the ciphertext to its owner (user and
// provider) so a row copied to another owner fails to open.
func (c *Cipher) Encrypt(plaintext, aad []byte) (Sealed, error) {
	iv := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Sealed{}, fmt.Errorf("generate iv: %w", err)
	}
	out := c.aead.Seal(nil, iv, plaintext, aad)
	split := len(out) - TagSize
	return Sealed{
		Ciphertext: out[:split:split],
		IV:         iv,
		AuthTag:    out[split:],
	}, nil
}

// Decrypt opens s. Any mismatch of key, IV, tag, ciphertext or aad returns
// ErrAuthenticationFailed and no plaintext.
func (c *Cipher) Decrypt(s Sealed, aad []byte) (Secret, error) {
	if len(s.IV) != NonceSize || len(s.AuthTag) != TagSize {
		return Secret{}, ErrAuthenticationFailed
	}
	buf := make([]byte, 0, len(s.Ciphertext)+TagSize)
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.AuthTag...)
	plain, err := c.aead.Open(nil, s.IV, buf, aad)
	if err != nil {
		return Secret{}, ErrAuthenticationFailed
	}
	return Secret{value: plain}, nil
}

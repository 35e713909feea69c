package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// ErrLegacyDecrypt covers every way a legacy record can fail to open. CBC has
// no tag, so a bad key usually shows up as bad padding.
var ErrLegacyDecrypt = errors.New("legacy credential could not be decrypted")

// LegacyCipher reads credentials written by the previous AES-256-CBC/PKCS#7
// scheme. It exists only to feed the migrator.
type LegacyCipher struct {
	block cipher.Block
}

func NewLegacyCipher(legacyKey string) (*LegacyCipher, error) {
	key, err := DeriveKey(legacyKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &LegacyCipher{block: block}, nil
}

func (l *LegacyCipher) Decrypt(ciphertext, iv []byte) ([]byte, error) {
	bs := l.block.BlockSize()
	if len(iv) != bs || len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, ErrLegacyDecrypt
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(l.block, iv).CryptBlocks(plain, ciphertext)

	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > bs || pad > len(plain) {
		return nil, ErrLegacyDecrypt
	}
	if !bytes.Equal(plain[len(plain)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return nil, ErrLegacyDecrypt
	}
	return plain[:len(plain)-pad], nil
}

// Encrypt writes a record in the legacy format. Used to build fixtures.
func (l *LegacyCipher) Encrypt(plaintext []byte) (ciphertext, iv []byte, err error) {
	bs := l.block.BlockSize()
	iv = make([]byte, bs)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}
	pad := bs - len(plaintext)%bs
	padded := append(append([]byte(nil), plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(l.block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, iv, nil
}

package vault

import (
	"log/slog"
)

const redacted = "[REDACTED]"

// Secret holds decrypted credential material. Every formatting and encoding
// path prints a placeholder; only Reveal exposes the value.
type Secret struct {
	value []byte
}

func NewSecret(plaintext string) Secret {
	return Secret{value: []byte(plaintext)}
}

// Reveal returns the plaintext. Call it at the provider boundary only.
func (s Secret) Reveal() string {
	return string(s.value)
}

func (s Secret) IsZero() bool {
	return len(s.value) == 0
}

// Wipe zeroes the backing buffer. Copies made by Reveal are not affected.
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}

func (s Secret) String() string               { return redacted }
func (s Secret) GoString() string             { return redacted }
func (s Secret) LogValue() slog.Value         { return slog.StringValue(redacted) }
func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Package failure prepares step errors for storage: messages are stripped of
// credentials before they reach the workflow record, and fingerprinted so
// recurring provider failures can be grouped in logs.
package failure

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageBytes caps the stored failure message.
const MaxMessageBytes = 500

const redacted = "[REDACTED]"

// Credential shapes providers are known to echo back in error bodies.
var (
	reBearer   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	reKeyParam = regexp.MustCompile(`(?i)([?&](?:key|api_key|access_token)=)[^&\s"']+`)
	reAPIKey   = regexp.MustCompile(`\b(?:sk-[A-Za-z0-9_-]{8,}|AIza[0-9A-Za-z_-]{20,}|gfk_[0-9a-f]{8,})`)
)

// Normalization for fingerprints.
var (
	reDatetime   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?`)
	reHexAddr    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reUUID       = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reNumber     = regexp.MustCompile(`\b\d+(\.\d+)?(ms|s|m)?\b`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

// Sanitize redacts credentials, collapses whitespace and caps the length of
// msg without splitting a UTF-8 rune.
func Sanitize(msg string) string {
	msg = reBearer.ReplaceAllString(msg, "Bearer "+redacted)
	msg = reKeyParam.ReplaceAllString(msg, "${1}"+redacted)
	msg = reAPIKey.ReplaceAllString(msg, redacted)
	msg = reWhitespace.ReplaceAllString(msg, " ")
	return truncate(strings.TrimSpace(msg), MaxMessageBytes)
}

// Normalize reduces msg to its shape: timestamps, ids and numbers are
// replaced, whitespace collapsed and case folded.
func Normalize(msg string) string {
	msg = Sanitize(msg)
	msg = reDatetime.ReplaceAllString(msg, "TIME")
	msg = reHexAddr.ReplaceAllString(msg, "0xADDR")
	msg = reUUID.ReplaceAllString(msg, "UUID")
	msg = reNumber.ReplaceAllString(msg, "N")
	return strings.ToLower(msg)
}

// Fingerprint is a short stable hash of the normalized message.
func Fingerprint(msg string) string {
	sum := sha256.Sum256([]byte(Normalize(msg)))
	return fmt.Sprintf("%x", sum[:8])
}

func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}

// Package idgen generates random identifiers from crypto/rand.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// randomBytes fills n bytes from the system CSPRNG. crypto/rand failing
// means the host is unusable, so this panics rather than propagating.
func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}

// New returns a 128-bit random ID in the dashed 8-4-4-4-12 hex layout.
func New() string {
	s := hex.EncodeToString(randomBytes(16))
	return s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32]
}

// WithPrefix returns prefix + 24 hex chars, e.g. "ses_", "vio_", "evt_".
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(randomBytes(12))
}

// Hex returns a random hex string covering numBytes of entropy.
func Hex(numBytes int) string {
	return hex.EncodeToString(randomBytes(numBytes))
}

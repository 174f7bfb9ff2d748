package token

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Fingerprint is the storage key derived from a bearer value. The value itself
// is never persisted.
func Fingerprint(value string) string {
	sum := blake3.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

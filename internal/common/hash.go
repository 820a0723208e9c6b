package common

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sha256Hex digests input with SHA-256 and returns the lowercase hex form.
// Used for webhook replay keys and idempotency keys so raw client material
// never lands in Redis.
func Sha256Hex(input string) string {
	digest := sha256.Sum256([]byte(input))
	return hex.EncodeToString(digest[:])
}

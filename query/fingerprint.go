package query

import (
	"crypto/sha1"
	"encoding/hex"
)

// Fingerprint returns the stable 40-hex-character digest of canonicalSQL.
// Callers must pass already-canonicalised text: two logically equivalent
// queries must reach this function with identical text for the fingerprint
// to agree.
func Fingerprint(canonicalSQL string) string {
	sum := sha1.Sum([]byte(canonicalSQL))
	return hex.EncodeToString(sum[:])
}

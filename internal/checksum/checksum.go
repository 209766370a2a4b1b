// Package checksum provides the digests used for change detection.
package checksum

import (
	"crypto/sha1" //nolint:gosec // content addressing, not security
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of data.
// Used for node content digests.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ResultHash returns the base64-encoded SHA-1 digest of a serialized query result.
func ResultHash(data []byte) string {
	h := sha1.Sum(data) //nolint:gosec
	return base64.StdEncoding.EncodeToString(h[:])
}

// PathHash returns a filename-safe digest of s (URL-safe base64, no padding).
func PathHash(s string) string {
	h := sha1.Sum([]byte(s)) //nolint:gosec
	return base64.RawURLEncoding.EncodeToString(h[:])
}

package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentDigest returns the hex SHA-256 of a response body. Used as the content identity of stored assets.
func ContentDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// ShortDigest truncates a digest for use as a filename stem.
func ShortDigest(digest string) string {
	if len(digest) > 16 {
		return digest[:16]
	}
	return digest
}

// Package gmid derives the Global Media Id used to bind filesystem
// objects, registry records, and vector points together.
package gmid

import (
	"crypto/sha256"
	"encoding/hex"
)

// Length is the number of hex characters in a GMID.
const Length = 32

// FromBytes derives a GMID from the raw content of a media file.
//
// It is the first 32 hex characters (16 bytes) of the SHA-256 digest
// of the content. Identical bytes always produce the same GMID;
// distinct content colliding is cryptographically negligible.
func FromBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])[:Length]
}

// Valid reports whether s looks like a well-formed GMID.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

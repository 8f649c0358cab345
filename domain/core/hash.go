package core

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// Hash is the fixed-length digest of a record's identity summary.
type Hash string

// Digest hashes a canonical summary. SHA-1 rendered as upper-case hex, so
// the value is stable across processes and releases.
func Digest(summary string) Hash {
	sum := sha1.Sum([]byte(summary))
	return Hash(strings.ToUpper(hex.EncodeToString(sum[:])))
}

// String returns the string representation
func (h Hash) String() string {
	return string(h)
}

// IsEmpty checks if the hash is empty
func (h Hash) IsEmpty() bool {
	return h == ""
}

// Strings converts a slice of hashes for drivers that want []string.
func Strings(hashes []Hash) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = string(h)
	}
	return out
}

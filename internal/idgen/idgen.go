// Package idgen provides random and hash-derived identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// TrackingAlphabet is the restricted alphabet for sample tracking ids.
const TrackingAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// TrackingLength is the length of a sample tracking id.
const TrackingLength = 21

// New generates a UUID-like random ID (32 hex chars with dashes).
// Format: xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix generates a random ID with a prefix (e.g. "req_", "le_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Tracking derives a TrackingLength-character id over TrackingAlphabet from
// seed. The same seed always yields the same id.
func Tracking(seed []byte) string {
	out := make([]byte, 0, TrackingLength)
	block := crypto.Keccak256(seed)
	for len(out) < TrackingLength {
		for _, b := range block {
			// 252 is the largest multiple of 36 below 256; rejecting the
			// remainder keeps the distribution uniform.
			if b >= 252 {
				continue
			}
			out = append(out, TrackingAlphabet[int(b)%len(TrackingAlphabet)])
			if len(out) == TrackingLength {
				break
			}
		}
		block = crypto.Keccak256(block)
	}
	return string(out)
}

package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/oklog/ulid/v2"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewULID returns a lexicographically sortable id, used where creation
// order matters (history entries, bridge instance ids).
func NewULID() string {
	return ulid.Make().String()
}

const joinTokenAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewJoinToken returns a 12-character opaque enrollment token.
// Uniqueness is enforced by the store; callers retry on collision.
func NewJoinToken() string {
	bytes := make([]byte, 12)
	_, _ = rand.Read(bytes)
	for i, b := range bytes {
		bytes[i] = joinTokenAlphabet[int(b)%len(joinTokenAlphabet)]
	}
	return string(bytes)
}

package session

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// KeyLen is the length of every key returned by [NewKey].
const KeyLen = 22

// NewKey returns a fresh session key: a random (version 4) UUID encoded as 22
// characters of unpadded URL-safe base64. Keys are safe to use in URL paths and
// query strings without escaping.
func NewKey() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:])
}

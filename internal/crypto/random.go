package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
)

const idLength = 16 // 128 bits

// GenerateID returns an unguessable identifier safe for a URL path segment.
func GenerateID() string {
	bytes := make([]byte, idLength)
	if _, err := rand.Read(bytes); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}

// ValidID reports whether id has the shape GenerateID produces.
func ValidID(id string) bool {
	if len(id) != base64.RawURLEncoding.EncodedLen(idLength) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(id)
	return err == nil
}

// GenerateKey returns a fresh 256-bit key as 64 hex characters, the form
// NewCipher uses without hashing.
func GenerateKey() string {
	bytes := make([]byte, keySize)
	if _, err := rand.Read(bytes); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(bytes)
}

package vault

import "errors"

// Callers get one of these kinds (checked with errors.Is) and a message.
// Store and cipher detail stays in the logs.
var (
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrNotFound never says whether the secret expired, was consumed or
	// never existed.
	ErrNotFound     = errors.New("secret not found or has expired")
	ErrUnauthorized = errors.New("unauthorized")
	// ErrIntegrity means stored ciphertext could not be decrypted: data
	// corruption or a changed encryption key.
	ErrIntegrity = errors.New("secret could not be decrypted")
)

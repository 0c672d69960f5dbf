package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// Verifier hashes and checks the optional per-secret passwords.
type Verifier struct {
	cost int
}

func NewVerifier(cost int) (*Verifier, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &Verifier{cost: cost}, nil
}

func (v *Verifier) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(bcryptInput(password), v.cost)
	if err != nil {
		return "", errors.Wrap(err, "cannot hash password")
	}
	return string(hash), nil
}

// Verify relies on bcrypt's constant time comparison. A malformed hash
// never verifies.
func (v *Verifier) Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(password)) == nil
}

// bcrypt only accepts 72 bytes; longer passwords are reduced to their
// SHA-256 digest on both the hash and verify paths.
func bcryptInput(password string) []byte {
	if len(password) <= 72 {
		return []byte(password)
	}
	sum := sha256.Sum256([]byte(password))
	return []byte(hex.EncodeToString(sum[:]))
}

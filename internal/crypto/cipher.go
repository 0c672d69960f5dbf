// Package crypto holds the content cipher, the password verifier and
// the random identifier helpers used by the vault.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/pkg/errors"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // GCM standard nonce size
)

var (
	// ErrIntegrity means the ciphertext, nonce and key do not belong together:
	// wrong key, corrupted or truncated data.
	ErrIntegrity = errors.New("ciphertext integrity or key mismatch")
	ErrNoKey     = errors.New("encryption key is not configured")
	ErrDestroyed = errors.New("cipher key has been destroyed")
)

// Cipher encrypts secret content under the single process-wide key.
// The key is kept sealed in a memguard enclave and only opened for the
// duration of one operation.
type Cipher struct {
	mu  sync.RWMutex
	key *memguard.Enclave
}

// NewCipher derives the content key from configuration. A 64 character
// hex string is used as the raw key; anything else is hashed with SHA-256.
func NewCipher(keyMaterial string) (*Cipher, error) {
	if keyMaterial == "" {
		return nil, ErrNoKey
	}

	key := deriveKey(keyMaterial)
	// NewEnclave wipes key.
	return &Cipher{key: memguard.NewEnclave(key)}, nil
}

func deriveKey(material string) []byte {
	if len(material) == 2*keySize {
		if raw, err := hex.DecodeString(material); err == nil {
			return raw
		}
	}
	sum := sha256.Sum256([]byte(material))
	return sum[:]
}

// Encrypt seals plaintext with a fresh random nonce.
func (c *Cipher) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, errors.Wrap(err, "cannot generate nonce")
	}

	err = c.withAEAD(func(gcm cipher.AEAD) error {
		ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext sealed by Encrypt. Any authentication failure
// is reported as ErrIntegrity.
func (c *Cipher) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != nonceSize {
		return nil, errors.Wrapf(ErrIntegrity, "invalid nonce length %d", len(nonce))
	}
	if len(ciphertext) < aesGCMOverhead {
		return nil, errors.Wrap(ErrIntegrity, "ciphertext too short")
	}

	var plaintext []byte
	err := c.withAEAD(func(gcm cipher.AEAD) error {
		var err error
		plaintext, err = gcm.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return errors.Wrap(ErrIntegrity, err.Error())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Destroy drops the sealed key. Later calls fail with ErrDestroyed.
func (c *Cipher) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = nil
}

const aesGCMOverhead = 16

func (c *Cipher) withAEAD(fn func(cipher.AEAD) error) error {
	c.mu.RLock()
	enclave := c.key
	c.mu.RUnlock()
	if enclave == nil {
		return ErrDestroyed
	}

	buf, err := enclave.Open()
	if err != nil {
		return errors.Wrap(err, "cannot open key enclave")
	}
	defer buf.Destroy()

	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		return errors.Wrap(err, "cannot create new aes block cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return errors.Wrap(err, "cannot create new gcm cipher")
	}
	return fn(gcm)
}

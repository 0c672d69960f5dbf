package models

import "time"

type Secret struct {
	ID              string    `json:"id"`
	Ciphertext      []byte    `json:"-"` // AES-256-GCM sealed content
	Nonce           []byte    `json:"-"`
	PasswordHash    string    `json:"-"` // bcrypt, empty when unprotected
	ExpirationHours int       `json:"expiration_hours"`
	ViewLimit       int       `json:"view_limit"` // e.g., 3
	ViewCount       int       `json:"view_count"`
	NotifyEmail     string    `json:"-"`
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
}

func (s *Secret) HasPassword() bool {
	return s.PasswordHash != ""
}

// RemainingViews never goes below zero.
func (s *Secret) RemainingViews() int {
	return max(s.ViewLimit-s.ViewCount, 0)
}

// Readable reports whether a reveal may still succeed at now.
func (s *Secret) Readable(now time.Time) bool {
	return now.Before(s.ExpiresAt) && s.ViewCount < s.ViewLimit
}

// IDPrefix is the short form of the id used in logs and notifications.
func IDPrefix(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

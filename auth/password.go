package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"

	"github.com/kellnr/kellnr/kellnrerr"
)

// BcryptCost is the cost factor for bcrypt hashing.
const BcryptCost = 10

// saltLength is the number of random bytes in a per-user salt.
const saltLength = 16

// GenerateSalt returns a fresh per-user salt, hex encoded.
func GenerateSalt() (string, error) {
	b := make([]byte, saltLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashPassword derives the storable password hash from a password and
// its per-user salt. The salted input is pre-hashed with SHA-256 so
// bcrypt's 72-byte input limit never truncates long passwords.
func HashPassword(password, salt string) (string, error) {
	if password == "" {
		return "", kellnrerr.Validation("password must not be empty", nil)
	}
	pre := sha256.Sum256([]byte(password + salt))
	hash, err := bcrypt.GenerateFromPassword(pre[:], BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword checks a password attempt against the stored hash and
// salt, returning a PasswordMismatch authorization error on failure.
func VerifyPassword(password, salt, hash string) error {
	pre := sha256.Sum256([]byte(password + salt))
	if err := bcrypt.CompareHashAndPassword([]byte(hash), pre[:]); err != nil {
		return kellnrerr.Authorization("password mismatch", err)
	}
	return nil
}

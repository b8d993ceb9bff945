package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// keyPrefix marks generated admin keys.
const keyPrefix = "tally_"

// GenerateAdminKey creates a new admin key with the "tally_" prefix followed
// by 32 URL-safe random characters, and its bcrypt hash for the config file.
func GenerateAdminKey() (plaintext, hash string, err error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating random bytes: %w", err)
	}
	plaintext = keyPrefix + base64.RawURLEncoding.EncodeToString(b)

	hash, err = HashAdminKey(plaintext, bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return plaintext, hash, nil
}

// HashAdminKey returns the bcrypt hash of plaintext at the given cost.
func HashAdminKey(plaintext string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return "", fmt.Errorf("hashing admin key: %w", err)
	}
	return string(h), nil
}

// Verifier checks presented keys against a bcrypt hash. Keys that verified
// once are remembered by digest so bcrypt runs once per distinct key.
type Verifier struct {
	hash     []byte
	verified sync.Map // sha256 hex -> struct{}
}

// NewVerifier creates a Verifier for keyHash. An empty hash rejects every key.
func NewVerifier(keyHash string) *Verifier {
	return &Verifier{hash: []byte(keyHash)}
}

// Verify reports whether plaintext matches the configured hash.
func (v *Verifier) Verify(plaintext string) bool {
	if len(v.hash) == 0 || plaintext == "" {
		return false
	}
	sum := sha256.Sum256([]byte(plaintext))
	digest := hex.EncodeToString(sum[:])
	if _, ok := v.verified.Load(digest); ok {
		return true
	}
	if bcrypt.CompareHashAndPassword(v.hash, []byte(plaintext)) != nil {
		return false
	}
	v.verified.Store(digest, struct{}{})
	return true
}

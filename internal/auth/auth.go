package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix starts every generated key.
const KeyPrefix = "beacon_"

// Principal is the authenticated caller attached to a request.
type Principal struct {
	Kind      string // "admin" or "ingest"
	KeyPrefix string // first 14 characters of the plaintext key
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string
}

// GenerateAPIKey creates a new API key with the "beacon_" prefix followed by
// 32 URL-safe random characters. It returns the APIKey (containing the
// SHA-256 hash and prefix) and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext := KeyPrefix + base64.RawURLEncoding.EncodeToString(b)
	return APIKey{Hash: HashKey(plaintext), Prefix: prefixOf(plaintext)}, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// HashAdminKey returns a bcrypt hash suitable for auth.admin_key_hash.
func HashAdminKey(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing admin key: %w", err)
	}
	return string(hash), nil
}

// CheckAdminKey reports whether plaintext matches the bcrypt hash.
func CheckAdminKey(hash, plaintext string) bool {
	if hash == "" || plaintext == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// KeySet is an immutable set of SHA-256 key hashes.
type KeySet struct {
	hashes map[string]struct{}
}

// NewKeySet builds a KeySet from hex-encoded hashes. Case is ignored.
func NewKeySet(hashes []string) *KeySet {
	ks := &KeySet{hashes: make(map[string]struct{}, len(hashes))}
	for _, h := range hashes {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			ks.hashes[h] = struct{}{}
		}
	}
	return ks
}

// Empty reports whether the set has no keys.
func (ks *KeySet) Empty() bool {
	return ks == nil || len(ks.hashes) == 0
}

// Contains reports whether the plaintext key hashes to a member of the set.
func (ks *KeySet) Contains(plaintext string) bool {
	if ks.Empty() || plaintext == "" {
		return false
	}
	_, ok := ks.hashes[HashKey(plaintext)]
	return ok
}

func prefixOf(key string) string {
	if len(key) <= 14 {
		return key
	}
	return key[:14]
}

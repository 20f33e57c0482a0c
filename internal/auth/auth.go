// Package auth issues and verifies the bearer keys that guard the admin API.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"math/big"
	"net/http"
	"strings"
)

const (
	servicePrefix = "mcpgate"
	prefixLength  = 12
	secretBytes   = 32
)

var (
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	ErrUnauthorized     = errors.New("unauthorized")
)

// Key is a freshly generated API key. Display is shown to the operator once;
// only Prefix and Hash are stored.
type Key struct {
	Display string
	Prefix  string
	Hash    []byte
}

func GenerateAPIKey() (Key, error) {
	prefixBytes := make([]byte, prefixLength)
	if _, err := rand.Read(prefixBytes); err != nil {
		return Key{}, err
	}
	for i := range prefixBytes {
		prefixBytes[i] = alphanumeric[int(prefixBytes[i])%len(alphanumeric)]
	}
	prefix := string(prefixBytes)

	secretRaw := make([]byte, secretBytes)
	if _, err := rand.Read(secretRaw); err != nil {
		return Key{}, err
	}
	secret := encodeBase62(secretRaw)

	return Key{
		Display: servicePrefix + "_" + prefix + "_" + secret,
		Prefix:  prefix,
		Hash:    HashSecret(secret),
	}, nil
}

func HashSecret(secret string) []byte {
	h := sha256.Sum256([]byte(secret))
	return h[:]
}

func VerifyAPIKey(displayKey string, storedHash []byte) bool {
	prefix, secret, err := ParseAPIKey(displayKey)
	if err != nil || prefix == "" {
		return false
	}
	return subtle.ConstantTimeCompare(HashSecret(secret), storedHash) == 1
}

func ParseAPIKey(displayKey string) (prefix string, secret string, err error) {
	// Format: mcpgate_<prefix>_<secret>
	rest, ok := strings.CutPrefix(displayKey, servicePrefix+"_")
	if !ok {
		return "", "", ErrInvalidKeyFormat
	}
	prefix, secret, ok = strings.Cut(rest, "_")
	if !ok || len(prefix) != prefixLength || secret == "" {
		return "", "", ErrInvalidKeyFormat
	}
	for _, c := range prefix {
		if !isAlphanumeric(c) {
			return "", "", ErrInvalidKeyFormat
		}
	}
	return prefix, secret, nil
}

// StoredKey is what a KeyStore knows about a prefix.
type StoredKey struct {
	Hash    []byte
	Revoked bool
}

// KeyStore looks up stored keys by prefix. A missing prefix returns
// (nil, nil).
type KeyStore interface {
	LookupKey(ctx context.Context, prefix string) (*StoredKey, error)
}

// Authenticator checks bearer keys against a KeyStore.
type Authenticator struct {
	keys KeyStore
}

func NewAuthenticator(keys KeyStore) *Authenticator {
	return &Authenticator{keys: keys}
}

// Authenticate verifies the request's bearer key and returns its prefix.
// Every failure is reported as ErrUnauthorized.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || key == "" {
		return "", ErrUnauthorized
	}
	prefix, _, err := ParseAPIKey(key)
	if err != nil {
		return "", ErrUnauthorized
	}
	stored, err := a.keys.LookupKey(r.Context(), prefix)
	if err != nil || stored == nil || stored.Revoked {
		return "", ErrUnauthorized
	}
	if !VerifyAPIKey(key, stored.Hash) {
		return "", ErrUnauthorized
	}
	return prefix, nil
}

var alphanumeric = []byte("abcdefghijklmnopqrstuvwxyz0123456789")

// base62Alphabet includes A-Za-z0-9 (no special characters)
const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func encodeBase62(data []byte) string {
	num := new(big.Int).SetBytes(data)
	base := big.NewInt(62)
	zero := big.NewInt(0)
	var result []byte

	for num.Cmp(zero) > 0 {
		mod := new(big.Int)
		num.DivMod(num, base, mod)
		result = append([]byte{base62Alphabet[mod.Int64()]}, result...)
	}

	// Preserve leading zeros
	for _, b := range data {
		if b != 0 {
			break
		}
		result = append([]byte{'0'}, result...)
	}

	if len(result) == 0 {
		return "0"
	}
	return string(result)
}

func isAlphanumeric(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// SecureCompare performs constant-time string comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// GenerateKey creates a random API key
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// HashKey produces a bcrypt hash of an API key for at-rest storage
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyKeyHash checks a presented key against a stored bcrypt hash
func VerifyKeyHash(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// Middleware enforces a bearer API key on the listed operator paths;
// everything else passes through untouched. When hashedKey is set the
// presented key is checked against that bcrypt hash, so the server
// never has to hold the plaintext key; otherwise apiKey is compared
// in constant time.
func Middleware(apiKey, hashedKey string, protected map[string]bool) func(http.Handler) http.Handler {
	expected := "Bearer " + apiKey
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !protected[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}

			var ok bool
			if hashedKey != "" {
				key, found := strings.CutPrefix(authHeader, "Bearer ")
				ok = found && VerifyKeyHash(hashedKey, key)
			} else {
				ok = SecureCompare(authHeader, expected)
			}
			if !ok {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

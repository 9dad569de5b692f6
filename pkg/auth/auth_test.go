package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}

func TestHashKeyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	hash, err := HashKey(key)
	require.NoError(t, err)
	assert.NotEqual(t, key, hash)

	assert.True(t, VerifyKeyHash(hash, key))
	assert.False(t, VerifyKeyHash(hash, "wrong-key"))
}

func authedRouter(apiKey, hashedKey string) http.Handler {
	mw := Middleware(apiKey, hashedKey, map[string]bool{"/jobs": true})
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func request(h http.Handler, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestMiddlewareProtectedPaths(t *testing.T) {
	h := authedRouter("secret", "")

	// Unlisted paths pass through with no credentials
	assert.Equal(t, http.StatusOK, request(h, "/status/Prog1", "").Code)
	assert.Equal(t, http.StatusOK, request(h, "/health", "").Code)

	// Protected path requires the key
	assert.Equal(t, http.StatusUnauthorized, request(h, "/jobs", "").Code)
	assert.Equal(t, http.StatusUnauthorized, request(h, "/jobs", "wrong").Code)
	assert.Equal(t, http.StatusOK, request(h, "/jobs", "secret").Code)
}

func TestMiddlewareHashedKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	hash, err := HashKey(key)
	require.NoError(t, err)

	// Server configured with only the hash, never the plaintext
	h := authedRouter("", hash)

	assert.Equal(t, http.StatusOK, request(h, "/jobs", key).Code)
	assert.Equal(t, http.StatusUnauthorized, request(h, "/jobs", "wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, request(h, "/jobs", "").Code)
}

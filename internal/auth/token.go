package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// keyPrefixLen is how much of the raw token is kept as the displayable
// prefix. The rest of the secret is never persisted.
const keyPrefixLen = 8

// GenerateAPIKey mints a new raw token plus its display prefix and the
// SHA-256 hash stored for lookup. The raw token is returned to the caller
// exactly once.
func GenerateAPIKey() (token, prefix, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("auth: generate api key: %w", err)
	}
	token = "rph_" + base64.RawURLEncoding.EncodeToString(raw)
	return token, token[:keyPrefixLen], HashToken(token), nil
}

// HashToken returns the hex SHA-256 of a raw bearer token. Raw tokens are
// never stored or logged; this hash is the only persisted form.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

package authkit

import (
	"crypto/sha256"
	"encoding/base64"
)

// DigestRefreshToken returns the stored form of a raw refresh token.
func DigestRefreshToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

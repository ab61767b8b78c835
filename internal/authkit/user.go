package authkit

import "time"

// User is a persisted account. PasswordHash is empty for accounts created through Google sign-in.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Image        string
	Favorites    []string
	CreatedAt    time.Time
}

// RefreshTokenRecord is one entry of a user's valid refresh token set.
// Digest is the SHA-256 of the raw token string; the raw token is never stored.
type RefreshTokenRecord struct {
	Digest    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenPair bundles a short-lived access token and a long-lived refresh token.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

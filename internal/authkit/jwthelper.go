package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tyemirov/talebook/pkg/sessionvalidator"
)

var errEmptySubject = errors.New("subject must be non-empty")

// MintAccessToken creates a signed HS256 access token for the user.
func MintAccessToken(clock Clock, applicationUserID string, issuer string, signingKey []byte, ttl time.Duration) (string, time.Time, error) {
	return mintToken(clock, sessionvalidator.TokenTypeAccess, applicationUserID, issuer, signingKey, ttl)
}

// MintRefreshToken creates a signed HS256 refresh token carrying the user id and a random jti.
func MintRefreshToken(clock Clock, applicationUserID string, issuer string, signingKey []byte, ttl time.Duration) (string, time.Time, error) {
	return mintToken(clock, sessionvalidator.TokenTypeRefresh, applicationUserID, issuer, signingKey, ttl)
}

func mintToken(clock Clock, tokenType string, applicationUserID string, issuer string, signingKey []byte, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(applicationUserID) == "" {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", errEmptySubject)
	}
	issuedAt := clock.Now().UTC()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		UserID:    applicationUserID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   applicationUserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt.mint.%s: %w", tokenType, err)
	}
	return signed, expiresAt, nil
}

package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/talebook/pkg/sessionvalidator"
)

// TokenService issues, verifies, rotates and revokes token pairs.
// Access tokens are verified statelessly; refresh tokens must also be present
// in the owner's valid set held by the UserStore.
type TokenService struct {
	configuration    ServerConfig
	users            UserStore
	clock            Clock
	accessValidator  *sessionvalidator.Validator
	refreshValidator *sessionvalidator.Validator
}

// NewTokenService validates the configuration and builds a TokenService.
func NewTokenService(configuration ServerConfig, users UserStore, clock Clock) (*TokenService, error) {
	if clock == nil {
		clock = NewSystemClock()
	}
	if configuration.AccessTTL <= 0 || configuration.RefreshTTL <= 0 {
		return nil, fmt.Errorf("token_service.new: %w: ttls must be positive", ErrValidation)
	}
	accessValidator, accessErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.AccessSigningKey,
		Issuer:     configuration.Issuer,
		TokenType:  sessionvalidator.TokenTypeAccess,
		Clock:      clock,
	})
	if accessErr != nil {
		return nil, fmt.Errorf("token_service.new.access: %w", accessErr)
	}
	refreshValidator, refreshErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.refreshKey(),
		Issuer:     configuration.Issuer,
		TokenType:  sessionvalidator.TokenTypeRefresh,
		Clock:      clock,
	})
	if refreshErr != nil {
		return nil, fmt.Errorf("token_service.new.refresh: %w", refreshErr)
	}
	return &TokenService{
		configuration:    configuration,
		users:            users,
		clock:            clock,
		accessValidator:  accessValidator,
		refreshValidator: refreshValidator,
	}, nil
}

// IssueTokenPair mints an access and a refresh token and records the refresh token
// in the user's valid set.
func (service *TokenService) IssueTokenPair(ctx context.Context, userID string) (TokenPair, error) {
	pair, record, err := service.mintPair(userID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("token_service.issue: %w", err)
	}
	if addErr := service.users.AddRefreshToken(ctx, userID, record); addErr != nil {
		return TokenPair{}, fmt.Errorf("token_service.issue: %w", addErr)
	}
	return pair, nil
}

// VerifyAccessToken returns the user id carried by a valid access token.
// It never consults the store.
func (service *TokenService) VerifyAccessToken(accessToken string) (string, error) {
	claims, err := service.accessValidator.ValidateToken(accessToken)
	if err != nil {
		return "", classifyValidationError(err)
	}
	return claims.GetUserID(), nil
}

// RotateRefreshToken exchanges a refresh token for a new pair. The presented token is
// removed from the valid set in the same atomic step that records its successor, so
// a token can be rotated at most once.
func (service *TokenService) RotateRefreshToken(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, validateErr := service.refreshValidator.ValidateToken(refreshToken)
	if validateErr != nil {
		return TokenPair{}, fmt.Errorf("token_service.rotate: %w", classifyValidationError(validateErr))
	}
	userID := claims.GetUserID()
	pair, record, mintErr := service.mintPair(userID)
	if mintErr != nil {
		return TokenPair{}, fmt.Errorf("token_service.rotate: %w", mintErr)
	}
	replaced, replaceErr := service.users.ReplaceRefreshToken(ctx, userID, DigestRefreshToken(refreshToken), record)
	if replaceErr != nil {
		return TokenPair{}, fmt.Errorf("token_service.rotate: %w", replaceErr)
	}
	if !replaced {
		return TokenPair{}, fmt.Errorf("token_service.rotate: %w", ErrRevoked)
	}
	return pair, nil
}

// Revoke removes one refresh token from the user's valid set. Unknown or
// unparsable tokens are ignored.
func (service *TokenService) Revoke(ctx context.Context, userID string, refreshToken string) error {
	if strings.TrimSpace(refreshToken) == "" {
		return nil
	}
	if removeErr := service.users.RemoveRefreshToken(ctx, userID, DigestRefreshToken(refreshToken)); removeErr != nil {
		return fmt.Errorf("token_service.revoke: %w", removeErr)
	}
	return nil
}

// RevokeAll empties the user's valid set, ending every session.
func (service *TokenService) RevokeAll(ctx context.Context, userID string) error {
	if clearErr := service.users.ClearRefreshTokens(ctx, userID); clearErr != nil {
		return fmt.Errorf("token_service.revoke_all: %w", clearErr)
	}
	return nil
}

func (service *TokenService) mintPair(userID string) (TokenPair, RefreshTokenRecord, error) {
	accessToken, accessExpiresAt, accessErr := MintAccessToken(service.clock, userID, service.configuration.Issuer, service.configuration.AccessSigningKey, service.configuration.AccessTTL)
	if accessErr != nil {
		return TokenPair{}, RefreshTokenRecord{}, accessErr
	}
	refreshToken, refreshExpiresAt, refreshErr := MintRefreshToken(service.clock, userID, service.configuration.Issuer, service.configuration.refreshKey(), service.configuration.RefreshTTL)
	if refreshErr != nil {
		return TokenPair{}, RefreshTokenRecord{}, refreshErr
	}
	pair := TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshExpiresAt: refreshExpiresAt,
	}
	record := RefreshTokenRecord{
		Digest:    DigestRefreshToken(refreshToken),
		IssuedAt:  service.clock.Now().UTC(),
		ExpiresAt: refreshExpiresAt,
	}
	return pair, record, nil
}

func classifyValidationError(err error) error {
	if errors.Is(err, sessionvalidator.ErrTokenExpired) {
		return ErrExpired
	}
	return ErrInvalidToken
}

package authkit

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/idtoken"
)

var (
	errGoogleIssuer     = errors.New("google.invalid_issuer")
	errGoogleUnverified = errors.New("google.unverified_identity")
	errGoogleNonce      = errors.New("google.nonce_mismatch")
)

// GoogleTokenValidator verifies Google ID tokens for an audience.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator returns the idtoken validator backed by Google's public keys.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	validator, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, fmt.Errorf("google.validator.new: %w", err)
	}
	return validator, nil
}

type googleIdentity struct {
	subject     string
	email       string
	displayName string
}

// googleIdentityFromPayload checks issuer, verified email and the nonce claim.
func googleIdentityFromPayload(payload *idtoken.Payload, expectedNonce string) (googleIdentity, error) {
	if payload == nil {
		return googleIdentity{}, errGoogleUnverified
	}
	issuer, _ := payload.Claims["iss"].(string)
	if issuer != "https://accounts.google.com" && issuer != "accounts.google.com" {
		return googleIdentity{}, errGoogleIssuer
	}
	nonceClaim, _ := payload.Claims["nonce"].(string)
	if nonceClaim != expectedNonce {
		return googleIdentity{}, errGoogleNonce
	}
	subject, _ := payload.Claims["sub"].(string)
	email, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	displayName, _ := payload.Claims["name"].(string)
	if subject == "" || email == "" || !emailVerified {
		return googleIdentity{}, errGoogleUnverified
	}
	return googleIdentity{subject: subject, email: email, displayName: displayName}, nil
}

package authkit

import "errors"

var (
	// ErrConflict indicates the username or email is already taken.
	ErrConflict = errors.New("auth.conflict")
	// ErrInvalidCredentials is returned for any login failure, whichever part was wrong.
	ErrInvalidCredentials = errors.New("auth.invalid_credentials")
	// ErrInvalidToken indicates a malformed token or a bad signature.
	ErrInvalidToken = errors.New("auth.invalid_token")
	// ErrExpired indicates a well-signed token past its expiry claim.
	ErrExpired = errors.New("auth.expired")
	// ErrRevoked indicates a valid refresh token that is no longer in the user's set.
	ErrRevoked = errors.New("auth.revoked")
	// ErrUnauthenticated is reported by the middleware when the bearer credential is missing or rejected.
	ErrUnauthenticated = errors.New("auth.unauthenticated")
	// ErrValidation indicates missing or malformed request fields.
	ErrValidation = errors.New("auth.validation")
	// ErrUserNotFound signals a referenced user no longer exists.
	ErrUserNotFound = errors.New("user_store.not_found")
)

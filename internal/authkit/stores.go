package authkit

import "context"

// UserStore persists users together with their valid refresh token sets.
type UserStore interface {
	// CreateUser inserts a user; it returns ErrConflict when the username or email is taken.
	CreateUser(ctx context.Context, user User) error
	// FindUserByID reports false when no user has the id.
	FindUserByID(ctx context.Context, userID string) (User, bool, error)
	// FindUserByUsername reports false when no user has the username.
	FindUserByUsername(ctx context.Context, username string) (User, bool, error)
	// FindUserByEmail reports false when no user has the (lower-cased) email.
	FindUserByEmail(ctx context.Context, email string) (User, bool, error)
	// AddRefreshToken appends a record to the user's valid set.
	AddRefreshToken(ctx context.Context, userID string, record RefreshTokenRecord) error
	// ReplaceRefreshToken removes previousDigest only if present and then inserts next,
	// as one atomic step. It reports false, inserting nothing, when previousDigest was absent.
	ReplaceRefreshToken(ctx context.Context, userID string, previousDigest string, next RefreshTokenRecord) (bool, error)
	// RemoveRefreshToken deletes one digest; a missing digest is not an error.
	RemoveRefreshToken(ctx context.Context, userID string, digest string) error
	// ClearRefreshTokens empties the user's valid set.
	ClearRefreshTokens(ctx context.Context, userID string) error
}

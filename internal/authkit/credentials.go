package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
)

const maxUsernameSuffixAttempts = 20

// CredentialStore creates accounts and checks passwords on top of a UserStore.
type CredentialStore struct {
	users  UserStore
	hasher PasswordHasher
	clock  Clock
}

// NewCredentialStore wires a CredentialStore. A nil clock selects the system clock.
func NewCredentialStore(users UserStore, hasher PasswordHasher, clock Clock) *CredentialStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &CredentialStore{users: users, hasher: hasher, clock: clock}
}

// Create registers a new user. Duplicate usernames or emails yield ErrConflict;
// missing fields or a malformed email yield ErrValidation.
func (store *CredentialStore) Create(ctx context.Context, username string, email string, rawPassword string) (User, error) {
	trimmedUsername := strings.TrimSpace(username)
	normalizedEmail := strings.ToLower(strings.TrimSpace(email))
	if trimmedUsername == "" || normalizedEmail == "" || rawPassword == "" {
		return User{}, fmt.Errorf("credentials.create: %w: username, email and password are required", ErrValidation)
	}
	if !isEmailAddress(normalizedEmail) {
		return User{}, fmt.Errorf("credentials.create: %w: malformed email", ErrValidation)
	}
	passwordHash, hashErr := store.hasher.Hash(rawPassword)
	if hashErr != nil {
		return User{}, fmt.Errorf("credentials.create: %w", hashErr)
	}
	user := User{
		ID:           uuid.NewString(),
		Username:     trimmedUsername,
		Email:        normalizedEmail,
		PasswordHash: passwordHash,
		Favorites:    []string{},
		CreatedAt:    store.clock.Now().UTC(),
	}
	if createErr := store.users.CreateUser(ctx, user); createErr != nil {
		return User{}, fmt.Errorf("credentials.create: %w", createErr)
	}
	return user, nil
}

// VerifyPassword reports whether rawPassword matches the user's stored hash.
// Accounts without a password never verify.
func (store *CredentialStore) VerifyPassword(user User, rawPassword string) bool {
	if user.PasswordHash == "" {
		return false
	}
	return store.hasher.Verify(rawPassword, user.PasswordHash)
}

// FindByID looks a user up by id.
func (store *CredentialStore) FindByID(ctx context.Context, userID string) (User, bool, error) {
	return store.users.FindUserByID(ctx, userID)
}

// FindByUsername looks a user up by username.
func (store *CredentialStore) FindByUsername(ctx context.Context, username string) (User, bool, error) {
	return store.users.FindUserByUsername(ctx, strings.TrimSpace(username))
}

// FindByEmail looks a user up by email, ignoring case.
func (store *CredentialStore) FindByEmail(ctx context.Context, email string) (User, bool, error) {
	return store.users.FindUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
}

// EnsureExternalUser returns the account owning email, creating a password-less one
// when none exists. The username is derived from displayName or the email local part.
func (store *CredentialStore) EnsureExternalUser(ctx context.Context, email string, displayName string) (User, error) {
	normalizedEmail := strings.ToLower(strings.TrimSpace(email))
	if !isEmailAddress(normalizedEmail) {
		return User{}, fmt.Errorf("credentials.ensure_external: %w: malformed email", ErrValidation)
	}
	existing, found, findErr := store.users.FindUserByEmail(ctx, normalizedEmail)
	if findErr != nil {
		return User{}, fmt.Errorf("credentials.ensure_external: %w", findErr)
	}
	if found {
		return existing, nil
	}

	baseUsername := deriveUsername(displayName, normalizedEmail)
	for attempt := 0; attempt < maxUsernameSuffixAttempts; attempt++ {
		candidate := baseUsername
		if attempt > 0 {
			candidate = fmt.Sprintf("%s-%d", baseUsername, attempt+1)
		}
		user := User{
			ID:        uuid.NewString(),
			Username:  candidate,
			Email:     normalizedEmail,
			Favorites: []string{},
			CreatedAt: store.clock.Now().UTC(),
		}
		createErr := store.users.CreateUser(ctx, user)
		if createErr == nil {
			return user, nil
		}
		if !errors.Is(createErr, ErrConflict) {
			return User{}, fmt.Errorf("credentials.ensure_external: %w", createErr)
		}
		// A concurrent sign-in may have created the account for this email.
		if winner, exists, lookupErr := store.users.FindUserByEmail(ctx, normalizedEmail); lookupErr == nil && exists {
			return winner, nil
		}
	}
	return User{}, fmt.Errorf("credentials.ensure_external: %w: no free username for %s", ErrConflict, baseUsername)
}

func isEmailAddress(candidate string) bool {
	parsed, err := mail.ParseAddress(candidate)
	return err == nil && parsed.Address == candidate && strings.Contains(candidate, "@")
}

func deriveUsername(displayName string, email string) string {
	source := strings.TrimSpace(displayName)
	if source == "" {
		source = strings.SplitN(email, "@", 2)[0]
	}
	var builder strings.Builder
	for _, character := range strings.ToLower(source) {
		switch {
		case character >= 'a' && character <= 'z', character >= '0' && character <= '9':
			builder.WriteRune(character)
		case character == ' ', character == '.', character == '-', character == '_':
			builder.WriteRune('_')
		}
	}
	derived := strings.Trim(builder.String(), "_")
	if derived == "" {
		return "user"
	}
	return derived
}

package authkit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
	"golang.org/x/crypto/bcrypt"
)

// Password hashing algorithms accepted by NewPasswordHasher.
const (
	PasswordHasherBcrypt   = "bcrypt"
	PasswordHasherArgon2id = "argon2id"
)

const argon2idPrefix = "$argon2id$"

var (
	// ErrUnsupportedPasswordHasher indicates an unknown algorithm name.
	ErrUnsupportedPasswordHasher = errors.New("password.unsupported_hasher")
	// ErrInvalidBcryptCost indicates a cost outside bcrypt's accepted range.
	ErrInvalidBcryptCost = errors.New("password.invalid_bcrypt_cost")
)

// PasswordHasher computes and checks one-way salted password hashes.
type PasswordHasher interface {
	Hash(rawPassword string) (string, error)
	// Verify reports whether rawPassword matches encodedHash. It never errors on mismatch.
	Verify(rawPassword string, encodedHash string) bool
}

// BcryptHasher hashes with bcrypt at a configurable cost.
type BcryptHasher struct {
	Cost int
}

// Hash returns the bcrypt encoding of rawPassword.
func (hasher BcryptHasher) Hash(rawPassword string) (string, error) {
	encoded, err := bcrypt.GenerateFromPassword([]byte(rawPassword), hasher.Cost)
	if err != nil {
		return "", fmt.Errorf("password.bcrypt.hash: %w", err)
	}
	return string(encoded), nil
}

// Verify compares in constant time via bcrypt.
func (hasher BcryptHasher) Verify(rawPassword string, encodedHash string) bool {
	if encodedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(rawPassword)) == nil
}

// Argon2idHasher hashes with argon2id using the supplied parameters.
type Argon2idHasher struct {
	Params *argon2id.Params
}

// Hash returns the $argon2id$ encoding of rawPassword.
func (hasher Argon2idHasher) Hash(rawPassword string) (string, error) {
	params := hasher.Params
	if params == nil {
		params = argon2id.DefaultParams
	}
	encoded, err := argon2id.CreateHash(rawPassword, params)
	if err != nil {
		return "", fmt.Errorf("password.argon2id.hash: %w", err)
	}
	return encoded, nil
}

// Verify compares in constant time via argon2id.
func (hasher Argon2idHasher) Verify(rawPassword string, encodedHash string) bool {
	if encodedHash == "" {
		return false
	}
	matches, err := argon2id.ComparePasswordAndHash(rawPassword, encodedHash)
	return err == nil && matches
}

// MultiHasher hashes with its primary algorithm and verifies any supported encoding,
// so existing hashes keep working after the configured algorithm changes.
type MultiHasher struct {
	primary  PasswordHasher
	bcrypt   BcryptHasher
	argon2id Argon2idHasher
}

// NewPasswordHasher builds a MultiHasher whose primary algorithm is algorithm.
func NewPasswordHasher(algorithm string, bcryptCost int) (*MultiHasher, error) {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		return nil, fmt.Errorf("password.new: %w: %d", ErrInvalidBcryptCost, bcryptCost)
	}
	hasher := &MultiHasher{
		bcrypt:   BcryptHasher{Cost: bcryptCost},
		argon2id: Argon2idHasher{Params: argon2id.DefaultParams},
	}
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "", PasswordHasherBcrypt:
		hasher.primary = hasher.bcrypt
	case PasswordHasherArgon2id:
		hasher.primary = hasher.argon2id
	default:
		return nil, fmt.Errorf("password.new: %w: %s", ErrUnsupportedPasswordHasher, algorithm)
	}
	return hasher, nil
}

// Hash uses the primary algorithm.
func (hasher *MultiHasher) Hash(rawPassword string) (string, error) {
	return hasher.primary.Hash(rawPassword)
}

// Verify dispatches on the encoding prefix.
func (hasher *MultiHasher) Verify(rawPassword string, encodedHash string) bool {
	if strings.HasPrefix(encodedHash, argon2idPrefix) {
		return hasher.argon2id.Verify(rawPassword, encodedHash)
	}
	return hasher.bcrypt.Verify(rawPassword, encodedHash)
}

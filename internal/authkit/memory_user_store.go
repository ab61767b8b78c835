package authkit

import (
	"context"
	"strings"
	"sync"
)

// MemoryUserStore is an in-memory UserStore intended for tests and dev.
type MemoryUserStore struct {
	mutex      sync.Mutex
	byID       map[string]*memoryUserRecord
	byUsername map[string]string
	byEmail    map[string]string
}

type memoryUserRecord struct {
	user          User
	refreshTokens map[string]RefreshTokenRecord
}

// NewMemoryUserStore creates an empty in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:       make(map[string]*memoryUserRecord),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
	}
}

// CreateUser inserts the user unless the id, username, or email is taken.
func (store *MemoryUserStore) CreateUser(ctx context.Context, user User) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	emailKey := strings.ToLower(user.Email)
	if _, exists := store.byID[user.ID]; exists {
		return ErrConflict
	}
	if _, exists := store.byUsername[user.Username]; exists {
		return ErrConflict
	}
	if _, exists := store.byEmail[emailKey]; exists {
		return ErrConflict
	}
	user.Email = emailKey
	user.Favorites = append([]string(nil), user.Favorites...)
	store.byID[user.ID] = &memoryUserRecord{
		user:          user,
		refreshTokens: make(map[string]RefreshTokenRecord),
	}
	store.byUsername[user.Username] = user.ID
	store.byEmail[emailKey] = user.ID
	return nil
}

// FindUserByID returns the user with the given id.
func (store *MemoryUserStore) FindUserByID(ctx context.Context, userID string) (User, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.lookupLocked(userID)
}

// FindUserByUsername returns the user with the given username.
func (store *MemoryUserStore) FindUserByUsername(ctx context.Context, username string) (User, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.lookupLocked(store.byUsername[username])
}

// FindUserByEmail returns the user with the given email.
func (store *MemoryUserStore) FindUserByEmail(ctx context.Context, email string) (User, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.lookupLocked(store.byEmail[strings.ToLower(email)])
}

// AddRefreshToken appends a record to the user's valid set.
func (store *MemoryUserStore) AddRefreshToken(ctx context.Context, userID string, record RefreshTokenRecord) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	rec := store.byID[userID]
	if rec == nil {
		return ErrUserNotFound
	}
	rec.refreshTokens[record.Digest] = record
	return nil
}

// ReplaceRefreshToken swaps previousDigest for next under the store lock.
func (store *MemoryUserStore) ReplaceRefreshToken(ctx context.Context, userID string, previousDigest string, next RefreshTokenRecord) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	rec := store.byID[userID]
	if rec == nil {
		return false, nil
	}
	if _, present := rec.refreshTokens[previousDigest]; !present {
		return false, nil
	}
	delete(rec.refreshTokens, previousDigest)
	rec.refreshTokens[next.Digest] = next
	return true, nil
}

// RemoveRefreshToken deletes one digest from the user's set.
func (store *MemoryUserStore) RemoveRefreshToken(ctx context.Context, userID string, digest string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if rec := store.byID[userID]; rec != nil {
		delete(rec.refreshTokens, digest)
	}
	return nil
}

// ClearRefreshTokens empties the user's set.
func (store *MemoryUserStore) ClearRefreshTokens(ctx context.Context, userID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if rec := store.byID[userID]; rec != nil {
		rec.refreshTokens = make(map[string]RefreshTokenRecord)
	}
	return nil
}

func (store *MemoryUserStore) lookupLocked(userID string) (User, bool, error) {
	rec := store.byID[userID]
	if rec == nil {
		return User{}, false, nil
	}
	user := rec.user
	user.Favorites = append([]string(nil), rec.user.Favorites...)
	return user, true, nil
}

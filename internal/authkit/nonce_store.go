package authkit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

const nonceTokenBytes = 32

var (
	// ErrNonceNotFound indicates the nonce was never issued or was already consumed.
	ErrNonceNotFound = errors.New("nonce.not_found")
	// ErrNonceExpired indicates the nonce outlived its TTL before consumption.
	ErrNonceExpired = errors.New("nonce.expired")
)

// NonceStore issues single-use nonces binding a Google ID token to one sign-in attempt.
type NonceStore interface {
	// Issue creates a nonce valid for the store's TTL.
	Issue(ctx context.Context) (string, error)
	// Consume invalidates the nonce, failing when it is unknown, used or expired.
	Consume(ctx context.Context, nonce string) error
}

// MemoryNonceStore keeps nonces in process memory.
type MemoryNonceStore struct {
	mutex   sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	clock   Clock
}

// NewMemoryNonceStore constructs a MemoryNonceStore. A nil clock selects the system clock.
func NewMemoryNonceStore(ttl time.Duration, clock Clock) *MemoryNonceStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryNonceStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		clock:   clock,
	}
}

// Issue records a fresh random nonce.
func (store *MemoryNonceStore) Issue(ctx context.Context) (string, error) {
	nonce, err := newNonceToken()
	if err != nil {
		return "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[nonce] = store.clock.Now().Add(store.ttl)
	return nonce, nil
}

// Consume deletes the nonce and reports whether it was still valid.
func (store *MemoryNonceStore) Consume(ctx context.Context, nonce string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	expiry, ok := store.entries[nonce]
	if !ok {
		return ErrNonceNotFound
	}
	delete(store.entries, nonce)
	if store.clock.Now().After(expiry) {
		return ErrNonceExpired
	}
	return nil
}

func (store *MemoryNonceStore) purgeExpiredLocked() {
	now := store.clock.Now()
	for nonce, expiry := range store.entries {
		if now.After(expiry) {
			delete(store.entries, nonce)
		}
	}
}

func newNonceToken() (string, error) {
	buffer := make([]byte, nonceTokenBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("nonce.generate: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

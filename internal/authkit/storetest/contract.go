// Package storetest holds the behavioral contract every authkit.UserStore backend must satisfy.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/talebook/internal/authkit"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) authkit.UserStore

// RunUserStoreContract runs the shared UserStore contract against the factory's stores.
func RunUserStoreContract(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("create and find", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		user := NewUser("alice", "Alice@X.com")
		if err := store.CreateUser(ctx, user); err != nil {
			t.Fatalf("create user: %v", err)
		}

		byID, found, err := store.FindUserByID(ctx, user.ID)
		if err != nil || !found {
			t.Fatalf("find by id: found=%v err=%v", found, err)
		}
		if byID.Username != "alice" || byID.Email != "alice@x.com" || byID.PasswordHash != user.PasswordHash {
			t.Fatalf("unexpected user %+v", byID)
		}
		if len(byID.Favorites) != 2 || byID.Favorites[0] != "book-1" {
			t.Fatalf("unexpected favorites %v", byID.Favorites)
		}
		if !byID.CreatedAt.Equal(user.CreatedAt) {
			t.Fatalf("expected created at %v, got %v", user.CreatedAt, byID.CreatedAt)
		}

		if _, found, err := store.FindUserByUsername(ctx, "alice"); err != nil || !found {
			t.Fatalf("find by username: found=%v err=%v", found, err)
		}
		if _, found, err := store.FindUserByEmail(ctx, "ALICE@x.com"); err != nil || !found {
			t.Fatalf("find by email ignoring case: found=%v err=%v", found, err)
		}
	})

	t.Run("absent users are not errors", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if _, found, err := store.FindUserByID(ctx, uuid.NewString()); err != nil || found {
			t.Fatalf("find by id: found=%v err=%v", found, err)
		}
		if _, found, err := store.FindUserByUsername(ctx, "nobody"); err != nil || found {
			t.Fatalf("find by username: found=%v err=%v", found, err)
		}
		if _, found, err := store.FindUserByEmail(ctx, "nobody@x.com"); err != nil || found {
			t.Fatalf("find by email: found=%v err=%v", found, err)
		}
	})

	t.Run("duplicate username or email conflicts", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.CreateUser(ctx, NewUser("alice", "alice@x.com")); err != nil {
			t.Fatalf("create user: %v", err)
		}
		if err := store.CreateUser(ctx, NewUser("alice", "other@x.com")); !errors.Is(err, authkit.ErrConflict) {
			t.Fatalf("expected ErrConflict for duplicate username, got %v", err)
		}
		if err := store.CreateUser(ctx, NewUser("bob", "ALICE@x.com")); !errors.Is(err, authkit.ErrConflict) {
			t.Fatalf("expected ErrConflict for duplicate email, got %v", err)
		}
	})

	t.Run("add refresh token requires an existing user", func(t *testing.T) {
		store := newStore(t)
		err := store.AddRefreshToken(context.Background(), uuid.NewString(), NewRecord("orphan"))
		if !errors.Is(err, authkit.ErrUserNotFound) {
			t.Fatalf("expected ErrUserNotFound, got %v", err)
		}
	})

	t.Run("replace is single use", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		user := mustCreate(t, store, "alice", "alice@x.com")
		if err := store.AddRefreshToken(ctx, user.ID, NewRecord("r1")); err != nil {
			t.Fatalf("add refresh token: %v", err)
		}

		replaced, err := store.ReplaceRefreshToken(ctx, user.ID, digest("r1"), NewRecord("r2"))
		if err != nil || !replaced {
			t.Fatalf("first replace: replaced=%v err=%v", replaced, err)
		}
		replaced, err = store.ReplaceRefreshToken(ctx, user.ID, digest("r1"), NewRecord("r3"))
		if err != nil || replaced {
			t.Fatalf("replaying r1: replaced=%v err=%v", replaced, err)
		}
		// r3 must not have been inserted by the failed replace.
		replaced, err = store.ReplaceRefreshToken(ctx, user.ID, digest("r3"), NewRecord("r4"))
		if err != nil || replaced {
			t.Fatalf("r3 should be absent: replaced=%v err=%v", replaced, err)
		}
		replaced, err = store.ReplaceRefreshToken(ctx, user.ID, digest("r2"), NewRecord("r5"))
		if err != nil || !replaced {
			t.Fatalf("successor r2 should be valid: replaced=%v err=%v", replaced, err)
		}
	})

	t.Run("replace for unknown user reports false", func(t *testing.T) {
		store := newStore(t)
		replaced, err := store.ReplaceRefreshToken(context.Background(), uuid.NewString(), digest("r1"), NewRecord("r2"))
		if err != nil || replaced {
			t.Fatalf("replaced=%v err=%v", replaced, err)
		}
	})

	t.Run("concurrent replace has exactly one winner", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		user := mustCreate(t, store, "alice", "alice@x.com")
		if err := store.AddRefreshToken(ctx, user.ID, NewRecord("shared")); err != nil {
			t.Fatalf("add refresh token: %v", err)
		}

		const contenders = 8
		var (
			waitGroup sync.WaitGroup
			mutex     sync.Mutex
			winners   int
			failures  []error
		)
		start := make(chan struct{})
		for index := 0; index < contenders; index++ {
			waitGroup.Add(1)
			go func(index int) {
				defer waitGroup.Done()
				<-start
				replaced, err := store.ReplaceRefreshToken(ctx, user.ID, digest("shared"), NewRecord(fmt.Sprintf("next-%d", index)))
				mutex.Lock()
				defer mutex.Unlock()
				if err != nil {
					failures = append(failures, err)
					return
				}
				if replaced {
					winners++
				}
			}(index)
		}
		close(start)
		waitGroup.Wait()

		if len(failures) > 0 {
			t.Fatalf("unexpected replace errors: %v", failures)
		}
		if winners != 1 {
			t.Fatalf("expected exactly one successful replace, got %d", winners)
		}
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		user := mustCreate(t, store, "alice", "alice@x.com")
		if err := store.AddRefreshToken(ctx, user.ID, NewRecord("r1")); err != nil {
			t.Fatalf("add refresh token: %v", err)
		}
		for attempt := 0; attempt < 2; attempt++ {
			if err := store.RemoveRefreshToken(ctx, user.ID, digest("r1")); err != nil {
				t.Fatalf("remove attempt %d: %v", attempt, err)
			}
		}
		if err := store.RemoveRefreshToken(ctx, uuid.NewString(), digest("r1")); err != nil {
			t.Fatalf("remove for unknown user: %v", err)
		}
		replaced, err := store.ReplaceRefreshToken(ctx, user.ID, digest("r1"), NewRecord("r2"))
		if err != nil || replaced {
			t.Fatalf("removed token should be absent: replaced=%v err=%v", replaced, err)
		}
	})

	t.Run("clear removes every token of one user only", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		alice := mustCreate(t, store, "alice", "alice@x.com")
		bob := mustCreate(t, store, "bob", "bob@x.com")
		for _, raw := range []string{"a1", "a2"} {
			if err := store.AddRefreshToken(ctx, alice.ID, NewRecord(raw)); err != nil {
				t.Fatalf("add refresh token: %v", err)
			}
		}
		if err := store.AddRefreshToken(ctx, bob.ID, NewRecord("b1")); err != nil {
			t.Fatalf("add refresh token: %v", err)
		}

		if err := store.ClearRefreshTokens(ctx, alice.ID); err != nil {
			t.Fatalf("clear: %v", err)
		}
		for _, raw := range []string{"a1", "a2"} {
			replaced, err := store.ReplaceRefreshToken(ctx, alice.ID, digest(raw), NewRecord(raw+"-next"))
			if err != nil || replaced {
				t.Fatalf("%s should be cleared: replaced=%v err=%v", raw, replaced, err)
			}
		}
		replaced, err := store.ReplaceRefreshToken(ctx, bob.ID, digest("b1"), NewRecord("b2"))
		if err != nil || !replaced {
			t.Fatalf("bob's token should survive: replaced=%v err=%v", replaced, err)
		}
	})
}

// NewUser builds a user with a fresh id and fixed profile fields.
func NewUser(username string, email string) authkit.User {
	return authkit.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: "$2a$04$hash-for-" + username,
		Image:        "",
		Favorites:    []string{"book-1", "book-2"},
		CreatedAt:    time.Unix(1700000000, 0).UTC(),
	}
}

// NewRecord builds a refresh token record for the raw token string.
func NewRecord(rawToken string) authkit.RefreshTokenRecord {
	issuedAt := time.Unix(1700000000, 0).UTC()
	return authkit.RefreshTokenRecord{
		Digest:    digest(rawToken),
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(time.Hour),
	}
}

func digest(rawToken string) string {
	return authkit.DigestRefreshToken(rawToken)
}

func mustCreate(t *testing.T, store authkit.UserStore, username string, email string) authkit.User {
	t.Helper()
	user := NewUser(username, email)
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create %s: %v", username, err)
	}
	user.Email = strings.ToLower(email)
	return user
}

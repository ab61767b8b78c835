// Package authkitpg stores talebook users and refresh token digests in PostgreSQL through a pgx pool.
package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/talebook/internal/authkit"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	usersTable         = "users"
	refreshTokensTable = "user_refresh_tokens"
)

var userColumns = []string{"user_id", "username", "email", "password_hash", "image", "favorites", "created_at"}

// PostgresUserStore implements authkit.UserStore on a pgx pool.
type PostgresUserStore struct {
	pool    *pgxpool.Pool
	builder sq.StatementBuilderType
}

// NewPostgresUserStore wraps a pool whose schema was prepared by RunMigrations.
func NewPostgresUserStore(pool *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{
		pool:    pool,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// CreateUser inserts a user; unique violations become authkit.ErrConflict.
func (store *PostgresUserStore) CreateUser(ctx context.Context, user authkit.User) error {
	favorites := user.Favorites
	if favorites == nil {
		favorites = []string{}
	}
	query, args, err := store.builder.Insert(usersTable).
		Columns(userColumns...).
		Values(user.ID, user.Username, strings.ToLower(user.Email), user.PasswordHash, user.Image, favorites, user.CreatedAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("authkitpg.create_user.build: %w", err)
	}
	if _, execErr := store.pool.Exec(ctx, query, args...); execErr != nil {
		if hasPgCode(execErr, pgUniqueViolation) {
			return fmt.Errorf("authkitpg.create_user: %w", authkit.ErrConflict)
		}
		return fmt.Errorf("authkitpg.create_user: %w", execErr)
	}
	return nil
}

// FindUserByID returns the user with the given id.
func (store *PostgresUserStore) FindUserByID(ctx context.Context, userID string) (authkit.User, bool, error) {
	return store.findUser(ctx, "find_by_id", sq.Eq{"user_id": userID})
}

// FindUserByUsername returns the user with the given username.
func (store *PostgresUserStore) FindUserByUsername(ctx context.Context, username string) (authkit.User, bool, error) {
	return store.findUser(ctx, "find_by_username", sq.Eq{"username": username})
}

// FindUserByEmail returns the user with the given email.
func (store *PostgresUserStore) FindUserByEmail(ctx context.Context, email string) (authkit.User, bool, error) {
	return store.findUser(ctx, "find_by_email", sq.Eq{"email": strings.ToLower(email)})
}

func (store *PostgresUserStore) findUser(ctx context.Context, operation string, condition sq.Eq) (authkit.User, bool, error) {
	query, args, err := store.builder.Select(userColumns...).From(usersTable).Where(condition).ToSql()
	if err != nil {
		return authkit.User{}, false, fmt.Errorf("authkitpg.%s.build: %w", operation, err)
	}
	var user authkit.User
	scanErr := store.pool.QueryRow(ctx, query, args...).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.Image, &user.Favorites, &user.CreatedAt,
	)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return authkit.User{}, false, nil
		}
		return authkit.User{}, false, fmt.Errorf("authkitpg.%s: %w", operation, scanErr)
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return user, true, nil
}

// AddRefreshToken inserts a digest; a missing owner yields authkit.ErrUserNotFound.
func (store *PostgresUserStore) AddRefreshToken(ctx context.Context, userID string, record authkit.RefreshTokenRecord) error {
	if err := store.insertRefreshToken(ctx, store.pool, userID, record); err != nil {
		if hasPgCode(err, pgForeignKeyViolation) {
			return fmt.Errorf("authkitpg.add_refresh: %w", authkit.ErrUserNotFound)
		}
		return fmt.Errorf("authkitpg.add_refresh: %w", err)
	}
	return nil
}

// ReplaceRefreshToken deletes previousDigest and inserts next inside one transaction.
// Concurrent callers serialize on the row lock taken by DELETE; losers see zero rows.
func (store *PostgresUserStore) ReplaceRefreshToken(ctx context.Context, userID string, previousDigest string, next authkit.RefreshTokenRecord) (bool, error) {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("authkitpg.replace_refresh.begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query, args, err := store.builder.Delete(refreshTokensTable).
		Where(sq.Eq{"user_id": userID, "token_digest": previousDigest}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("authkitpg.replace_refresh.build: %w", err)
	}
	tag, execErr := tx.Exec(ctx, query, args...)
	if execErr != nil {
		return false, fmt.Errorf("authkitpg.replace_refresh.delete: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if insertErr := store.insertRefreshToken(ctx, tx, userID, next); insertErr != nil {
		return false, fmt.Errorf("authkitpg.replace_refresh.insert: %w", insertErr)
	}
	if commitErr := tx.Commit(ctx); commitErr != nil {
		return false, fmt.Errorf("authkitpg.replace_refresh.commit: %w", commitErr)
	}
	return true, nil
}

// RemoveRefreshToken deletes one digest; absent digests are ignored.
func (store *PostgresUserStore) RemoveRefreshToken(ctx context.Context, userID string, digest string) error {
	return store.deleteRefreshTokens(ctx, "remove_refresh", sq.Eq{"user_id": userID, "token_digest": digest})
}

// ClearRefreshTokens deletes every digest owned by the user.
func (store *PostgresUserStore) ClearRefreshTokens(ctx context.Context, userID string) error {
	return store.deleteRefreshTokens(ctx, "clear_refresh", sq.Eq{"user_id": userID})
}

func (store *PostgresUserStore) deleteRefreshTokens(ctx context.Context, operation string, condition sq.Eq) error {
	query, args, err := store.builder.Delete(refreshTokensTable).Where(condition).ToSql()
	if err != nil {
		return fmt.Errorf("authkitpg.%s.build: %w", operation, err)
	}
	if _, execErr := store.pool.Exec(ctx, query, args...); execErr != nil {
		return fmt.Errorf("authkitpg.%s: %w", operation, execErr)
	}
	return nil
}

type executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func (store *PostgresUserStore) insertRefreshToken(ctx context.Context, target executor, userID string, record authkit.RefreshTokenRecord) error {
	query, args, err := store.builder.Insert(refreshTokensTable).
		Columns("token_digest", "user_id", "issued_at", "expires_at").
		Values(record.Digest, userID, record.IssuedAt.UTC(), record.ExpiresAt.UTC()).
		ToSql()
	if err != nil {
		return err
	}
	_, execErr := target.Exec(ctx, query, args...)
	return execErr
}

func hasPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

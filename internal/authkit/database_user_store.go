package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("user_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("user_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("user_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("user_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("user_store.unsupported_no_scheme")
)

// DatabaseUserStore persists users and their refresh token digests using GORM.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseUserStore) Driver() string {
	return store.driverLabel
}

type userRecord struct {
	UserID        string   `gorm:"column:user_id;primaryKey"`
	Username      string   `gorm:"column:username;uniqueIndex;not null"`
	Email         string   `gorm:"column:email;uniqueIndex;not null"`
	PasswordHash  string   `gorm:"column:password_hash;not null;default:''"`
	Image         string   `gorm:"column:image;not null;default:''"`
	Favorites     []string `gorm:"column:favorites;serializer:json"`
	CreatedAtUnix int64    `gorm:"column:created_at_unix;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

type refreshTokenRecord struct {
	TokenDigest  string `gorm:"column:token_digest;primaryKey"`
	UserID       string `gorm:"column:user_id;index;not null"`
	IssuedAtUnix int64  `gorm:"column:issued_at_unix;not null"`
	ExpiresUnix  int64  `gorm:"column:expires_unix;not null"`
}

func (refreshTokenRecord) TableName() string {
	return "user_refresh_tokens"
}

// NewDatabaseUserStore constructs a GORM-backed store and migrates its tables.
func NewDatabaseUserStore(ctx context.Context, databaseURL string) (*DatabaseUserStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("user_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("user_store.open.%s: %w", driverLabel, openErr)
	}
	if driverLabel == "sqlite" {
		// SQLite permits one writer at a time.
		sqlDB, sqlErr := gormDB.DB()
		if sqlErr != nil {
			return nil, fmt.Errorf("user_store.open.%s: %w", driverLabel, sqlErr)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}, &refreshTokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("user_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseUserStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// CreateUser inserts a user, mapping unique violations to ErrConflict.
func (store *DatabaseUserStore) CreateUser(ctx context.Context, user User) error {
	record := userRecord{
		UserID:        user.ID,
		Username:      user.Username,
		Email:         strings.ToLower(user.Email),
		PasswordHash:  user.PasswordHash,
		Image:         user.Image,
		Favorites:     append([]string{}, user.Favorites...),
		CreatedAtUnix: user.CreatedAt.Unix(),
	}
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if countErr := tx.Model(&userRecord{}).
			Where("username = ? OR email = ?", record.Username, record.Email).
			Count(&existing).Error; countErr != nil {
			return countErr
		}
		if existing > 0 {
			return ErrConflict
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("user_store.create.%s: %w", store.driverLabel, ErrConflict)
		}
		return fmt.Errorf("user_store.create.%s: %w", store.driverLabel, err)
	}
	return nil
}

// FindUserByID returns the user with the given id.
func (store *DatabaseUserStore) FindUserByID(ctx context.Context, userID string) (User, bool, error) {
	return store.findUser(ctx, "find_by_id", "user_id = ?", userID)
}

// FindUserByUsername returns the user with the given username.
func (store *DatabaseUserStore) FindUserByUsername(ctx context.Context, username string) (User, bool, error) {
	return store.findUser(ctx, "find_by_username", "username = ?", username)
}

// FindUserByEmail returns the user with the given email.
func (store *DatabaseUserStore) FindUserByEmail(ctx context.Context, email string) (User, bool, error) {
	return store.findUser(ctx, "find_by_email", "email = ?", strings.ToLower(email))
}

func (store *DatabaseUserStore) findUser(ctx context.Context, operation string, condition string, value string) (User, bool, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where(condition, value).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, false, nil
		}
		return User{}, false, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, err)
	}
	return User{
		ID:           record.UserID,
		Username:     record.Username,
		Email:        record.Email,
		PasswordHash: record.PasswordHash,
		Image:        record.Image,
		Favorites:    record.Favorites,
		CreatedAt:    time.Unix(record.CreatedAtUnix, 0).UTC(),
	}, true, nil
}

// AddRefreshToken inserts a digest for an existing user.
func (store *DatabaseUserStore) AddRefreshToken(ctx context.Context, userID string, record RefreshTokenRecord) error {
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owners int64
		if countErr := tx.Model(&userRecord{}).Where("user_id = ?", userID).Count(&owners).Error; countErr != nil {
			return countErr
		}
		if owners == 0 {
			return ErrUserNotFound
		}
		return tx.Create(newRefreshTokenRow(userID, record)).Error
	})
	if err != nil {
		return fmt.Errorf("user_store.add_refresh.%s: %w", store.driverLabel, err)
	}
	return nil
}

// ReplaceRefreshToken deletes previousDigest only if present and inserts next in one transaction.
func (store *DatabaseUserStore) ReplaceRefreshToken(ctx context.Context, userID string, previousDigest string, next RefreshTokenRecord) (bool, error) {
	replaced := false
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("user_id = ? AND token_digest = ?", userID, previousDigest).Delete(&refreshTokenRecord{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		if createErr := tx.Create(newRefreshTokenRow(userID, next)).Error; createErr != nil {
			return createErr
		}
		replaced = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("user_store.replace_refresh.%s: %w", store.driverLabel, err)
	}
	return replaced, nil
}

// RemoveRefreshToken deletes one digest; absent digests are ignored.
func (store *DatabaseUserStore) RemoveRefreshToken(ctx context.Context, userID string, digest string) error {
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND token_digest = ?", userID, digest).
		Delete(&refreshTokenRecord{}).Error
	if err != nil {
		return fmt.Errorf("user_store.remove_refresh.%s: %w", store.driverLabel, err)
	}
	return nil
}

// ClearRefreshTokens deletes every digest owned by the user.
func (store *DatabaseUserStore) ClearRefreshTokens(ctx context.Context, userID string) error {
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&refreshTokenRecord{}).Error
	if err != nil {
		return fmt.Errorf("user_store.clear_refresh.%s: %w", store.driverLabel, err)
	}
	return nil
}

func newRefreshTokenRow(userID string, record RefreshTokenRecord) *refreshTokenRecord {
	return &refreshTokenRecord{
		TokenDigest:  record.Digest,
		UserID:       userID,
		IssuedAtUnix: record.IssuedAt.Unix(),
		ExpiresUnix:  record.ExpiresAt.Unix(),
	}
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("user_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("user_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("user_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("user_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}

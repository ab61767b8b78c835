// Package authkitmongo stores talebook users and refresh token digests in MongoDB.
package authkitmongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/talebook/internal/authkit"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	// DefaultUsersCollectionName is the collection holding user documents.
	DefaultUsersCollectionName = "users"
	// DefaultRefreshTokensCollectionName is the collection holding refresh token digests.
	DefaultRefreshTokensCollectionName = "refresh_tokens"
)

type userDocument struct {
	ID           string    `bson:"_id"`
	Username     string    `bson:"username"`
	Email        string    `bson:"email"`
	PasswordHash string    `bson:"passwordHash"`
	Image        string    `bson:"image"`
	Favorites    []string  `bson:"favorites"`
	CreatedAt    time.Time `bson:"createdAt"`
}

// refreshTokenDocument is keyed by digest; the unique _id lets one delete win per digest.
type refreshTokenDocument struct {
	Digest    string    `bson:"_id"`
	UserID    string    `bson:"userId"`
	IssuedAt  time.Time `bson:"issuedAt"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

// MongoUserStore implements authkit.UserStore on two collections of one database.
type MongoUserStore struct {
	users         *mongo.Collection
	refreshTokens *mongo.Collection
}

// Connect dials MongoDB, verifies the connection, and returns the client.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("authkitmongo.connect: %w", err)
	}
	if pingErr := client.Ping(ctx, nil); pingErr != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("authkitmongo.ping: %w", pingErr)
	}
	return client, nil
}

// NewMongoUserStore binds the store to database and creates the indexes it relies on.
func NewMongoUserStore(ctx context.Context, database *mongo.Database) (*MongoUserStore, error) {
	store := &MongoUserStore{
		users:         database.Collection(DefaultUsersCollectionName),
		refreshTokens: database.Collection(DefaultRefreshTokensCollectionName),
	}
	if _, err := store.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
	}); err != nil {
		return nil, fmt.Errorf("authkitmongo.index.users: %w", err)
	}
	if _, err := store.refreshTokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("authkitmongo.index.refresh_tokens: %w", err)
	}
	return store, nil
}

// CreateUser inserts a user; duplicate keys become authkit.ErrConflict.
func (store *MongoUserStore) CreateUser(ctx context.Context, user authkit.User) error {
	favorites := user.Favorites
	if favorites == nil {
		favorites = []string{}
	}
	document := userDocument{
		ID:           user.ID,
		Username:     user.Username,
		Email:        strings.ToLower(user.Email),
		PasswordHash: user.PasswordHash,
		Image:        user.Image,
		Favorites:    favorites,
		CreatedAt:    user.CreatedAt.UTC(),
	}
	if _, err := store.users.InsertOne(ctx, document); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("authkitmongo.create_user: %w", authkit.ErrConflict)
		}
		return fmt.Errorf("authkitmongo.create_user: %w", err)
	}
	return nil
}

// FindUserByID returns the user with the given id.
func (store *MongoUserStore) FindUserByID(ctx context.Context, userID string) (authkit.User, bool, error) {
	return store.findUser(ctx, "find_by_id", bson.M{"_id": userID})
}

// FindUserByUsername returns the user with the given username.
func (store *MongoUserStore) FindUserByUsername(ctx context.Context, username string) (authkit.User, bool, error) {
	return store.findUser(ctx, "find_by_username", bson.M{"username": username})
}

// FindUserByEmail returns the user with the given email.
func (store *MongoUserStore) FindUserByEmail(ctx context.Context, email string) (authkit.User, bool, error) {
	return store.findUser(ctx, "find_by_email", bson.M{"email": strings.ToLower(email)})
}

func (store *MongoUserStore) findUser(ctx context.Context, operation string, filter bson.M) (authkit.User, bool, error) {
	var document userDocument
	if err := store.users.FindOne(ctx, filter).Decode(&document); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return authkit.User{}, false, nil
		}
		return authkit.User{}, false, fmt.Errorf("authkitmongo.%s: %w", operation, err)
	}
	favorites := document.Favorites
	if favorites == nil {
		favorites = []string{}
	}
	return authkit.User{
		ID:           document.ID,
		Username:     document.Username,
		Email:        document.Email,
		PasswordHash: document.PasswordHash,
		Image:        document.Image,
		Favorites:    favorites,
		CreatedAt:    document.CreatedAt.UTC(),
	}, true, nil
}

// AddRefreshToken inserts a digest for an existing user.
func (store *MongoUserStore) AddRefreshToken(ctx context.Context, userID string, record authkit.RefreshTokenRecord) error {
	count, err := store.users.CountDocuments(ctx, bson.M{"_id": userID}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("authkitmongo.add_refresh.lookup: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("authkitmongo.add_refresh: %w", authkit.ErrUserNotFound)
	}
	if insertErr := store.insertRefreshToken(ctx, userID, record); insertErr != nil {
		return fmt.Errorf("authkitmongo.add_refresh: %w", insertErr)
	}
	return nil
}

// ReplaceRefreshToken deletes previousDigest and, only when that delete matched, inserts next.
// Single-document deletes are atomic, so concurrent callers with the same digest see one winner.
func (store *MongoUserStore) ReplaceRefreshToken(ctx context.Context, userID string, previousDigest string, next authkit.RefreshTokenRecord) (bool, error) {
	result, err := store.refreshTokens.DeleteOne(ctx, bson.M{"_id": previousDigest, "userId": userID})
	if err != nil {
		return false, fmt.Errorf("authkitmongo.replace_refresh.delete: %w", err)
	}
	if result.DeletedCount == 0 {
		return false, nil
	}
	if insertErr := store.insertRefreshToken(ctx, userID, next); insertErr != nil {
		return false, fmt.Errorf("authkitmongo.replace_refresh.insert: %w", insertErr)
	}
	return true, nil
}

// RemoveRefreshToken deletes one digest; absent digests are ignored.
func (store *MongoUserStore) RemoveRefreshToken(ctx context.Context, userID string, digest string) error {
	if _, err := store.refreshTokens.DeleteOne(ctx, bson.M{"_id": digest, "userId": userID}); err != nil {
		return fmt.Errorf("authkitmongo.remove_refresh: %w", err)
	}
	return nil
}

// ClearRefreshTokens deletes every digest owned by the user.
func (store *MongoUserStore) ClearRefreshTokens(ctx context.Context, userID string) error {
	if _, err := store.refreshTokens.DeleteMany(ctx, bson.M{"userId": userID}); err != nil {
		return fmt.Errorf("authkitmongo.clear_refresh: %w", err)
	}
	return nil
}

func (store *MongoUserStore) insertRefreshToken(ctx context.Context, userID string, record authkit.RefreshTokenRecord) error {
	_, err := store.refreshTokens.InsertOne(ctx, refreshTokenDocument{
		Digest:    record.Digest,
		UserID:    userID,
		IssuedAt:  record.IssuedAt.UTC(),
		ExpiresAt: record.ExpiresAt.UTC(),
	})
	return err
}

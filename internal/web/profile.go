package web

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/talebook/internal/authkit"
	"go.uber.org/zap"
)

// UserLookup resolves a user by id.
type UserLookup interface {
	FindUserByID(ctx context.Context, userID string) (authkit.User, bool, error)
}

// HandleWhoAmI returns the authenticated user's public profile.
// It must run behind authkit.RequireAccessToken.
func HandleWhoAmI(logger *zap.Logger, users UserLookup) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		panic("user store is required")
	}

	return func(contextGin *gin.Context) {
		userID, ok := authkit.UserIDFromContext(contextGin)
		if !ok {
			logger.Warn("missing user id on context",
				zap.String("code", "api.me.missing_user"))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": authkit.ErrUnauthenticated.Error()})
			return
		}

		user, found, lookupErr := users.FindUserByID(contextGin.Request.Context(), userID)
		if lookupErr != nil {
			logger.Error("user profile lookup error",
				zap.String("code", "api.me.profile_error"),
				zap.String("user_id", userID),
				zap.Error(lookupErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		if !found {
			logger.Warn("user profile missing",
				zap.String("code", "api.me.profile_missing"),
				zap.String("user_id", userID))
			contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": authkit.ErrUserNotFound.Error()})
			return
		}

		favorites := user.Favorites
		if favorites == nil {
			favorites = []string{}
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"userId":    user.ID,
			"username":  user.Username,
			"email":     user.Email,
			"image":     user.Image,
			"favorites": favorites,
		})
	}
}

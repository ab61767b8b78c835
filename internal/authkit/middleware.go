package authkit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/talebook/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// ContextKeyUserID is the gin context key holding the authenticated user id.
const ContextKeyUserID = "auth_user_id"

// Rejection reasons reported alongside auth.unauthenticated.
const (
	reasonMissingToken = "missing_token"
	reasonInvalidToken = "invalid_token"
	reasonExpired      = "expired"
)

// AccessTokenVerifier resolves an access token to its user id.
type AccessTokenVerifier interface {
	VerifyAccessToken(accessToken string) (string, error)
}

// RequireAccessToken authenticates the bearer credential and stores the user id
// under ContextKeyUserID. It never touches the user store.
func RequireAccessToken(verifier AccessTokenVerifier, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		accessToken := sessionvalidator.BearerToken(contextGin.Request)
		if accessToken == "" {
			abortUnauthenticated(contextGin, reasonMissingToken)
			return
		}
		userID, verifyErr := verifier.VerifyAccessToken(accessToken)
		if verifyErr != nil {
			reason := reasonInvalidToken
			if errors.Is(verifyErr, ErrExpired) {
				reason = reasonExpired
			}
			logger.Debug("access token rejected",
				zap.String("code", ErrUnauthenticated.Error()),
				zap.String("reason", reason),
				zap.String("path", contextGin.Request.URL.Path),
			)
			abortUnauthenticated(contextGin, reason)
			return
		}
		contextGin.Set(ContextKeyUserID, userID)
		contextGin.Next()
	}
}

// UserIDFromContext returns the user id stored by RequireAccessToken.
func UserIDFromContext(contextGin *gin.Context) (string, bool) {
	value, exists := contextGin.Get(ContextKeyUserID)
	if !exists {
		return "", false
	}
	userID, ok := value.(string)
	return userID, ok && userID != ""
}

func abortUnauthenticated(contextGin *gin.Context, reason string) {
	contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":  ErrUnauthenticated.Error(),
		"reason": reason,
	})
}

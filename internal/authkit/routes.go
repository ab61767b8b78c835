package authkit

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errMissingDependency = errors.New("auth.routes.missing_dependency")

// AuthDependencies carries everything the session handlers need.
type AuthDependencies struct {
	Configuration ServerConfig
	Credentials   *CredentialStore
	Tokens        *TokenService
	Logger        *zap.Logger
	Metrics       MetricsRecorder
	// RateLimiter guards register, login and Google sign-in when set.
	RateLimiter *ClientRateLimiter
	// NonceStore and GoogleValidator enable /auth/nonce and /auth/google
	// together with Configuration.GoogleWebClientID.
	NonceStore      NonceStore
	GoogleValidator GoogleTokenValidator
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type googleRequest struct {
	GoogleIDToken string `json:"googleIdToken"`
	Nonce         string `json:"nonce"`
}

type sessionResponse struct {
	UserID       string `json:"userId,omitempty"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type authHandlers struct {
	AuthDependencies
}

// MountAuthRoutes registers the /auth session endpoints on router.
func MountAuthRoutes(router gin.IRouter, dependencies AuthDependencies) error {
	if dependencies.Credentials == nil || dependencies.Tokens == nil {
		return fmt.Errorf("auth.routes.mount: %w: credentials and tokens are required", errMissingDependency)
	}
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	if dependencies.Metrics == nil {
		dependencies.Metrics = noopMetrics{}
	}
	handlers := &authHandlers{AuthDependencies: dependencies}

	limited := []gin.HandlerFunc{}
	if dependencies.RateLimiter != nil {
		limited = append(limited, dependencies.RateLimiter.Middleware(dependencies.Logger, dependencies.Metrics))
	}
	requireAccess := RequireAccessToken(dependencies.Tokens, dependencies.Logger)

	auth := router.Group("/auth")
	auth.POST("/register", append(limited, handlers.register)...)
	auth.POST("/login", append(limited, handlers.login)...)
	auth.POST("/refresh", handlers.refresh)
	auth.POST("/logout", requireAccess, handlers.logout)
	auth.POST("/logout-all", requireAccess, handlers.logoutAll)

	if strings.TrimSpace(dependencies.Configuration.GoogleWebClientID) != "" {
		if dependencies.NonceStore == nil || dependencies.GoogleValidator == nil {
			return fmt.Errorf("auth.routes.mount: %w: google sign-in needs a nonce store and validator", errMissingDependency)
		}
		auth.GET("/nonce", handlers.issueNonce)
		auth.POST("/google", append(limited, handlers.google)...)
	}
	return nil
}

func (handlers *authHandlers) register(contextGin *gin.Context) {
	var inbound registerRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		handlers.Metrics.Increment(metricAuthRegisterFailure)
		respondError(contextGin, http.StatusBadRequest, ErrValidation)
		return
	}
	user, createErr := handlers.Credentials.Create(contextGin.Request.Context(), inbound.Username, inbound.Email, inbound.Password)
	if createErr != nil {
		switch {
		case errors.Is(createErr, ErrValidation):
			handlers.Metrics.Increment(metricAuthRegisterFailure)
			respondError(contextGin, http.StatusBadRequest, ErrValidation)
		case errors.Is(createErr, ErrConflict):
			handlers.Metrics.Increment(metricAuthRegisterConflict)
			respondError(contextGin, http.StatusConflict, ErrConflict)
		default:
			handlers.Metrics.Increment(metricAuthRegisterFailure)
			handlers.internalError(contextGin, "auth.register.store_error", createErr)
		}
		return
	}
	pair, issueErr := handlers.Tokens.IssueTokenPair(contextGin.Request.Context(), user.ID)
	if issueErr != nil {
		handlers.Metrics.Increment(metricAuthRegisterFailure)
		handlers.internalError(contextGin, "auth.register.issue_error", issueErr)
		return
	}
	handlers.Metrics.Increment(metricAuthRegisterSuccess)
	handlers.Logger.Info("user registered", zap.String("user_id", user.ID))
	contextGin.JSON(http.StatusCreated, sessionResponse{
		UserID:       user.ID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (handlers *authHandlers) login(contextGin *gin.Context) {
	var inbound loginRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || inbound.Password == "" ||
		(strings.TrimSpace(inbound.Username) == "" && strings.TrimSpace(inbound.Email) == "") {
		handlers.Metrics.Increment(metricAuthLoginFailure)
		respondError(contextGin, http.StatusBadRequest, ErrValidation)
		return
	}
	user, found, findErr := handlers.findLoginUser(contextGin, inbound)
	if findErr != nil {
		handlers.Metrics.Increment(metricAuthLoginFailure)
		handlers.internalError(contextGin, "auth.login.store_error", findErr)
		return
	}
	if !found || !handlers.Credentials.VerifyPassword(user, inbound.Password) {
		handlers.Metrics.Increment(metricAuthLoginFailure)
		handlers.Logger.Info("login rejected", zap.String("code", ErrInvalidCredentials.Error()), zap.String("ip", contextGin.ClientIP()))
		respondError(contextGin, http.StatusUnauthorized, ErrInvalidCredentials)
		return
	}
	pair, issueErr := handlers.Tokens.IssueTokenPair(contextGin.Request.Context(), user.ID)
	if issueErr != nil {
		handlers.Metrics.Increment(metricAuthLoginFailure)
		handlers.internalError(contextGin, "auth.login.issue_error", issueErr)
		return
	}
	handlers.Metrics.Increment(metricAuthLoginSuccess)
	contextGin.JSON(http.StatusOK, sessionResponse{
		UserID:       user.ID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

// findLoginUser accepts a username, an email, or an email typed into the username field.
func (handlers *authHandlers) findLoginUser(contextGin *gin.Context, inbound loginRequest) (User, bool, error) {
	ctx := contextGin.Request.Context()
	if username := strings.TrimSpace(inbound.Username); username != "" {
		user, found, err := handlers.Credentials.FindByUsername(ctx, username)
		if err != nil || found || !strings.Contains(username, "@") {
			return user, found, err
		}
		return handlers.Credentials.FindByEmail(ctx, username)
	}
	return handlers.Credentials.FindByEmail(ctx, inbound.Email)
}

func (handlers *authHandlers) refresh(contextGin *gin.Context) {
	var inbound refreshRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
		handlers.Metrics.Increment(metricAuthRefreshFailure)
		respondError(contextGin, http.StatusBadRequest, ErrValidation)
		return
	}
	pair, rotateErr := handlers.Tokens.RotateRefreshToken(contextGin.Request.Context(), inbound.RefreshToken)
	if rotateErr != nil {
		switch {
		case errors.Is(rotateErr, ErrRevoked):
			handlers.Metrics.Increment(metricAuthRefreshReuse)
			handlers.Logger.Warn("revoked refresh token presented",
				zap.String("code", metricAuthRefreshReuse),
				zap.String("ip", contextGin.ClientIP()),
			)
			respondError(contextGin, http.StatusUnauthorized, ErrRevoked)
		case errors.Is(rotateErr, ErrExpired):
			handlers.Metrics.Increment(metricAuthRefreshFailure)
			respondError(contextGin, http.StatusUnauthorized, ErrExpired)
		case errors.Is(rotateErr, ErrInvalidToken):
			handlers.Metrics.Increment(metricAuthRefreshFailure)
			respondError(contextGin, http.StatusUnauthorized, ErrInvalidToken)
		default:
			handlers.Metrics.Increment(metricAuthRefreshFailure)
			handlers.internalError(contextGin, "auth.refresh.store_error", rotateErr)
		}
		return
	}
	handlers.Metrics.Increment(metricAuthRefreshSuccess)
	contextGin.JSON(http.StatusOK, sessionResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (handlers *authHandlers) logout(contextGin *gin.Context) {
	userID, _ := UserIDFromContext(contextGin)
	var inbound refreshRequest
	// A missing or malformed body still logs out successfully.
	_ = contextGin.ShouldBindJSON(&inbound)
	if revokeErr := handlers.Tokens.Revoke(contextGin.Request.Context(), userID, inbound.RefreshToken); revokeErr != nil {
		handlers.Logger.Warn("logout revoke failed",
			zap.String("code", "auth.logout.store_error"),
			zap.String("user_id", userID),
			zap.Error(revokeErr),
		)
	}
	handlers.Metrics.Increment(metricAuthLogoutSuccess)
	contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handlers *authHandlers) logoutAll(contextGin *gin.Context) {
	userID, _ := UserIDFromContext(contextGin)
	if revokeErr := handlers.Tokens.RevokeAll(contextGin.Request.Context(), userID); revokeErr != nil {
		handlers.internalError(contextGin, "auth.logout_all.store_error", revokeErr)
		return
	}
	handlers.Metrics.Increment(metricAuthLogoutAllSuccess)
	contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handlers *authHandlers) issueNonce(contextGin *gin.Context) {
	nonce, issueErr := handlers.NonceStore.Issue(contextGin.Request.Context())
	if issueErr != nil {
		handlers.internalError(contextGin, "auth.nonce.issue_error", issueErr)
		return
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, gin.H{"nonce": nonce})
}

func (handlers *authHandlers) google(contextGin *gin.Context) {
	var inbound googleRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil ||
		strings.TrimSpace(inbound.GoogleIDToken) == "" || strings.TrimSpace(inbound.Nonce) == "" {
		handlers.Metrics.Increment(metricAuthGoogleFailure)
		respondError(contextGin, http.StatusBadRequest, ErrValidation)
		return
	}
	ctx := contextGin.Request.Context()
	if consumeErr := handlers.NonceStore.Consume(ctx, inbound.Nonce); consumeErr != nil {
		handlers.Metrics.Increment(metricAuthGoogleFailure)
		if !errors.Is(consumeErr, ErrNonceNotFound) && !errors.Is(consumeErr, ErrNonceExpired) {
			handlers.internalError(contextGin, "auth.google.nonce_error", consumeErr)
			return
		}
		respondError(contextGin, http.StatusUnauthorized, ErrInvalidToken)
		return
	}
	payload, validateErr := handlers.GoogleValidator.Validate(ctx, inbound.GoogleIDToken, handlers.Configuration.GoogleWebClientID)
	if validateErr != nil {
		handlers.Metrics.Increment(metricAuthGoogleFailure)
		handlers.Logger.Info("google token rejected", zap.String("code", "auth.google.invalid_token"), zap.Error(validateErr))
		respondError(contextGin, http.StatusUnauthorized, ErrInvalidToken)
		return
	}
	identity, identityErr := googleIdentityFromPayload(payload, inbound.Nonce)
	if identityErr != nil {
		handlers.Metrics.Increment(metricAuthGoogleFailure)
		handlers.Logger.Info("google identity rejected", zap.String("code", identityErr.Error()))
		respondError(contextGin, http.StatusUnauthorized, ErrInvalidCredentials)
		return
	}
	user, ensureErr := handlers.Credentials.EnsureExternalUser(ctx, identity.email, identity.displayName)
	if ensureErr != nil {
		handlers.Metrics.Increment(metricAuthGoogleFailure)
		handlers.internalError(contextGin, "auth.google.store_error", ensureErr)
		return
	}
	pair, issueErr := handlers.Tokens.IssueTokenPair(ctx, user.ID)
	if issueErr != nil {
		handlers.Metrics.Increment(metricAuthGoogleFailure)
		handlers.internalError(contextGin, "auth.google.issue_error", issueErr)
		return
	}
	handlers.Metrics.Increment(metricAuthGoogleSuccess)
	contextGin.JSON(http.StatusOK, sessionResponse{
		UserID:       user.ID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (handlers *authHandlers) internalError(contextGin *gin.Context, code string, err error) {
	handlers.Logger.Error("auth handler failure", zap.String("code", code), zap.Error(err))
	contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func respondError(contextGin *gin.Context, status int, err error) {
	contextGin.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

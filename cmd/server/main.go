package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/talebook/internal/authkit"
	"github.com/tyemirov/talebook/internal/authkitmongo"
	"github.com/tyemirov/talebook/internal/authkitpg"
	"github.com/tyemirov/talebook/internal/web"
	webassets "github.com/tyemirov/talebook/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "talebook",
		Short:   "Story-sharing API auth service with JWT access tokens and rotating refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access tokens")
	rootCmd.Flags().String("refresh_signing_key", "", "HS256 signing secret for refresh tokens; defaults to jwt_signing_key")
	rootCmd.Flags().String("jwt_issuer", defaultIssuer, "Issuer claim stamped into every token")
	rootCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 30*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().String("password_hasher", authkit.PasswordHasherBcrypt, "Password hashing algorithm (bcrypt or argon2id)")
	rootCmd.Flags().Int("bcrypt_cost", 12, "bcrypt work factor")
	rootCmd.Flags().String("database_url", "", "User store URL (postgres://, sqlite:, mongodb://; leave empty for in-memory store)")
	rootCmd.Flags().String("postgres_engine", postgresEngineGORM, "Postgres access layer (gorm or pgx)")
	rootCmd.Flags().String("mongo_database", "talebook", "MongoDB database name")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for browser clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; enables Google sign-in when set")
	rootCmd.Flags().Duration("nonce_ttl", 5*time.Minute, "Nonce lifetime for Google Sign-In exchanges")
	rootCmd.Flags().String("redis_url", "", "Redis URL for the nonce store; empty keeps nonces in memory")
	rootCmd.Flags().Int("auth_rate_per_minute", 30, "Register/login requests allowed per client IP per minute; 0 disables limiting")
	rootCmd.Flags().Int("auth_rate_burst", 10, "Burst size for the per-client auth limiter")

	for _, flagName := range []string{
		"listen_addr", "jwt_signing_key", "refresh_signing_key", "jwt_issuer",
		"access_ttl", "refresh_ttl", "password_hasher", "bcrypt_cost",
		"database_url", "postgres_engine", "mongo_database",
		"enable_cors", "cors_allowed_origins", "google_web_client_id", "nonce_ttl",
		"redis_url", "auth_rate_per_minute", "auth_rate_burst",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	defaultIssuer = "talebook"

	postgresEngineGORM = "gorm"
	postgresEnginePGX  = "pgx"

	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidNonceTTL         = "config.invalid_nonce_ttl"
	configCodeInvalidBcryptCost       = "config.invalid_bcrypt_cost"
	configCodeUnsupportedHasher       = "config.unsupported_password_hasher"
	configCodeUnsupportedEngine       = "config.unsupported_postgres_engine"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
	configCodeDotEnv                  = "config.dotenv"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	if dotEnvErr := loadDotEnv(".env"); dotEnvErr != nil {
		return dotEnvErr
	}
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

// loadDotEnv exports variables from path; a missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return configError(configCodeDotEnv, err.Error())
	}
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (authkit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	nonceTTL := 5 * time.Minute
	if viper.IsSet("nonce_ttl") {
		nonceTTL = viper.GetDuration("nonce_ttl")
		if nonceTTL <= 0 {
			return authkit.ServerConfig{}, configError(configCodeInvalidNonceTTL, "nonce_ttl must be greater than zero")
		}
	}

	issuer := viper.GetString("jwt_issuer")
	if issuer == "" {
		issuer = defaultIssuer
	}

	var refreshSigningKey []byte
	if configuredRefreshKey := viper.GetString("refresh_signing_key"); configuredRefreshKey != "" {
		refreshSigningKey = []byte(configuredRefreshKey)
	}

	return authkit.ServerConfig{
		AccessSigningKey:  []byte(jwtSigningKey),
		RefreshSigningKey: refreshSigningKey,
		Issuer:            issuer,
		AccessTTL:         accessTTL,
		RefreshTTL:        refreshTTL,
		GoogleWebClientID: viper.GetString("google_web_client_id"),
		NonceTTL:          nonceTTL,
	}, nil
}

func buildPasswordHasher() (authkit.PasswordHasher, error) {
	algorithm := viper.GetString("password_hasher")
	if algorithm == "" {
		algorithm = authkit.PasswordHasherBcrypt
	}
	bcryptCost := 12
	if viper.IsSet("bcrypt_cost") {
		bcryptCost = viper.GetInt("bcrypt_cost")
	}
	hasher, err := authkit.NewPasswordHasher(algorithm, bcryptCost)
	switch {
	case errors.Is(err, authkit.ErrUnsupportedPasswordHasher):
		return nil, configError(configCodeUnsupportedHasher, fmt.Sprintf("password_hasher %q is not supported", algorithm))
	case errors.Is(err, authkit.ErrInvalidBcryptCost):
		return nil, configError(configCodeInvalidBcryptCost, fmt.Sprintf("bcrypt_cost %d is out of range", bcryptCost))
	case err != nil:
		return nil, err
	}
	return hasher, nil
}

// openUserStore picks the backend from database_url; the returned close func is never nil.
var openUserStore = func(ctx context.Context, logger *zap.Logger) (authkit.UserStore, func(), error) {
	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	noop := func() {}
	if databaseURL == "" {
		logger.Info("using in-memory user store")
		return authkit.NewMemoryUserStore(), noop, nil
	}

	parsed, parseErr := url.Parse(databaseURL)
	if parseErr != nil {
		return nil, noop, fmt.Errorf("user_store.parse_url: %w", parseErr)
	}
	scheme := strings.ToLower(parsed.Scheme)

	switch {
	case scheme == "mongodb" || scheme == "mongodb+srv":
		client, connectErr := authkitmongo.Connect(ctx, databaseURL)
		if connectErr != nil {
			return nil, noop, connectErr
		}
		databaseName := viper.GetString("mongo_database")
		store, storeErr := authkitmongo.NewMongoUserStore(ctx, client.Database(databaseName))
		if storeErr != nil {
			_ = client.Disconnect(context.Background())
			return nil, noop, storeErr
		}
		logger.Info("using mongodb user store", zap.String("database", databaseName))
		return store, func() { _ = client.Disconnect(context.Background()) }, nil

	case (scheme == "postgres" || scheme == "postgresql") && viper.GetString("postgres_engine") == postgresEnginePGX:
		if migrateErr := authkitpg.RunMigrations(databaseURL, logger); migrateErr != nil {
			return nil, noop, migrateErr
		}
		pool, poolErr := authkitpg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, noop, poolErr
		}
		logger.Info("using postgres user store", zap.String("engine", postgresEnginePGX))
		return authkitpg.NewPostgresUserStore(pool), pool.Close, nil

	default:
		if engine := viper.GetString("postgres_engine"); engine != "" && engine != postgresEngineGORM && engine != postgresEnginePGX {
			return nil, noop, configError(configCodeUnsupportedEngine, fmt.Sprintf("postgres_engine %q is not supported", engine))
		}
		store, storeErr := authkit.NewDatabaseUserStore(ctx, databaseURL)
		if storeErr != nil {
			return nil, noop, storeErr
		}
		logger.Info("using persistent user store", zap.String("driver", store.Driver()))
		return store, noop, nil
	}
}

func buildNonceStore(ctx context.Context, serverConfig authkit.ServerConfig, clock authkit.Clock, logger *zap.Logger) (authkit.NonceStore, func(), error) {
	redisURL := viper.GetString("redis_url")
	if redisURL == "" {
		return authkit.NewMemoryNonceStore(serverConfig.NonceTTL, clock), func() {}, nil
	}
	store, err := authkit.NewRedisNonceStoreFromURL(ctx, redisURL, serverConfig.NonceTTL)
	if err != nil {
		return nil, func() {}, err
	}
	logger.Info("using redis nonce store")
	return store, func() { _ = store.Close() }, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	hasher, hasherErr := buildPasswordHasher()
	if hasherErr != nil {
		return hasherErr
	}

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	userStore, closeUserStore, storeErr := openUserStore(commandContext, logger)
	if storeErr != nil {
		return storeErr
	}
	defer closeUserStore()

	clock := authkit.NewSystemClock()
	tokenService, tokenErr := authkit.NewTokenService(serverConfig, userStore, clock)
	if tokenErr != nil {
		return tokenErr
	}
	credentials := authkit.NewCredentialStore(userStore, hasher, clock)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsRecorder := authkit.NewPrometheusMetrics(registry)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	dependencies := authkit.AuthDependencies{
		Configuration: serverConfig,
		Credentials:   credentials,
		Tokens:        tokenService,
		Logger:        logger,
		Metrics:       metricsRecorder,
		RateLimiter: authkit.NewClientRateLimiter(authkit.RateLimitConfig{
			RequestsPerMinute: viper.GetInt("auth_rate_per_minute"),
			Burst:             viper.GetInt("auth_rate_burst"),
		}),
	}

	if serverConfig.GoogleWebClientID != "" {
		nonceStore, closeNonceStore, nonceErr := buildNonceStore(commandContext, serverConfig, clock, logger)
		if nonceErr != nil {
			return nonceErr
		}
		defer closeNonceStore()

		validator, validatorErr := buildGoogleTokenValidator(commandContext)
		if validatorErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		dependencies.NonceStore = nonceStore
		dependencies.GoogleValidator = validator
	}

	if mountErr := authkit.MountAuthRoutes(router, dependencies); mountErr != nil {
		return mountErr
	}

	router.GET("/api-docs/openapi.yaml", func(contextGin *gin.Context) {
		web.ServeEmbeddedFile(contextGin, webassets.FS, webassets.OpenAPIPath, "application/yaml")
	})

	protected := router.Group("/api")
	protected.Use(authkit.RequireAccessToken(tokenService, logger))
	protected.GET("/me", web.HandleWhoAmI(logger, userStore))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}

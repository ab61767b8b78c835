package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/talebook/internal/authkit"
	webassets "github.com/tyemirov/talebook/web"
	"go.uber.org/zap"
)

func TestServeEmbeddedFile(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/api-docs/openapi.yaml", func(contextGin *gin.Context) {
		ServeEmbeddedFile(contextGin, webassets.FS, webassets.OpenAPIPath, "application/yaml")
	})
	router.GET("/missing.yaml", func(contextGin *gin.Context) {
		ServeEmbeddedFile(contextGin, webassets.FS, "missing.yaml", "application/yaml")
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api-docs/openapi.yaml", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if contentType := recorder.Header().Get("Content-Type"); contentType != "application/yaml" {
		t.Fatalf("unexpected content type %q", contentType)
	}
	if !strings.Contains(recorder.Body.String(), "/auth/refresh") {
		t.Fatalf("expected API document to describe /auth/refresh")
	}

	missRecorder := httptest.NewRecorder()
	router.ServeHTTP(missRecorder, httptest.NewRequest(http.MethodGet, "/missing.yaml", nil))
	if missRecorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing asset, got %d", missRecorder.Code)
	}
}

func TestConfigureCORS(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(zap.NewNop(), []string{"http://localhost:3000", "http://localhost:3000/"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.POST("/auth/login", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	request.Header.Set("Origin", "http://localhost:3000")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost:3000" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
	if allowed := recorder.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(strings.ToLower(allowed), "authorization") {
		t.Fatalf("expected Authorization in allowed headers, got %q", allowed)
	}
}

func TestConfigureCORSRejectsBadOrigins(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		origins  []string
		expected error
	}{
		{name: "nil", origins: nil, expected: errEmptyAllowedOrigins},
		{name: "blank", origins: []string{"  "}, expected: errEmptyAllowedOrigins},
		{name: "wildcard", origins: []string{"*"}, expected: errWildcardOrigin},
		{name: "path", origins: []string{"https://example.com/app"}, expected: errInvalidOrigin},
		{name: "scheme", origins: []string{"ftp://example.com"}, expected: errInvalidOrigin},
		{name: "no host", origins: []string{"example.com"}, expected: errInvalidOrigin},
	}
	for _, testCase := range testCases {
		if _, err := ConfigureCORS(nil, testCase.origins); !errors.Is(err, testCase.expected) {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, err)
		}
	}
}

type failingLookup struct{}

func (failingLookup) FindUserByID(ctx context.Context, userID string) (authkit.User, bool, error) {
	return authkit.User{}, false, errors.New("database unavailable")
}

func newWhoAmIRouter(users UserLookup, userID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	if userID != "" {
		router.Use(func(contextGin *gin.Context) {
			contextGin.Set(authkit.ContextKeyUserID, userID)
			contextGin.Next()
		})
	}
	router.GET("/api/me", HandleWhoAmI(zap.NewNop(), users))
	return router
}

func TestHandleWhoAmI(t *testing.T) {
	t.Parallel()

	store := authkit.NewMemoryUserStore()
	if err := store.CreateUser(context.Background(), authkit.User{
		ID:        "user-1",
		Username:  "alice",
		Email:     "alice@x.com",
		Image:     "https://example.com/alice.png",
		Favorites: []string{"book-7"},
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	recorder := httptest.NewRecorder()
	newWhoAmIRouter(store, "user-1").ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["userId"] != "user-1" || payload["username"] != "alice" || payload["email"] != "alice@x.com" {
		t.Fatalf("unexpected profile: %v", payload)
	}
	if payload["image"] != "https://example.com/alice.png" {
		t.Fatalf("unexpected image: %v", payload["image"])
	}
	favorites, ok := payload["favorites"].([]interface{})
	if !ok || len(favorites) != 1 || favorites[0] != "book-7" {
		t.Fatalf("unexpected favorites: %v", payload["favorites"])
	}
	if _, leaked := payload["passwordHash"]; leaked {
		t.Fatalf("password hash must not be exposed")
	}
}

func TestHandleWhoAmIFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name           string
		users          UserLookup
		userID         string
		expectedStatus int
	}{
		{name: "missing user id", users: authkit.NewMemoryUserStore(), expectedStatus: http.StatusUnauthorized},
		{name: "deleted user", users: authkit.NewMemoryUserStore(), userID: "ghost", expectedStatus: http.StatusNotFound},
		{name: "store error", users: failingLookup{}, userID: "user-1", expectedStatus: http.StatusInternalServerError},
	}
	for _, testCase := range testCases {
		recorder := httptest.NewRecorder()
		newWhoAmIRouter(testCase.users, testCase.userID).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/me", nil))
		if recorder.Code != testCase.expectedStatus {
			t.Fatalf("%s: expected %d, got %d", testCase.name, testCase.expectedStatus, recorder.Code)
		}
	}
}

func TestHandleWhoAmIRequiresStore(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic without a user store")
		}
	}()
	HandleWhoAmI(nil, nil)
}

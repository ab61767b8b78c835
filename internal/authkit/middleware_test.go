package authkit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

func newProtectedRouter(t *testing.T, verifier AccessTokenVerifier) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequireAccessToken(verifier, zaptest.NewLogger(t)))
	router.GET("/protected", func(contextGin *gin.Context) {
		userID, ok := UserIDFromContext(contextGin)
		if !ok {
			contextGin.Status(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"userId": userID})
	})
	return router
}

func TestRequireAccessToken(t *testing.T) {
	fixture := newTokenServiceFixture(t)
	router := newProtectedRouter(t, fixture.service)

	validPair, err := fixture.service.IssueTokenPair(testContext(t), fixture.userID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	testCases := []struct {
		name           string
		header         string
		expectedStatus int
		expectedReason string
	}{
		{name: "missing header", header: "", expectedStatus: http.StatusUnauthorized, expectedReason: reasonMissingToken},
		{name: "wrong scheme", header: "Basic abc", expectedStatus: http.StatusUnauthorized, expectedReason: reasonMissingToken},
		{name: "garbage token", header: "Bearer garbage", expectedStatus: http.StatusUnauthorized, expectedReason: reasonInvalidToken},
		{name: "refresh token", header: "Bearer " + validPair.RefreshToken, expectedStatus: http.StatusUnauthorized, expectedReason: reasonInvalidToken},
		{name: "valid token", header: "Bearer " + validPair.AccessToken, expectedStatus: http.StatusOK},
		{name: "lowercase scheme", header: "bearer " + validPair.AccessToken, expectedStatus: http.StatusOK},
	}
	for _, testCase := range testCases {
		request := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if testCase.header != "" {
			request.Header.Set("Authorization", testCase.header)
		}
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)
		if recorder.Code != testCase.expectedStatus {
			t.Fatalf("%s: expected %d, got %d", testCase.name, testCase.expectedStatus, recorder.Code)
		}
		var body map[string]string
		if decodeErr := json.Unmarshal(recorder.Body.Bytes(), &body); decodeErr != nil {
			t.Fatalf("%s: decode body: %v", testCase.name, decodeErr)
		}
		if testCase.expectedStatus == http.StatusOK {
			if body["userId"] != fixture.userID {
				t.Fatalf("%s: expected userId %q, got %q", testCase.name, fixture.userID, body["userId"])
			}
			continue
		}
		if body["error"] != ErrUnauthenticated.Error() || body["reason"] != testCase.expectedReason {
			t.Fatalf("%s: unexpected body %v", testCase.name, body)
		}
	}
}

func TestRequireAccessTokenReportsExpiry(t *testing.T) {
	fixture := newTokenServiceFixture(t)
	router := newProtectedRouter(t, fixture.service)

	pair, err := fixture.service.IssueTokenPair(testContext(t), fixture.userID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	fixture.clock.Advance(16 * time.Minute)

	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	var body map[string]string
	if decodeErr := json.Unmarshal(recorder.Body.Bytes(), &body); decodeErr != nil {
		t.Fatalf("decode body: %v", decodeErr)
	}
	if body["reason"] != reasonExpired {
		t.Fatalf("expected expired reason, got %v", body)
	}
}

func TestUserIDFromContextWithoutMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	contextGin, _ := gin.CreateTestContext(httptest.NewRecorder())
	if _, ok := UserIDFromContext(contextGin); ok {
		t.Fatalf("expected no user id")
	}
}

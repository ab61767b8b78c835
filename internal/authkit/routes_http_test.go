package authkit

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

type testAuthServer struct {
	router      *gin.Engine
	users       *MemoryUserStore
	credentials *CredentialStore
	tokens      *TokenService
	clock       *controllableClock
	metrics     *CounterMetrics
	nonces      *MemoryNonceStore
}

type testAuthOption func(*AuthDependencies)

func newTestAuthServer(t *testing.T, options ...testAuthOption) testAuthServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	configuration := newTestServerConfig()
	clock := &controllableClock{current: time.Now().UTC()}
	users := NewMemoryUserStore()
	hasher, err := NewPasswordHasher(PasswordHasherBcrypt, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}
	credentials := NewCredentialStore(users, hasher, clock)
	tokens, err := NewTokenService(configuration, users, clock)
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}
	metrics := NewCounterMetrics()
	nonces := NewMemoryNonceStore(configuration.NonceTTL, clock)

	dependencies := AuthDependencies{
		Configuration:   configuration,
		Credentials:     credentials,
		Tokens:          tokens,
		Logger:          zaptest.NewLogger(t),
		Metrics:         metrics,
		NonceStore:      nonces,
		GoogleValidator: &fakeGoogleValidator{results: map[string]validatorResult{}},
	}
	for _, option := range options {
		option(&dependencies)
	}

	router := gin.New()
	if mountErr := MountAuthRoutes(router, dependencies); mountErr != nil {
		t.Fatalf("mount routes: %v", mountErr)
	}
	return testAuthServer{
		router:      router,
		users:       users,
		credentials: credentials,
		tokens:      tokens,
		clock:       clock,
		metrics:     metrics,
		nonces:      nonces,
	}
}

func postJSON(t *testing.T, client *http.Client, url string, body interface{}, bearer string) (*http.Response, map[string]interface{}) {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	response, err := client.Do(request)
	if err != nil {
		t.Fatalf("request to %s failed: %v", url, err)
	}
	defer response.Body.Close()
	var payload map[string]interface{}
	_ = json.NewDecoder(response.Body).Decode(&payload)
	return response, payload
}

func TestHTTPSessionScenario(t *testing.T) {
	authServer := newTestAuthServer(t)
	server := httptest.NewServer(authServer.router)
	defer server.Close()
	client := server.Client()

	registerResp, registered := postJSON(t, client, server.URL+"/auth/register", map[string]string{
		"username": "alice",
		"email":    "alice@x.com",
		"password": "pw123",
	}, "")
	if registerResp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 from register, got %d (%v)", registerResp.StatusCode, registered)
	}
	if registered["userId"] == "" || registered["accessToken"] == "" || registered["refreshToken"] == "" {
		t.Fatalf("expected non-empty token pair, got %v", registered)
	}
	originalRefresh := registered["refreshToken"].(string)

	wrongResp, wrongBody := postJSON(t, client, server.URL+"/auth/login", map[string]string{
		"username": "alice",
		"password": "wrongpw",
	}, "")
	if wrongResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", wrongResp.StatusCode)
	}
	unknownResp, unknownBody := postJSON(t, client, server.URL+"/auth/login", map[string]string{
		"username": "mallory",
		"password": "pw123",
	}, "")
	if unknownResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown user, got %d", unknownResp.StatusCode)
	}
	if wrongBody["error"] != unknownBody["error"] || wrongBody["error"] != ErrInvalidCredentials.Error() {
		t.Fatalf("expected uniform invalid credentials, got %v and %v", wrongBody, unknownBody)
	}

	loginResp, loggedIn := postJSON(t, client, server.URL+"/auth/login", map[string]string{
		"username": "alice",
		"password": "pw123",
	}, "")
	if loginResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from login, got %d", loginResp.StatusCode)
	}
	if loggedIn["accessToken"] == registered["accessToken"] || loggedIn["refreshToken"] == registered["refreshToken"] {
		t.Fatalf("expected login pair distinct from registration pair")
	}

	refreshResp, refreshed := postJSON(t, client, server.URL+"/auth/refresh", map[string]string{
		"refreshToken": originalRefresh,
	}, "")
	if refreshResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from first refresh, got %d", refreshResp.StatusCode)
	}
	if refreshed["refreshToken"] == originalRefresh {
		t.Fatalf("expected a rotated refresh token")
	}

	replayResp, replayed := postJSON(t, client, server.URL+"/auth/refresh", map[string]string{
		"refreshToken": originalRefresh,
	}, "")
	if replayResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 when replaying rotated token, got %d", replayResp.StatusCode)
	}
	if replayed["error"] != ErrRevoked.Error() {
		t.Fatalf("expected revoked error, got %v", replayed)
	}

	currentRefresh := refreshed["refreshToken"].(string)
	currentAccess := refreshed["accessToken"].(string)
	for attempt := 0; attempt < 2; attempt++ {
		logoutResp, _ := postJSON(t, client, server.URL+"/auth/logout", map[string]string{
			"refreshToken": currentRefresh,
		}, currentAccess)
		if logoutResp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 from logout attempt %d, got %d", attempt, logoutResp.StatusCode)
		}
	}
	postLogoutResp, _ := postJSON(t, client, server.URL+"/auth/refresh", map[string]string{
		"refreshToken": currentRefresh,
	}, "")
	if postLogoutResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 refreshing a logged out token, got %d", postLogoutResp.StatusCode)
	}

	if authServer.metrics.Count(metricAuthRegisterSuccess) != 1 {
		t.Fatalf("expected auth.register.success metric increment")
	}
	if authServer.metrics.Count(metricAuthLoginFailure) != 2 || authServer.metrics.Count(metricAuthLoginSuccess) != 1 {
		t.Fatalf("unexpected login metrics")
	}
	if authServer.metrics.Count(metricAuthRefreshSuccess) != 1 || authServer.metrics.Count(metricAuthRefreshReuse) != 2 {
		t.Fatalf("unexpected refresh metrics")
	}
	if authServer.metrics.Count(metricAuthLogoutSuccess) != 2 {
		t.Fatalf("expected auth.logout.success metric increments")
	}
}

func TestHTTPRegisterFailures(t *testing.T) {
	authServer := newTestAuthServer(t)
	server := httptest.NewServer(authServer.router)
	defer server.Close()
	client := server.Client()

	first, _ := postJSON(t, client, server.URL+"/auth/register", map[string]string{
		"username": "alice", "email": "alice@x.com", "password": "pw123",
	}, "")
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.StatusCode)
	}

	testCases := []struct {
		name           string
		body           map[string]string
		expectedStatus int
		expectedError  string
	}{
		{name: "duplicate username", body: map[string]string{"username": "alice", "email": "other@x.com", "password": "pw"}, expectedStatus: http.StatusConflict, expectedError: ErrConflict.Error()},
		{name: "duplicate email", body: map[string]string{"username": "alice2", "email": "ALICE@x.com", "password": "pw"}, expectedStatus: http.StatusConflict, expectedError: ErrConflict.Error()},
		{name: "missing password", body: map[string]string{"username": "bob", "email": "bob@x.com"}, expectedStatus: http.StatusBadRequest, expectedError: ErrValidation.Error()},
		{name: "bad email", body: map[string]string{"username": "bob", "email": "bob", "password": "pw"}, expectedStatus: http.StatusBadRequest, expectedError: ErrValidation.Error()},
	}
	for _, testCase := range testCases {
		response, payload := postJSON(t, client, server.URL+"/auth/register", testCase.body, "")
		if response.StatusCode != testCase.expectedStatus || payload["error"] != testCase.expectedError {
			t.Fatalf("%s: expected %d %s, got %d %v", testCase.name, testCase.expectedStatus, testCase.expectedError, response.StatusCode, payload)
		}
	}
	if authServer.metrics.Count(metricAuthRegisterConflict) != 2 {
		t.Fatalf("expected two conflict metric increments")
	}
}

func TestHTTPLoginByEmail(t *testing.T) {
	authServer := newTestAuthServer(t)
	server := httptest.NewServer(authServer.router)
	defer server.Close()
	client := server.Client()

	if _, err := authServer.credentials.Create(testContext(t), "alice", "alice@x.com", "pw123"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, body := range []map[string]string{
		{"email": "Alice@X.com", "password": "pw123"},
		{"username": "alice@x.com", "password": "pw123"},
	} {
		response, payload := postJSON(t, client, server.URL+"/auth/login", body, "")
		if response.StatusCode != http.StatusOK || payload["accessToken"] == "" {
			t.Fatalf("expected login by email to succeed for %v, got %d", body, response.StatusCode)
		}
	}
	missing, _ := postJSON(t, client, server.URL+"/auth/login", map[string]string{"password": "pw123"}, "")
	if missing.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without identifier, got %d", missing.StatusCode)
	}
}

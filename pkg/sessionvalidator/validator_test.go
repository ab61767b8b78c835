package sessionvalidator

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type fixedClock struct {
	current time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.current
}

func mintToken(t *testing.T, signingKey []byte, issuer string, tokenType string, issuedAt time.Time, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:    "user-123",
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "user-123",
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	})
	result, err := token.SignedString(signingKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return result
}

func TestNewValidatorRequiresSigningKey(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Issuer: "issuer"})
	if err == nil || !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
}

func TestNewValidatorRequiresIssuer(t *testing.T) {
	t.Parallel()

	_, err := New(Config{SigningKey: []byte("secret")})
	if err == nil || !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}

func TestNewValidatorDefaults(t *testing.T) {
	t.Parallel()

	validator, err := New(Config{
		SigningKey: []byte("secret"),
		Issuer:     "issuer",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if validator.tokenType != TokenTypeAccess {
		t.Fatalf("expected default token type, got %s", validator.tokenType)
	}
	if validator.clock == nil {
		t.Fatalf("expected default clock to be set")
	}
}

func TestValidateTokenSuccess(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "issuer",
		Clock:      fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tokenValue := mintToken(t, []byte("secret-key"), "issuer", TokenTypeAccess, now, time.Minute)

	claims, validateErr := validator.ValidateToken(tokenValue)
	if validateErr != nil {
		t.Fatalf("unexpected validation error: %v", validateErr)
	}
	if claims.GetUserID() != "user-123" {
		t.Fatalf("unexpected claims: %#v", claims)
	}
	if !claims.GetExpiresAt().Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected expiry: %v", claims.GetExpiresAt())
	}
}

func TestValidateTokenRejectsInvalidCases(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	tests := []struct {
		name      string
		tokenFunc func() string
		expectErr error
	}{
		{
			name:      "empty token",
			tokenFunc: func() string { return "" },
			expectErr: ErrMissingToken,
		},
		{
			name:      "garbage",
			tokenFunc: func() string { return "not-a-jwt" },
			expectErr: ErrInvalidToken,
		},
		{
			name: "bad signature",
			tokenFunc: func() string {
				return mintToken(t, []byte("other-key"), "issuer", TokenTypeAccess, now, time.Minute)
			},
			expectErr: ErrInvalidToken,
		},
		{
			name: "wrong issuer",
			tokenFunc: func() string {
				return mintToken(t, []byte("secret-key"), "other-issuer", TokenTypeAccess, now, time.Minute)
			},
			expectErr: ErrInvalidIssuer,
		},
		{
			name: "refresh token presented as access token",
			tokenFunc: func() string {
				return mintToken(t, []byte("secret-key"), "issuer", TokenTypeRefresh, now, time.Minute)
			},
			expectErr: ErrInvalidToken,
		},
		{
			name: "expired",
			tokenFunc: func() string {
				return mintToken(t, []byte("secret-key"), "issuer", TokenTypeAccess, now.Add(-2*time.Minute), time.Minute)
			},
			expectErr: ErrTokenExpired,
		},
		{
			name: "expired with bad signature",
			tokenFunc: func() string {
				return mintToken(t, []byte("other-key"), "issuer", TokenTypeAccess, now.Add(-2*time.Minute), time.Minute)
			},
			expectErr: ErrInvalidToken,
		},
	}

	validator, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "issuer",
		Clock:      fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			_, validateErr := validator.ValidateToken(testCase.tokenFunc())
			if !errors.Is(validateErr, testCase.expectErr) {
				t.Fatalf("expected %v, got %v", testCase.expectErr, validateErr)
			}
		})
	}
}

func TestValidateTokenExpiresExactlyAtExpiry(t *testing.T) {
	issuedAt := time.Unix(1700000000, 0).UTC()
	tokenValue := mintToken(t, []byte("secret-key"), "issuer", TokenTypeAccess, issuedAt, time.Minute)

	before, err := New(Config{SigningKey: []byte("secret-key"), Issuer: "issuer", Clock: fixedClock{current: issuedAt.Add(59 * time.Second)}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, validateErr := before.ValidateToken(tokenValue); validateErr != nil {
		t.Fatalf("expected token to be valid before expiry, got %v", validateErr)
	}

	at, err := New(Config{SigningKey: []byte("secret-key"), Issuer: "issuer", Clock: fixedClock{current: issuedAt.Add(time.Minute)}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, validateErr := at.ValidateToken(tokenValue); !errors.Is(validateErr, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired at expiry, got %v", validateErr)
	}
}

func TestValidateRequestReadsBearerHeader(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	validator, err := New(Config{
		SigningKey: []byte("secret-key"),
		Issuer:     "issuer",
		Clock:      fixedClock{current: now},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/books", nil)
	if _, validateErr := validator.ValidateRequest(request); !errors.Is(validateErr, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", validateErr)
	}

	request.Header.Set(AuthorizationHeader, "bearer "+mintToken(t, []byte("secret-key"), "issuer", TokenTypeAccess, now, time.Minute))
	claims, validateErr := validator.ValidateRequest(request)
	if validateErr != nil {
		t.Fatalf("unexpected validation error: %v", validateErr)
	}
	if claims.GetUserID() != "user-123" {
		t.Fatalf("unexpected user id %q", claims.GetUserID())
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		header   string
		expected string
	}{
		{header: "", expected: ""},
		{header: "Bearer", expected: ""},
		{header: "Bearer ", expected: ""},
		{header: "Basic abc", expected: ""},
		{header: "Bearer abc.def", expected: "abc.def"},
		{header: "BEARER   abc ", expected: "abc"},
	}
	for _, testCase := range testCases {
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		if testCase.header != "" {
			request.Header.Set(AuthorizationHeader, testCase.header)
		}
		if got := BearerToken(request); got != testCase.expected {
			t.Fatalf("header %q: expected %q, got %q", testCase.header, testCase.expected, got)
		}
	}
	if BearerToken(nil) != "" {
		t.Fatalf("expected empty token for nil request")
	}
}

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{"valid", "Bearer abc123", "abc123", nil},
		{"lowercase scheme", "bearer abc123", "abc123", nil},
		{"missing", "", "", ErrMissingToken},
		{"no bearer prefix", "Token abc123", "", ErrInvalidFormat},
		{"missing token", "Bearer", "", ErrInvalidFormat},
		{"empty value", "Bearer ", "", ErrInvalidFormat},
		{"basic auth", "Basic dXNlcjpwYXNz", "", ErrInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BearerToken(tt.header)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func runServiceMiddleware(t *testing.T, secret, header string) (bool, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var authed bool
	handler := func(c echo.Context) error {
		authed = ServiceAuthenticated(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	}

	err := ServiceTokenMiddleware(secret)(handler)(c)
	return authed, err
}

func TestServiceTokenMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		header   string
		wantCode int
	}{
		{"valid", "svc-secret", "Bearer svc-secret", 0},
		{"missing header", "svc-secret", "", http.StatusUnauthorized},
		{"malformed", "svc-secret", "svc-secret", http.StatusUnauthorized},
		{"wrong token", "svc-secret", "Bearer nope", http.StatusUnauthorized},
		{"no secret configured", "", "Bearer anything", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authed, err := runServiceMiddleware(t, tt.secret, tt.header)
			if tt.wantCode == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if !authed {
					t.Error("expected request marked as service-authenticated")
				}
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected echo.HTTPError, got %T", err)
			}
			if httpErr.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, httpErr.Code)
			}
		})
	}
}

func TestServiceAuthenticated_Default(t *testing.T) {
	if ServiceAuthenticated(context.Background()) {
		t.Error("empty context should not be authenticated")
	}
}

func TestDoctorTokenVerifier_Valid(t *testing.T) {
	v := NewDoctorTokenVerifier(JWTConfig{SigningKey: testSigningKey, Issuer: "auth-service"})
	tok := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "doc-1",
			Issuer:    "auth-service",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"doctor"},
	}, testSigningKey)

	sub, err := v.VerifyDoctor(tok)
	if err != nil {
		t.Fatalf("VerifyDoctor() error: %v", err)
	}
	if sub != "doc-1" {
		t.Errorf("expected subject doc-1, got %q", sub)
	}
}

func TestDoctorTokenVerifier_Rejects(t *testing.T) {
	v := NewDoctorTokenVerifier(JWTConfig{SigningKey: testSigningKey, Issuer: "auth-service"})

	expired := createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "doc-1",
		Issuer:    "auth-service",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}}, testSigningKey)
	wrongKey := createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "doc-1",
		Issuer:  "auth-service",
	}}, []byte("other-key"))
	wrongIssuer := createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "doc-1",
		Issuer:  "someone-else",
	}}, testSigningKey)
	noSubject := createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer: "auth-service",
	}}, testSigningKey)

	tests := map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"expired":      expired,
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"no subject":   noSubject,
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := v.VerifyDoctor(tok); err == nil {
				t.Error("expected verification failure")
			}
		})
	}
}
